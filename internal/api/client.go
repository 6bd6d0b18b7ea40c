package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CZERTAINLY/proofd/internal/model"
	"github.com/CZERTAINLY/proofd/internal/service"
)

const (
	submitPath = "/api/submit-score"
	jobsPath   = "/api/jobs/"
)

// Client talks to a running proofd.
type Client struct {
	baseURL *url.URL
	client  *http.Client
}

func NewClient(serverURL string) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://localhost:5000`")
	}

	return &Client{
		baseURL: parsedURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Submit posts a score. A duplicate comes back as *model.DuplicateError.
func (c *Client) Submit(ctx context.Context, sr service.SubmitRequest) (service.SubmitResponse, error) {
	raw, err := json.Marshal(sr)
	if err != nil {
		return service.SubmitResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(submitPath), bytes.NewReader(raw))
	if err != nil {
		return service.SubmitResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp service.SubmitResponse
	if err := c.do(req, http.StatusAccepted, &resp); err != nil {
		return service.SubmitResponse{}, err
	}
	slog.DebugContext(ctx, "score submitted", "job_id", resp.JobID, "position", resp.Position)
	return resp, nil
}

func (c *Client) Status(ctx context.Context, id string) (model.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(jobsPath+url.PathEscape(id)), nil)
	if err != nil {
		return model.Job{}, err
	}
	var job model.Job
	if err := c.do(req, http.StatusOK, &job); err != nil {
		return model.Job{}, err
	}
	return job, nil
}

// Wait polls the job every interval until it reaches a terminal state.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (model.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.Status(ctx, id)
		if err != nil {
			return model.Job{}, err
		}
		if job.State.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

func (c *Client) url(path string) string {
	u := *c.baseURL
	u.Path = path
	return u.String()
}

type errorBody struct {
	Error      string `json:"error"`
	JobID      string `json:"job_id"`
	RetryAfter int    `json:"retry_after"`
}

func (c *Client) do(req *http.Request, want int, v any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("failed to parse response content type header: %w", err)
	}
	if contentType != "application/json" {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return fmt.Errorf("unexpected response, status: %d, body: %s", resp.StatusCode, string(body))
	}

	if resp.StatusCode == want {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return nil
	}

	var eb errorBody
	if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
		return fmt.Errorf("decoding json response failed: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return &model.DuplicateError{JobID: eb.JobID, RetryAfter: time.Duration(eb.RetryAfter) * time.Second}
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", model.ErrNotFound, eb.Error)
	}
	return fmt.Errorf("status code: %d, error: %s", resp.StatusCode, eb.Error)
}
