package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/CZERTAINLY/proofd/internal/model"
	"github.com/CZERTAINLY/proofd/internal/proof"
	"github.com/CZERTAINLY/proofd/internal/service"
)

const (
	defaultLimit = 10
	maxLimit     = 100
)

type handler struct {
	svc Service
}

// submitBody uses pointers so a missing field differs from a zero score.
type submitBody struct {
	PlayerID   *string `json:"player_id"`
	Score      *int64  `json:"score"`
	Difficulty *int    `json:"difficulty"`
}

func (b submitBody) missing() string {
	switch {
	case b.PlayerID == nil:
		return "player_id"
	case b.Score == nil:
		return "score"
	case b.Difficulty == nil:
		return "difficulty"
	}
	return ""
}

func fail(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"success": false, "error": err.Error()})
}

func (h *handler) submit(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if field := body.missing(); field != "" {
		fail(c, http.StatusBadRequest, fmt.Errorf("missing required field: %s", field))
		return
	}

	resp, err := h.svc.Submit(c.Request.Context(), service.SubmitRequest{
		SubmitterID: *body.PlayerID,
		Value:       *body.Score,
		Tier:        *body.Difficulty,
	})
	var dup *model.DuplicateError
	var inv *model.ValidationError
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"success":              true,
			"job_id":               resp.JobID,
			"status":               resp.State,
			"session_token":        resp.SessionToken,
			"leaderboard_position": resp.Position,
			"entry":                resp.Entry,
		})
	case errors.As(err, &dup):
		c.Header("Retry-After", strconv.Itoa(dup.RetryAfterSeconds()))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"success":     false,
			"error":       err.Error(),
			"job_id":      dup.JobID,
			"retry_after": dup.RetryAfterSeconds(),
		})
	case errors.As(err, &inv):
		fail(c, http.StatusBadRequest, err)
	case errors.Is(err, model.ErrQueueFull), errors.Is(err, model.ErrPoolClosed):
		fail(c, http.StatusServiceUnavailable, err)
	default:
		slog.ErrorContext(c.Request.Context(), "submission failed", "error", err)
		fail(c, http.StatusInternalServerError, err)
	}
}

func (h *handler) listJobs(c *gin.Context) {
	var f model.Filter
	if s := c.Query("status"); s != "" {
		st, err := model.ParseState(s)
		if err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
		f.State = st
	}
	f.SubmitterID = c.Query("player_id")
	if s := c.Query("difficulty"); s != "" {
		tier, err := strconv.Atoi(s)
		if err != nil {
			fail(c, http.StatusBadRequest, fmt.Errorf("difficulty: %w", err))
			return
		}
		f.Tier = tier
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.svc.ListJobs(f, limit))
}

func (h *handler) job(c *gin.Context) {
	job, err := h.svc.Status(c.Param("id"))
	if errors.Is(err, model.ErrNotFound) {
		fail(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *handler) result(c *gin.Context) {
	rc, job, err := h.svc.OpenResult(c.Param("id"))
	switch {
	case errors.Is(err, model.ErrNotFound):
		fail(c, http.StatusNotFound, err)
		return
	case errors.Is(err, model.ErrResultUnavailable):
		fail(c, http.StatusConflict, err)
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, err)
		return
	}
	defer func() {
		_ = rc.Close()
	}()

	size := int64(-1)
	if f, ok := rc.(*os.File); ok {
		if info, err := f.Stat(); err == nil {
			size = info.Size()
		}
	}
	c.DataFromReader(http.StatusOK, size, "application/octet-stream", rc, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, filepath.Base(job.ResultPath)),
	})
}

func (h *handler) leaderboard(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.svc.AllLeaderboards(limit))
}

func (h *handler) tierLeaderboard(c *gin.Context) {
	tier, err := strconv.Atoi(c.Param("tier"))
	if err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("difficulty: %w", err))
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.svc.Leaderboard(tier, limit))
}

func (h *handler) scores(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Scores())
}

func (h *handler) players(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Players())
}

func (h *handler) playerStats(c *gin.Context) {
	st, err := h.svc.PlayerStats(c.Param("id"))
	if errors.Is(err, model.ErrPlayerNotFound) {
		fail(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handler) verifyProof(c *gin.Context) {
	var req proof.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"verified": false, "error": "invalid request: " + err.Error()})
		return
	}
	resp, err := h.svc.VerifyProof(req.Proof)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"verified": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) workers(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.WorkerStatus())
}

func (h *handler) dedup(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.DedupStatus())
}

func (h *handler) health(c *gin.Context) {
	st := h.svc.Health(c.Request.Context())
	code := http.StatusOK
	if st.Status != service.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}

// queryLimit parses ?limit, defaulting to 10 and capping at 100. It writes
// the error response itself.
func queryLimit(c *gin.Context) (int, bool) {
	s := c.Query("limit")
	if s == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		fail(c, http.StatusBadRequest, fmt.Errorf("limit must be a positive number, got %q", s))
		return 0, false
	}
	return min(n, maxLimit), true
}
