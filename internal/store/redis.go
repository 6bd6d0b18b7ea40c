package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/CZERTAINLY/proofd/internal/model"
)

// Redis keeps every job as JSON in the hash <prefix>:job:<id> and indexes
// the ids in the sorted set <prefix>:jobs scored by creation time.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(ctx context.Context, cfg model.Store) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing store.url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", opts.Addr, err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "proofd"
	}
	return &Redis{rdb: rdb, prefix: prefix}, nil
}

func (r *Redis) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", r.prefix, id)
}

func (r *Redis) indexKey() string {
	return r.prefix + ":jobs"
}

func (r *Redis) SaveJob(ctx context.Context, job model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.jobKey(job.ID), "payload", data, "state", string(job.State))
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{
			Score:  float64(job.CreatedAt.UnixMilli()),
			Member: job.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}
	return nil
}

func (r *Redis) LoadJobs(ctx context.Context) ([]model.Job, error) {
	ids, err := r.rdb.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, r.jobKey(id), "payload")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("loading jobs: %w", err)
	}

	ret := make([]model.Job, 0, len(ids))
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err != nil {
			slog.WarnContext(ctx, "job payload missing: skipping", "job_id", ids[i], "error", err)
			continue
		}
		var job model.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			slog.WarnContext(ctx, "job payload corrupted: skipping", "job_id", ids[i], "error", err)
			continue
		}
		ret = append(ret, job)
	}
	return ret, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
