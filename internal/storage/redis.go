package storage

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"

	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

// RedisBackend stores each job as a JSON string at "<prefix>job:<id>" and
// keeps the set of IDs at "<prefix>jobs".
type RedisBackend struct {
	Redis  *redis.Client
	Prefix string
}

// NewRedisBackend connects to addr and pings it.
func NewRedisBackend(ctx context.Context, addr string, db int, prefix string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "failed to ping redis at %s", addr)
	}
	return &RedisBackend{Redis: client, Prefix: prefix}, nil
}

func (b *RedisBackend) jobKey(id string) string {
	return b.Prefix + "job:" + id
}

func (b *RedisBackend) indexKey() string {
	return b.Prefix + "jobs"
}

// Load implements Backend.
func (b *RedisBackend) Load(ctx context.Context, jobID string) (*types.ReconciliationJob, error) {
	raw, err := b.Redis.Get(ctx, b.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(ErrNotFound, "job %s", jobID)
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to load job %s", jobID)
	}
	var job types.ReconciliationJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, errors.Wrapf(ErrCorruptedSnapshot, "job %s: %v", jobID, err)
	}
	return &job, nil
}

// Store implements Backend. All jobs are written in one transaction.
func (b *RedisBackend) Store(ctx context.Context, jobs []*types.ReconciliationJob) error {
	if len(jobs) == 0 {
		return nil
	}
	_, err := b.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, j := range jobs {
			raw, err := json.Marshal(j)
			if err != nil {
				return errors.Wrapf(err, "failed to marshal job %s", j.ID)
			}
			pipe.Set(ctx, b.jobKey(j.ID), raw, 0)
			pipe.SAdd(ctx, b.indexKey(), j.ID)
		}
		return nil
	})
	return errors.Wrap(err, "failed to store jobs")
}

// List implements Backend. IDs whose value vanished are skipped.
func (b *RedisBackend) List(ctx context.Context) ([]*types.ReconciliationJob, error) {
	ids, err := b.Redis.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job ids")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.jobKey(id)
	}
	vals, err := b.Redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read jobs")
	}

	out := make([]*types.ReconciliationJob, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job types.ReconciliationJob
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			return nil, errors.Wrapf(ErrCorruptedSnapshot, "job %s: %v", ids[i], err)
		}
		out = append(out, &job)
	}
	return out, nil
}

// Close implements Backend.
func (b *RedisBackend) Close() error {
	return b.Redis.Close()
}
