package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/magistory/render-server/internal/model"
	"github.com/magistory/render-server/internal/pkg/logger"
)

const (
	jobKeyPrefix   = "job:"
	createdIndex   = "jobs:created"
	maxTxnAttempts = 10
)

// RedisRegistry stores each job as JSON under job:<id> and indexes creation
// times in a sorted set so eviction does not scan the keyspace. Updates are
// optimistic WATCH transactions on the job key.
type RedisRegistry struct {
	redis *redis.Client
	log   *logger.Logger
	now   func() time.Time
}

func NewRedisRegistry(redisClient *redis.Client, log *logger.Logger) *RedisRegistry {
	if log == nil {
		log = logger.Discard()
	}
	return &RedisRegistry{
		redis: redisClient,
		log:   log.WithComponent("registry"),
		now:   time.Now,
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func (r *RedisRegistry) Create(ctx context.Context) (*model.Job, error) {
	job := newJob(r.now())
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := r.redis.SetNX(ctx, jobKey(job.ID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("job id collision: %s", job.ID)
	}

	if err := r.redis.ZAdd(ctx, createdIndex, redis.Z{
		Score:  float64(job.CreatedAt.UnixNano()),
		Member: job.ID,
	}).Err(); err != nil {
		r.redis.Del(ctx, jobKey(job.ID))
		return nil, fmt.Errorf("failed to index job: %w", err)
	}

	return job, nil
}

func (r *RedisRegistry) Transition(ctx context.Context, id string, u Update) error {
	key := jobKey(id)

	txf := func(tx *redis.Tx) error {
		job, err := getJob(ctx, tx, key)
		if err != nil {
			return err
		}

		from := job.Status
		if err := apply(job, u, r.now()); err != nil {
			return fmt.Errorf("%w: %s -> %s", err, from, u.Status)
		}

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxnAttempts; i++ {
		err := r.redis.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound):
			r.log.Warn("transition on unknown job", "job_id", id, "status", u.Status)
			return err
		case errors.Is(err, ErrInvalidTransition):
			r.log.Warn("rejected job transition", "job_id", id, "error", err.Error())
			return err
		default:
			return fmt.Errorf("failed to update job: %w", err)
		}
	}
	return fmt.Errorf("failed to update job %s: too much contention", id)
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*model.Job, error) {
	return getJob(ctx, r.redis, jobKey(id))
}

func (r *RedisRegistry) EvictOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := r.now().Add(-age).UnixNano()

	ids, err := r.redis.ZRangeByScore(ctx, createdIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
		members[i] = id
	}

	var deleted *redis.IntCmd
	_, err = r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, createdIndex, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to evict jobs: %w", err)
	}

	return int(deleted.Val()), nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJob(ctx context.Context, c getter, key string) (*model.Job, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
