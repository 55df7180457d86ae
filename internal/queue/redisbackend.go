package queue

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/transilvlad/robin/internal/config"
)

// redisBackend stores RelayJobs as JSON blobs in a Redis LIST, matching
// the Redis backend named in the queue's external interface. RPUSH/LPOP
// gives FIFO ordering: jobs are always appended at the tail (RPUSH) and
// dequeued from the head (LPOP).
type redisBackend struct {
	rdb *redis.Client
	key string
}

func newRedisBackend(qc config.QueueConfig) (*redisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: qc.RedisAddr,
		DB:   qc.RedisDB,
	})

	key := qc.RedisKey
	if key == "" {
		key = "robin:queue"
	}

	return &redisBackend{rdb: rdb, key: key}, nil
}

func (r *redisBackend) ctx() context.Context { return context.Background() }

func (r *redisBackend) Put(job *RelayJob) error {
	data, err := job.Marshal()
	if err != nil {
		return err
	}

	// Replace in place if present, matching the same-UID-overwrite
	// semantics the other backends provide.
	all, err := r.rdb.LRange(r.ctx(), r.key, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	for i, raw := range all {
		existing, err := Unmarshal([]byte(raw))
		if err == nil && existing.UID == job.UID {
			return r.rdb.LSet(r.ctx(), r.key, int64(i), data).Err()
		}
	}

	return r.rdb.RPush(r.ctx(), r.key, data).Err()
}

func (r *redisBackend) Dequeue(max int) ([]*RelayJob, error) {
	var out []*RelayJob
	for i := 0; i < max; i++ {
		raw, err := r.rdb.LPop(r.ctx(), r.key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return out, err
		}
		job, err := Unmarshal([]byte(raw))
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (r *redisBackend) Peek(max int) ([]*RelayJob, error) {
	raws, err := r.rdb.LRange(r.ctx(), r.key, 0, int64(max)-1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	var out []*RelayJob
	for _, raw := range raws {
		job, err := Unmarshal([]byte(raw))
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (r *redisBackend) Snapshot() ([]*RelayJob, error) {
	return r.Peek(1 << 30)
}

func (r *redisBackend) RemoveByUID(uid string) error {
	all, err := r.rdb.LRange(r.ctx(), r.key, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, raw := range all {
		job, err := Unmarshal([]byte(raw))
		if err == nil && job.UID == uid {
			return r.rdb.LRem(r.ctx(), r.key, 1, raw).Err()
		}
	}
	return nil
}

func (r *redisBackend) RemoveAt(index int) error {
	raw, err := r.rdb.LIndex(r.ctx(), r.key, int64(index)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	return r.rdb.LRem(r.ctx(), r.key, 1, raw).Err()
}

func (r *redisBackend) Len() (int, error) {
	n, err := r.rdb.LLen(r.ctx(), r.key).Result()
	return int(n), err
}

func (r *redisBackend) Clear() error {
	return r.rdb.Del(r.ctx(), r.key).Err()
}

func (r *redisBackend) Close() error { return r.rdb.Close() }
