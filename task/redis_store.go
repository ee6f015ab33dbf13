package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "ffcluster:task:"
	redisIndexKey    = "ffcluster:tasks"
	redisMaxAttempts = 32
)

// RedisStore shares task records between coordinator replicas. Records are JSON
// values that expire after ttl; an index set tracks their ids.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func taskKey(id string) string { return redisKeyPrefix + id }

func (s *RedisStore) Create(ctx context.Context, name, typ string, params Params) (*Task, error) {
	t := newTask(name, typ, params)
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, taskKey(t.ID), data, s.ttl)
		pipe.SAdd(ctx, redisIndexKey, t.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storing task: %w", err)
	}
	return t, nil
}

// Update applies fn under WATCH so concurrent writers never lose each other's changes.
func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Task)) (*Task, error) {
	key := taskKey(id)
	var updated *Task

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("decoding task %s: %w", id, err)
		}
		fn(&t)
		t.ID = id
		t.UpdatedAt = time.Now()
		out, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		if err == nil {
			updated = &t
		}
		return err
	}

	for i := 0; i < redisMaxAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("updating task %s: too much contention", id)
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	data, err := s.rdb.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", id, err)
	}
	return &t, nil
}

// List returns live records and prunes index entries whose record expired.
func (s *RedisStore) List(ctx context.Context) ([]*Task, error) {
	ids, err := s.rdb.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var out []*Task
	var expired []interface{}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	if len(expired) > 0 {
		s.rdb.SRem(ctx, redisIndexKey, expired...)
	}
	sortByCreated(out)
	return out, nil
}
