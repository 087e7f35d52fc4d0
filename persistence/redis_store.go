package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig configures the Redis backend.
type RedisStoreConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// RedisStore is a Redis-backed OutcomeStore for distributed deployments.
// Records are stored as JSON strings with sorted-set indexes by kind and
// subject, scored by record time for newest-first listing.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "agentcoord:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "outcome:",
	}, nil
}

func (s *RedisStore) recordKey(id string) string {
	return s.keyPrefix + "data:" + id
}

func (s *RedisStore) kindKey(kind OutcomeKind) string {
	return s.keyPrefix + "kind:" + string(kind)
}

func (s *RedisStore) subjectKey(subject string) string {
	return s.keyPrefix + "subject:" + subject
}

func (s *RedisStore) Save(ctx context.Context, record *Record) error {
	if err := normalize(record); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	score := float64(record.RecordedAt.UnixNano())
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.recordKey(record.ID), data, 0)
	pipe.ZAdd(ctx, s.kindKey(record.Kind), redis.Z{Score: score, Member: record.ID})
	if record.Subject != "" {
		pipe.ZAdd(ctx, s.subjectKey(record.Subject), redis.Z{Score: score, Member: record.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &record, nil
}

func (s *RedisStore) ListByKind(ctx context.Context, kind OutcomeKind, limit int) ([]*Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.kindKey(kind), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	return s.fetch(ctx, ids)
}

func (s *RedisStore) ListBySubject(ctx context.Context, subject string) ([]*Record, error) {
	ids, err := s.client.ZRevRange(ctx, s.subjectKey(subject), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.fetch(ctx, ids)
}

func (s *RedisStore) fetch(ctx context.Context, ids []string) ([]*Record, error) {
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Index entry outlived the record, skip it.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
