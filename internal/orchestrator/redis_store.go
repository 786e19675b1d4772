package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "livewatch:session:"
	redisIndexKey  = "livewatch:sessions"
	redisOpTimeout = 2 * time.Second
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a record outlives its last update. Zero keeps
	// records until deleted.
	TTL time.Duration
}

// RedisStore is a Redis-backed implementation of Store. Records are JSON
// values under one key per session plus a set indexing the IDs.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, log *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Info("connected to redis status store",
		slog.String("addr", cfg.Addr),
		slog.Int("db", cfg.DB))
	return NewRedisStoreWithClient(client, cfg.TTL, log), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration, log *slog.Logger) *RedisStore {
	if log == nil {
		log = slog.Default()
	}
	return &RedisStore{client: client, ttl: ttl, log: log}
}

func redisKey(id SessionID) string {
	return redisKeyPrefix + string(id)
}

// SaveStatus implements Store.SaveStatus.
func (s *RedisStore) SaveStatus(ctx context.Context, rec StatusRecord) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, redisKey(rec.ID), data, s.ttl)
		p.SAdd(ctx, redisIndexKey, string(rec.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save %s: %w", rec.ID, err)
	}
	return nil
}

// GetStatus implements Store.GetStatus.
func (s *RedisStore) GetStatus(ctx context.Context, id SessionID) (StatusRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return StatusRecord{}, false, nil
	}
	if err != nil {
		return StatusRecord{}, false, fmt.Errorf("redis get %s: %w", id, err)
	}

	var rec StatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return StatusRecord{}, false, fmt.Errorf("unmarshal status %s: %w", id, err)
	}
	return rec, true, nil
}

// DeleteStatus implements Store.DeleteStatus.
func (s *RedisStore) DeleteStatus(ctx context.Context, id SessionID) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, redisKey(id))
		p.SRem(ctx, redisIndexKey, string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}
	return nil
}

// ListStatusIDs implements Store.ListStatusIDs. Index entries whose record
// expired are pruned. IDs are sorted.
func (s *RedisStore) ListStatusIDs(ctx context.Context) ([]SessionID, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	members, err := s.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}

	ids := make([]SessionID, 0, len(members))
	for _, m := range members {
		n, err := s.client.Exists(ctx, redisKey(SessionID(m))).Result()
		if err != nil {
			return nil, fmt.Errorf("redis exists %s: %w", m, err)
		}
		if n == 0 {
			if err := s.client.SRem(ctx, redisIndexKey, m).Err(); err != nil {
				s.log.Warn("redis index prune failed", slog.String("id", m), slog.String("error", err.Error()))
			}
			continue
		}
		ids = append(ids, SessionID(m))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Ping implements Store.Ping.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
