package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tendant/keyclaim/pkg/domain"
)

// DefaultRedisPrefix namespaces state keys.
const DefaultRedisPrefix = "keyclaim"

// RedisStore keeps account documents under <prefix>:state:<account>.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisStore creates a store over an existing client.
func NewRedisStore(rdb redis.UniversalClient, prefix string, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{rdb: rdb, prefix: prefix, logger: logger}
}

func (s *RedisStore) key(account string) string {
	return s.prefix + ":state:" + account
}

// Load reads the account document. A missing key is an empty state.
func (s *RedisStore) Load(ctx context.Context, account string) (*domain.State, error) {
	data, err := s.rdb.Get(ctx, s.key(account)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &domain.State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return decodeState(s.logger, account, data), nil
}

// Save replaces the account document without expiry.
func (s *RedisStore) Save(ctx context.Context, account string, st *domain.State) error {
	data, err := encodeState(st)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(account), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}
