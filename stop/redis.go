package stop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKey = "langtars:stop"
	defaultRedisTTL = time.Hour
)

// RedisSignal stores the stop marker under a Redis key so stop requests
// can cross hosts.
type RedisSignal struct {
	Client     *redis.Client
	Key        string
	TTL        time.Duration
	FailClosed bool
	Logger     *slog.Logger
}

// NewRedisSignal connects to the Redis server at url.
func NewRedisSignal(url, key string, logger *slog.Logger) (*RedisSignal, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	if key == "" {
		key = defaultRedisKey
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisSignal{
		Client: redis.NewClient(opt),
		Key:    key,
		TTL:    defaultRedisTTL,
		Logger: logger,
	}, nil
}

func (s *RedisSignal) Raise(ctx context.Context, taskID string) error {
	if err := s.Client.Set(ctx, s.Key, Marker(taskID), s.TTL).Err(); err != nil {
		return fmt.Errorf("redis set stop marker: %w", err)
	}
	return nil
}

func (s *RedisSignal) Raised(ctx context.Context) bool {
	n, err := s.Client.Exists(ctx, s.Key).Result()
	if err != nil {
		s.Logger.Warn("redis stop check failed", "key", s.Key, "error", err, "fail_closed", s.FailClosed)
		return s.FailClosed
	}
	return n > 0
}

func (s *RedisSignal) Clear(ctx context.Context) error {
	if err := s.Client.Del(ctx, s.Key).Err(); err != nil {
		return fmt.Errorf("redis clear stop marker: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RedisSignal) Close() error {
	return s.Client.Close()
}
