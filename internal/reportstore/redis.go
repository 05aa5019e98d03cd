package reportstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharestack/share-analyzer/internal/models"
)

// ErrNotFound is returned when no report exists for the requested session.
var ErrNotFound = errors.New("report not found")

const keyPrefix = "share_analyzer:report:"

// Store persists finalized session reports. Persistence is best-effort: a
// failed Save degrades the session, it never fails it.
type Store interface {
	Save(ctx context.Context, report models.SessionReport) error
	Load(ctx context.Context, sessionID string) (models.SessionReport, error)
	Close() error
}

// NoopStore discards reports; used when persistence is disabled.
type NoopStore struct{}

func (NoopStore) Save(context.Context, models.SessionReport) error { return nil }

func (NoopStore) Load(context.Context, string) (models.SessionReport, error) {
	return models.SessionReport{}, ErrNotFound
}

func (NoopStore) Close() error { return nil }

// RedisStore keeps reports in Redis with a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	TTL      time.Duration
	Timeout  time.Duration
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(opts Options) (*RedisStore, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{client: client, ttl: opts.TTL}, nil
}

// Save writes the report under its session ID.
func (s *RedisStore) Save(ctx context.Context, report models.SessionReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+report.SessionID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store report: %w", err)
	}
	return nil
}

// Load fetches a previously saved report.
func (s *RedisStore) Load(ctx context.Context, sessionID string) (models.SessionReport, error) {
	data, err := s.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.SessionReport{}, ErrNotFound
		}
		return models.SessionReport{}, fmt.Errorf("fetch report: %w", err)
	}
	var report models.SessionReport
	if err := json.Unmarshal(data, &report); err != nil {
		return models.SessionReport{}, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
