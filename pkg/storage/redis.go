package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const reportKeyPrefix = "flowwatch:report:"

// RedisStore shares reports between detector replicas. Reports are stored as
// JSON under "flowwatch:report:<meter>" and expire after the configured TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	mu     sync.RWMutex
}

// NewRedisStore connects to addr and verifies the connection with a ping.
// A zero ttl defaults to 24 hours.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

func reportKey(meter string) string { return reportKeyPrefix + meter }

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, report Report) error {
	if report.Meter == "" {
		return errors.New("meter id required")
	}
	if !ValidMeterID(report.Meter) {
		return fmt.Errorf("invalid meter id %q: only alphanumeric, hyphens, and underscores allowed", report.Meter)
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return redis.ErrClosed
	}

	if err := r.client.Set(ctx, reportKey(report.Meter), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store report in redis: %w", err)
	}
	return nil
}

// GetLatest implements Store. A missing or expired key is reported as
// found=false with a nil error.
func (r *RedisStore) GetLatest(ctx context.Context, meter string) (Report, bool, error) {
	if meter == "" {
		return Report{}, false, errors.New("meter id required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return Report{}, false, redis.ErrClosed
	}

	data, err := r.client.Get(ctx, reportKey(meter)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Report{}, false, nil
		}
		return Report{}, false, fmt.Errorf("failed to get report from redis: %w", err)
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return Report{}, false, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return report, true, nil
}

// Close closes the client. Repeated calls return nil.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

// Ping checks the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return redis.ErrClosed
	}
	return r.client.Ping(ctx).Err()
}
