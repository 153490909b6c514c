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

// RedisStore implements the Store interface using Redis as a backend. It
// lets the monitoring and inference systems consume feature vectors from a
// shared store with TTL-based expiration: the latest record lives under a
// plain key and the per-vessel history in a trimmed list.
type RedisStore struct {
	client     *redis.Client
	ttl        time.Duration
	maxHistory int64
	mu         sync.Mutex
}

// NewRedisStore creates a Redis-backed feature store.
//
// Parameters:
//   - addr: Redis server address (e.g., "localhost:6379")
//   - password: Redis password (empty string for no auth)
//   - db: Redis database number (typically 0)
//   - ttl: record expiration (0 uses a default of 24 hours)
//   - maxHistory: history list length per vessel (0 uses 512)
//
// Returns an error if the connection to Redis fails or parameters are
// invalid.
func NewRedisStore(addr, password string, db int, ttl time.Duration, maxHistory int) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}

	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	if maxHistory <= 0 {
		maxHistory = 512
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
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{
		client:     client,
		ttl:        ttl,
		maxHistory: int64(maxHistory),
	}, nil
}

func latestKey(vessel string) string {
	return fmt.Sprintf("biopipe:features:%s:latest", vessel)
}

func historyKey(vessel string) string {
	return fmt.Sprintf("biopipe:features:%s:history", vessel)
}

func validVessel(vessel string) error {
	if vessel == "" {
		return errors.New("vessel name required")
	}
	for _, c := range vessel {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_') {
			return fmt.Errorf("invalid vessel name %q: only alphanumeric, hyphens, and underscores allowed", vessel)
		}
	}
	return nil
}

// Put stores a record: the latest key is replaced and the record is pushed
// onto the trimmed history list, both with TTL-based expiration.
func (r *RedisStore) Put(ctx context.Context, record Record) error {
	if err := validVessel(record.VesselID); err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, latestKey(record.VesselID), data, r.ttl)
	pipe.LPush(ctx, historyKey(record.VesselID), data)
	pipe.LTrim(ctx, historyKey(record.VesselID), 0, r.maxHistory-1)
	pipe.Expire(ctx, historyKey(record.VesselID), r.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store record in redis: %w", err)
	}

	return nil
}

// GetLatest retrieves the latest record for a vessel.
//
// Returns:
//   - record: the feature record (zero value if not found)
//   - found: true if a record exists, false if not found
//   - error: non-nil if an error occurred (excluding "not found")
func (r *RedisStore) GetLatest(ctx context.Context, vessel string) (Record, bool, error) {
	if err := validVessel(vessel); err != nil {
		return Record{}, false, err
	}

	data, err := r.client.Get(ctx, latestKey(vessel)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("failed to get record from redis: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, false, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return record, true, nil
}

// History returns up to limit records, newest first.
func (r *RedisStore) History(ctx context.Context, vessel string, limit int) ([]Record, error) {
	if err := validVessel(vessel); err != nil {
		return nil, err
	}
	if limit <= 0 || int64(limit) > r.maxHistory {
		limit = int(r.maxHistory)
	}

	items, err := r.client.LRange(ctx, historyKey(vessel), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history from redis: %w", err)
	}

	records := make([]Record, 0, len(items))
	for i, item := range items {
		var record Record
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history[%d]: %w", i, err)
		}
		records = append(records, record)
	}

	return records, nil
}

// Close closes the Redis client connection. Safe to call multiple times.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	if err != nil && err.Error() == "redis: client is closed" {
		return nil
	}

	return err
}

// Ping checks the Redis connection health.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
