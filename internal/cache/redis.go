package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"iiot-gateway/internal/data"
)

const machineKeyPrefix = "machine:"

// RedisCache holds the latest known state of each machine.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

// GetMachine reports ok=false on a cache miss.
func (r *RedisCache) GetMachine(ctx context.Context, id string) (data.Machine, bool, error) {
	raw, err := r.client.Get(ctx, machineKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return data.Machine{}, false, nil
	}
	if err != nil {
		return data.Machine{}, false, fmt.Errorf("get machine %s: %w", id, err)
	}

	var m data.Machine
	if err := json.Unmarshal(raw, &m); err != nil {
		return data.Machine{}, false, fmt.Errorf("decode machine %s: %w", id, err)
	}
	return m, true, nil
}

func (r *RedisCache) SetMachine(ctx context.Context, m data.Machine) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal machine: %w", err)
	}
	return r.client.Set(ctx, machineKeyPrefix+m.ID, payload, r.ttl).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
