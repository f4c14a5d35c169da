package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const catalogRefreshChannel = "catalog:refresh"

// RedisLock implements contracts.Lock: a SETNX-based start lock plus a
// pub/sub channel replicas use to learn the action catalog changed
// somewhere else. The database's unique constraint on
// (workflowId, workflowRequestId) remains the actual correctness guarantee;
// this only avoids wasted concurrent render+dispatch work across replicas.
type RedisLock struct {
	client *redis.Client
}

// NewRedisLock connects to Redis/Valkey and verifies reachability.
func NewRedisLock(url string) (*RedisLock, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisLock{client: client}, nil
}

func startLockKey(workflowID, requestID string) string {
	return "startlock:" + workflowID + ":" + requestID
}

func (r *RedisLock) AcquireStartLock(ctx context.Context, workflowID, requestID string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, startLockKey(workflowID, requestID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring start lock: %w", err)
	}
	return ok, nil
}

func (r *RedisLock) ReleaseStartLock(ctx context.Context, workflowID, requestID string) error {
	return r.client.Del(ctx, startLockKey(workflowID, requestID)).Err()
}

func (r *RedisLock) PublishCatalogRefresh(ctx context.Context) error {
	return r.client.Publish(ctx, catalogRefreshChannel, "refresh").Err()
}

func (r *RedisLock) SubscribeCatalogRefresh(ctx context.Context) (<-chan struct{}, error) {
	pubsub := r.client.Subscribe(ctx, catalogRefreshChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribing to catalog refresh: %w", err)
	}

	out := make(chan struct{})
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case msg := <-ch:
				if msg == nil {
					return
				}
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close releases the underlying Redis client.
func (r *RedisLock) Close() error {
	return r.client.Close()
}
