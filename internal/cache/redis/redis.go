package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/webitel/data-exporter/internal/model"
)

const statusTTL = 30 * 24 * time.Hour

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Ping Redis to check the connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cannot connect to Redis at %s: %w", addr, err)
	}

	return &RedisCache{client: rdb}, nil
}

func (r *RedisCache) SetTaskStatus(taskID string, status model.TaskStatus) error {
	return r.client.Set(context.Background(), statusKey(taskID), string(status), statusTTL).Err()
}

func (r *RedisCache) GetTaskStatus(taskID string) (model.TaskStatus, error) {
	v, err := r.client.Get(context.Background(), statusKey(taskID)).Result()
	if err != nil {
		return "", err
	}
	return model.TaskStatus(v), nil
}

func (r *RedisCache) SetOwnerTask(owner model.Owner, taskID string) error {
	return r.client.Set(context.Background(), ownerKey(owner), taskID, statusTTL).Err()
}

func (r *RedisCache) GetOwnerTask(owner model.Owner) (string, error) {
	return r.client.Get(context.Background(), ownerKey(owner)).Result()
}

func (r *RedisCache) ClearTask(owner model.Owner, taskID string) error {
	return r.client.Del(context.Background(), statusKey(taskID), ownerKey(owner)).Err()
}

func (r *RedisCache) Clear() error {
	return r.client.FlushDB(context.Background()).Err()
}

// helpers to standardize keys
func statusKey(taskID string) string {
	return fmt.Sprintf("export:status:%s", taskID)
}

func ownerKey(owner model.Owner) string {
	return fmt.Sprintf("export:owner:%d:%d", owner.DomainID, owner.UserID)
}
