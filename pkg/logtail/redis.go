// Package logtail caches the most recent build log tail per job in redis and
// fans it out to live watchers over pub/sub. The dispatch core publishes on
// every poll; the admin API and external viewers read.
package logtail

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const tailTTL = 24 * time.Hour

type Cache struct {
	redis *redis.Client
}

func New(redisURL string) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Cache{redis: client}, nil
}

func tailKey(jobID string) string {
	return fmt.Sprintf("logtail:%s", jobID)
}

// PublishTail stores the latest tail for a job and notifies subscribers.
func (c *Cache) PublishTail(ctx context.Context, jobID, tail string) error {
	key := tailKey(jobID)
	if err := c.redis.Set(ctx, key, tail, tailTTL).Err(); err != nil {
		return err
	}
	return c.redis.Publish(ctx, key, tail).Err()
}

// Tail returns the latest cached tail for a job, or "" when none is stored.
func (c *Cache) Tail(ctx context.Context, jobID string) (string, error) {
	tail, err := c.redis.Get(ctx, tailKey(jobID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return tail, nil
}

// Watch subscribes to tail updates for a job. The returned stop function
// must be called to release the subscription.
func (c *Cache) Watch(ctx context.Context, jobID string) (<-chan string, func(), error) {
	sub := c.redis.Subscribe(ctx, tailKey(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan string, 32)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			default:
			}
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}

func (c *Cache) Close() error {
	return c.redis.Close()
}
