package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Client wraps the Redis connection.
type Client struct {
	rdb *goredis.Client
}

// NewClient connects to Redis with retry.
func NewClient(addr string) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(ctx).Err(); err == nil {
			cancel()
			log.Println("Connected to Redis")
			return &Client{rdb: rdb}, nil
		}
		cancel()
		log.Printf("Waiting for Redis... (%d/20)", i+1)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("redis: failed to connect after 20 attempts")
}

// Publish sends a raw payload to a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// PSubscribe starts a background goroutine delivering every message matching
// pattern to handler. Stops when ctx is cancelled.
func (c *Client) PSubscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) {
	sub := c.rdb.PSubscribe(ctx, pattern)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}()
}

// TouchOnline refreshes a captain's liveness key with a TTL. The key expiring
// means the captain went silent; the durable presence row is the source of
// truth for coordinates.
func (c *Client) TouchOnline(ctx context.Context, captainID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, "captain:online:"+captainID, "1", ttl).Err()
}

// IsOnline reports whether the captain's liveness key is still present.
func (c *Client) IsOnline(ctx context.Context, captainID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, "captain:online:"+captainID).Result()
	return n > 0, err
}

// Close tears down the Redis connection.
func (c *Client) Close() error { return c.rdb.Close() }
