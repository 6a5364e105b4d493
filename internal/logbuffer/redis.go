package logbuffer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores each stream as a list (RPUSH/LRANGE). Keys expire after ttl
// of inactivity so finished jobs do not accumulate forever.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to the Redis server at redisURL.
func NewRedis(redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Redis{client: redis.NewClient(opts), prefix: "compute:logs:", ttl: ttl}, nil
}

func (r *Redis) key(jobID string, stream Stream) string {
	return r.prefix + jobID + ":" + string(stream)
}

func (r *Redis) Append(ctx context.Context, jobID string, stream Stream, lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	values := make([]any, len(lines))
	for i, l := range lines {
		values[i] = l
	}
	key := r.key(jobID, stream)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append logs: %w", err)
	}
	return nil
}

func (r *Redis) Read(ctx context.Context, jobID string, stream Stream, start, max int) ([]string, int, error) {
	start, max = clampRead(start, max)
	if max == 0 {
		// LRANGE start start-1 would read the whole list from 0.
		return nil, start, nil
	}
	lines, err := r.client.LRange(ctx, r.key(jobID, stream), int64(start), int64(start+max-1)).Result()
	if err == redis.Nil {
		return nil, start, nil
	}
	if err != nil {
		return nil, start, fmt.Errorf("read logs: %w", err)
	}
	return lines, start + len(lines), nil
}

func (r *Redis) Delete(ctx context.Context, jobID string) error {
	return r.client.Del(ctx, r.key(jobID, Stdout), r.key(jobID, Stderr)).Err()
}

func (r *Redis) Ready(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Buffer = (*Redis)(nil)
