package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"task-lifecycle/internal/config"
	"task-lifecycle/internal/models"
)

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Feed keeps the most recent transition events in a capped Redis list, newest first.
type Feed struct {
	client *redis.Client
	key    string
	maxLen int64
}

func NewFeed(client *redis.Client, key string, maxLen int64) *Feed {
	if key == "" {
		key = "tasks:events"
	}
	return &Feed{client: client, key: key, maxLen: maxLen}
}

// Publish pushes ev and trims the list to maxLen in one transaction.
func (f *Feed) Publish(ctx context.Context, ev models.TransitionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := f.client.TxPipeline()
	pipe.LPush(ctx, f.key, data)
	if f.maxLen > 0 {
		pipe.LTrim(ctx, f.key, 0, f.maxLen-1)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Recent reads up to count of the latest events.
func (f *Feed) Recent(ctx context.Context, count int64) ([]models.TransitionEvent, error) {
	if count <= 0 {
		count = 100
	}
	raw, err := f.client.LRange(ctx, f.key, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.TransitionEvent, 0, len(raw))
	for _, r := range raw {
		var ev models.TransitionEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Locker hands out expiring leases keyed in Redis. A lease can only be
// released by the holder that acquired it.
type Locker struct {
	client *redis.Client
	prefix string
}

func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client, prefix: "tasks:"}
}

// Acquire takes key for at most ttl. ok is false if the key is already held.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	fullKey := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err()
	}
	return release, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
