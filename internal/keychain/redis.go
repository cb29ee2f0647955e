package keychain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel carrying credential changes.
const DefaultRedisChannel = "plansync:credentials"

const redisOpTimeout = 5 * time.Second

// RedisConfig holds Redis connection settings for the credential store.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Namespace string
	Channel   string
}

// RedisKeychain stores credentials in Redis so that several processes on
// different hosts share one session. Every write is followed by a PUBLISH on
// the change channel. Propagation is best effort with no latency bound:
// pub/sub messages published while a watcher is reconnecting are lost, and
// watchers re-read the store on the next change they do receive.
type RedisKeychain struct {
	client    redis.UniversalClient
	namespace string
	channel   string
}

// NewRedisClient creates a new Redis client and verifies the connection.
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	return client, nil
}

// NewRedisKeychain wraps an existing client.
func NewRedisKeychain(client redis.UniversalClient, namespace, channel string) *RedisKeychain {
	if namespace == "" {
		namespace = ServiceName
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisKeychain{client: client, namespace: namespace, channel: channel}
}

func (r *RedisKeychain) key(key string) string {
	return r.namespace + ":" + key
}

// Set stores a value and publishes the change.
func (r *RedisKeychain) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to store in redis: %w", err)
	}
	r.publish(ctx, Change{Key: key, Value: value})
	return nil
}

// Get retrieves a value.
func (r *RedisKeychain) Get(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	value, err := r.client.Get(ctx, r.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to retrieve from redis: %w", err)
	}
	return value, nil
}

// Delete removes a value and publishes the change.
func (r *RedisKeychain) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	if n > 0 {
		r.publish(ctx, Change{Key: key, Deleted: true})
	}
	return nil
}

type redisChange struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted,omitempty"`
}

// publish sends the key only; watchers read the value back so the token is
// never broadcast in clear on the channel.
func (r *RedisKeychain) publish(ctx context.Context, c Change) {
	payload, err := json.Marshal(redisChange{Key: c.Key, Deleted: c.Deleted})
	if err != nil {
		return
	}
	// The value is already durable; a failed publish only delays other
	// holders until their next read.
	_ = r.client.Publish(ctx, r.channel, payload).Err()
}

// Watch subscribes to the change channel.
func (r *RedisKeychain) Watch(ctx context.Context) (<-chan Change, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	out := make(chan Change, watchBuffer)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var rc redisChange
				if err := json.Unmarshal([]byte(msg.Payload), &rc); err != nil {
					continue
				}
				change := Change{Key: rc.Key, Deleted: rc.Deleted}
				if !rc.Deleted {
					if v, err := r.Get(rc.Key); err == nil {
						change.Value = v
					}
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
