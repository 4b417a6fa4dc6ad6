package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetctl/fleetctl/internal/log"
)

// RedisStore is a Store implementation backed by Redis, matching the
// primitives the system this was distilled from used directly: SET NX
// PX for task locks, RPUSH/BLPOP for the merge queue, and
// PUBLISH/SUBSCRIBE plus a durable list for worker notifications.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to a Redis server at addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	log.Info(log.CatStore, "connecting to redis", "addr", addr, "db", db)
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// AcquireLock uses SET NX PX, the exact primitive main.py's
// /task/claim handler uses for task_lock:<id>.
func (r *RedisStore) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) error {
	ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

func (r *RedisStore) ReleaseLock(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisStore) IncrCounter(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

func (r *RedisStore) Enqueue(ctx context.Context, key string, value []byte) error {
	return r.client.RPush(ctx, key, value).Err()
}

// BlockingDequeue uses BLPOP, the same primitive
// MergeCoordinator._merge_worker's redis.blpop(...) call uses.
func (r *RedisStore) BlockingDequeue(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error) {
	res, err := r.client.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	// BLPOP returns [key, value].
	if len(res) < 2 {
		return nil, false, nil
	}
	return []byte(res[1]), true, nil
}

func (r *RedisStore) pendingKey(channel string) string {
	return channel + ":pending"
}

func (r *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.RPush(ctx, r.pendingKey(channel), payload).Err(); err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	out := make(chan []byte, 64)
	go func() {
		defer pubsub.Close()
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisStore) DrainPending(ctx context.Context, channel string) ([][]byte, error) {
	key := r.pendingKey(channel)
	vals, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *RedisStore) Close() error {
	log.Debug(log.CatStore, "closing redis connection")
	return r.client.Close()
}
