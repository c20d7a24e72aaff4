package runlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/deskbridge/deskbridge/internal/errors"
	"github.com/deskbridge/deskbridge/internal/logger"
)

// KeyPrefix namespaces lock keys in Redis.
const KeyPrefix = "deskbridge:runlock:"

// DefaultTTL is used when RedisConfig.TTL is zero.
const DefaultTTL = 30 * time.Minute

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extendScript refreshes the TTL only if the key still carries our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisConfig configures a Redis locker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Logger   logger.Logger
}

// Redis is a store-level Locker using SET NX PX with a per-holder token.
// Held keys are refreshed every TTL/3 until released, so long runs keep the
// lock while a crashed holder loses it after one TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger

	mu   sync.Mutex
	held map[string]*redisHold
}

type redisHold struct {
	token string
	stop  chan struct{}
	done  chan struct{}
}

var _ Locker = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.New(fmt.Errorf("failed to connect to Redis: %w", err)).
			Component("runlock").
			Category(errors.CategoryNetwork).
			Context("addr", cfg.Addr).
			Build()
	}

	return NewRedisWithClient(client, cfg.TTL, cfg.Logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, ttl time.Duration, log logger.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logger.Global().Module("runlock")
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		logger: log,
		held:   make(map[string]*redisHold),
	}
}

// TryLock sets the key if absent and starts refreshing it.
func (r *Redis) TryLock(ctx context.Context, key string) (bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, KeyPrefix+key, token, r.ttl).Result()
	if err != nil {
		return false, lockError(err, "acquire", key)
	}
	if !ok {
		return false, nil
	}

	hold := &redisHold{token: token, stop: make(chan struct{}), done: make(chan struct{})}
	r.mu.Lock()
	r.held[key] = hold
	r.mu.Unlock()

	go r.keepAlive(key, hold)
	return true, nil
}

func (r *Redis) keepAlive(key string, hold *redisHold) {
	defer close(hold.done)

	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-hold.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := extendScript.Run(ctx, r.client, []string{KeyPrefix + key}, hold.token, r.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				r.logger.Warn("failed to refresh run lock", logger.String("key", key), logger.Error(err))
			case n == 0:
				r.logger.Error("run lock lost before release", logger.String("key", key))
				return
			}
		}
	}
}

// Unlock stops refreshing and deletes the key if it still carries our token.
func (r *Redis) Unlock(ctx context.Context, key string) error {
	r.mu.Lock()
	hold, ok := r.held[key]
	delete(r.held, key)
	r.mu.Unlock()
	if !ok {
		return ErrNotHeld
	}

	close(hold.stop)
	<-hold.done

	if err := releaseScript.Run(ctx, r.client, []string{KeyPrefix + key}, hold.token).Err(); err != nil {
		return lockError(err, "release", key)
	}
	return nil
}

// IsLocked reports whether any process holds key.
func (r *Redis) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, KeyPrefix+key).Result()
	if err != nil {
		return false, lockError(err, "exists", key)
	}
	return n > 0, nil
}

// Close releases every held key and closes the client.
func (r *Redis) Close(ctx context.Context) error {
	r.mu.Lock()
	keys := make([]string, 0, len(r.held))
	for k := range r.held {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	var errs []error
	for _, k := range keys {
		if err := r.Unlock(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func lockError(err error, op, key string) error {
	return errors.New(err).
		Component("runlock").
		Category(errors.CategoryLock).
		Context("operation", op).
		Context("key", key).
		Build()
}
