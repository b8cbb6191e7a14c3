package keylock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig holds distributed lock settings.
type RedisConfig struct {
	Prefix string
	// TTL bounds how long a crashed holder can keep a key.
	TTL time.Duration
	// RetryInterval is the polling interval while a key is held elsewhere.
	RetryInterval time.Duration
}

// DefaultRedisConfig returns defaults suitable for item transitions.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix:        "lis:lock:",
		TTL:           30 * time.Second,
		RetryInterval: 25 * time.Millisecond,
	}
}

// Redis is a Locker shared by every process of a deployment. Each key is a
// SET NX PX entry holding a random token; release deletes only its own token.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
	logger *zap.Logger
}

// NewRedis creates a distributed locker.
func NewRedis(client redis.UniversalClient, cfg RedisConfig, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultRedisConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	return &Redis{client: client, cfg: cfg, logger: logger}
}

// Lock acquires keys in sorted order.
func (r *Redis) Lock(ctx context.Context, keys ...string) (Unlock, error) {
	keys = normalize(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	for _, k := range keys {
		if err := r.lockOne(ctx, r.cfg.Prefix+k, token); err != nil {
			r.unlockAll(held, token)
			return nil, err
		}
		held = append(held, r.cfg.Prefix+k)
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.unlockAll(held, token) })
	}, nil
}

func (r *Redis) lockOne(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.cfg.TTL).Result()
		if err != nil {
			return fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Redis) unlockAll(keys []string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := len(keys) - 1; i >= 0; i-- {
		if err := unlockScript.Run(ctx, r.client, []string{keys[i]}, token).Err(); err != nil {
			r.logger.Warn("failed to release lock",
				zap.String("key", keys[i]),
				zap.Error(err))
		}
	}
}
