package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a lease lock shared by every process using the same Redis. The lease
// expires after TTL so a crashed holder cannot block a subscription forever.
type Redis struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
	Retry  time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{Client: client, Prefix: "lock:subscription:", TTL: ttl, Retry: 100 * time.Millisecond}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	name := r.Prefix + key

	for {
		ok, err := r.Client.SetNX(ctx, name, token, r.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire %s: %w", name, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(r.Retry):
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.Client, []string{name}, token).Err(); err != nil {
				log.Warn().Err(err).Str("lock", name).Msg("Failed to release lock, waiting for lease expiry")
			}
		})
	}, nil
}
