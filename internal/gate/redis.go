package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/showroom/internal/domain"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the key TTL only if it still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisOptions configures a Redis-backed gate.
type RedisOptions struct {
	// Prefix namespaces lease keys. Defaults to "showroom:gate:".
	Prefix string
	// TTL bounds how long a lease survives a crashed holder. Defaults to 2m.
	TTL time.Duration
	Logger *slog.Logger
}

// Redis is a gate shared by every server instance pointing at the same Redis.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis creates a Redis-backed gate.
func NewRedis(rdb redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "showroom:gate:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Redis{rdb: rdb, prefix: opts.Prefix, ttl: opts.TTL, logger: opts.Logger}
}

// Acquire implements Gate using SET NX PX. While held, the lease TTL is
// refreshed every TTL/3 until Release.
func (g *Redis) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	key := g.prefix + sessionID
	token := newToken()

	ok, err := g.rdb.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", sessionID, err)
	}
	if !ok {
		return nil, domain.ErrBusy
	}

	stop := make(chan struct{})
	go g.keepalive(key, token, stop)

	lease := &Lease{SessionID: sessionID, token: token}
	lease.release = func() {
		close(stop)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, g.rdb, []string{key}, token).Err(); err != nil {
			g.logger.Warn("failed to release session lease", "session_id", sessionID, "error", err)
		}
	}
	return lease, nil
}

func (g *Redis) keepalive(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(g.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), g.ttl/3)
			n, err := refreshScript.Run(ctx, g.rdb, []string{key}, token, g.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				g.logger.Warn("failed to refresh session lease", "key", key, "error", err)
				continue
			}
			if n == 0 {
				g.logger.Warn("session lease lost before release", "key", key)
				return
			}
		}
	}
}

var _ Gate = (*Redis)(nil)
