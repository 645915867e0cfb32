package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anjiri1684/amora_chat/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisLimiter is a fixed-window counter shared by every instance of the
// service.
type RedisLimiter struct {
	Redis  *redis.Client
	Prefix string
	Limit  int
	Window time.Duration
}

func NewRedisLimiter(r *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{Redis: r, Prefix: prefix, Limit: limit, Window: window}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", r.Prefix, key)
	count, err := r.Redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := r.Redis.Expire(ctx, redisKey, r.Window).Err(); err != nil {
			// A counter without a TTL would throttle the key forever.
			r.Redis.Del(ctx, redisKey)
			return false, err
		}
	}
	return count <= int64(r.Limit), nil
}

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter keeps one token bucket per key in process memory. Buckets idle
// for longer than limiterIdleTTL are dropped on a later call.
type LocalLimiter struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	rps       float64
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &LocalLimiter{m: make(map[string]*limiterEntry), rps: rps, burst: burst, lastSweep: time.Now(), now: time.Now}
}

func (p *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	now := p.now()
	if now.Sub(p.lastSweep) >= limiterIdleTTL {
		p.sweep(now.Add(-limiterIdleTTL))
		p.lastSweep = now
	}
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = e
	}
	e.lastSeen = now
	p.mu.Unlock()
	return e.l.AllowN(now, 1), nil
}

// sweep drops buckets not used since cutoff. Callers hold p.mu.
func (p *LocalLimiter) sweep(cutoff time.Time) {
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

// RateLimit throttles per authenticated user, falling back to the client IP.
// Limiter errors are logged and the request is let through.
func RateLimit(l Limiter, log *zap.SugaredLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, err := CurrentUserID(c)
		if err != nil {
			key = c.IP()
		}
		ok, err := l.Allow(c.UserContext(), key)
		if err != nil {
			log.Warnw("rate limiter unavailable", "key", key, "error", err)
			return c.Next()
		}
		if !ok {
			return utils.Fail(c, utils.ErrRateLimited)
		}
		return c.Next()
	}
}
