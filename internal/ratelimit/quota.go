package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/cardescrow/internal/apperr"
	"github.com/mbd888/cardescrow/internal/auth"
	"github.com/mbd888/cardescrow/internal/metrics"
)

// Operation classes with their own hourly quota.
const (
	ClassCreate     = "create"
	ClassVerify     = "verify"
	ClassCheckIn    = "check_in"
	ClassSettlement = "settlement"
)

// Counter counts hits in fixed windows. Incr adds one hit to key and
// returns the new count with the time left until the window resets.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// Quota limits each user to Limit requests per Window for one class.
type Quota struct {
	Class  string
	Limit  int64
	Window time.Duration

	counter Counter
	logger  *slog.Logger
}

// NewQuota creates a quota backed by counter.
func NewQuota(class string, limit int, window time.Duration, counter Counter, logger *slog.Logger) *Quota {
	return &Quota{Class: class, Limit: int64(limit), Window: window, counter: counter, logger: logger}
}

// Check counts one request by userID and returns a RateLimited error once
// the window's quota is spent. Counter failures let the request through.
func (q *Quota) Check(ctx context.Context, userID string) error {
	n, ttl, err := q.counter.Incr(ctx, "ratelimit:"+q.Class+":"+userID, q.Window)
	if err != nil {
		q.logger.Warn("rate limit counter unavailable", "class", q.Class, "error", err)
		return nil
	}
	if n > q.Limit {
		metrics.RateLimitedTotal.WithLabelValues(q.Class).Inc()
		return apperr.Limited(ttl)
	}
	return nil
}

// Middleware enforces the quota for the authenticated user. Requests
// without an actor are left to the auth middleware.
func (q *Quota) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.GetActor(c)
		if !ok {
			c.Next()
			return
		}
		if err := q.Check(c.Request.Context(), actor.ID); err != nil {
			apperr.Abort(c, err)
			return
		}
		c.Next()
	}
}

// MemoryCounter is a single-process Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count   int64
	resetAt time.Time
}

// NewMemoryCounter creates an in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]*window), now: time.Now}
}

func (m *MemoryCounter) Incr(_ context.Context, key string, d time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(d)}
		m.windows[key] = w
		m.sweep(now)
	}
	w.count++
	return w.count, w.resetAt.Sub(now), nil
}

// sweep drops expired windows. Called only when a window is opened, so
// the map stays bounded by the number of active users.
func (m *MemoryCounter) sweep(now time.Time) {
	for k, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, k)
		}
	}
}

// RedisCounter shares windows between server instances.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter creates a Counter on an existing client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// NewRedisClient connects to the server at url (redis://...).
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Incr increments the key and sets its expiry on first use in one round
// trip.
func (r *RedisCounter) Incr(ctx context.Context, key string, d time.Duration) (int64, time.Duration, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, d)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("rate limit incr: %w", err)
	}
	left := ttl.Val()
	if left < 0 {
		left = d
	}
	return incr.Val(), left, nil
}

var (
	_ Counter = (*MemoryCounter)(nil)
	_ Counter = (*RedisCounter)(nil)
)
