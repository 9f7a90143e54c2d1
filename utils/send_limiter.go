package utils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited is returned when a sender has used up its send budget for the current window.
	ErrRateLimited = errors.New("sender rate limit reached")
	// ErrLimiterUnavailable is returned when the shared limiter cannot be reached. Nothing was sent.
	ErrLimiterUnavailable = errors.New("rate limiter unavailable")
)

// SendLimiter throttles sends per sender.
type SendLimiter interface {
	Allow(ctx context.Context, senderID uint) error
}

// RedisSendLimiter is a fixed-window counter shared by every scheduler instance.
type RedisSendLimiter struct {
	client    redis.Cmdable
	perMinute int
	now       func() time.Time
}

func NewRedisSendLimiter(client redis.Cmdable, perMinute int) *RedisSendLimiter {
	return &RedisSendLimiter{client: client, perMinute: perMinute, now: time.Now}
}

func (r *RedisSendLimiter) key(senderID uint) string {
	return fmt.Sprintf("rl:send:%d:%d", senderID, r.now().Unix()/60)
}

func (r *RedisSendLimiter) Allow(ctx context.Context, senderID uint) error {
	key := r.key(senderID)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	if incr.Val() > int64(r.perMinute) {
		return ErrRateLimited
	}
	return nil
}

// LocalSendLimiter is a per-process token bucket per sender.
type LocalSendLimiter struct {
	mu       sync.Mutex
	limiters map[uint]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewLocalSendLimiter(perMinute int) *LocalSendLimiter {
	burst := perMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &LocalSendLimiter{
		limiters: make(map[uint]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
	}
}

func (l *LocalSendLimiter) Allow(_ context.Context, senderID uint) error {
	l.mu.Lock()
	lim, ok := l.limiters[senderID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[senderID] = lim
	}
	l.mu.Unlock()

	if !lim.Allow() {
		return ErrRateLimited
	}
	return nil
}
