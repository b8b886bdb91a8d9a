package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterSweepEvery = 5 * time.Minute
	limiterIdleAfter  = 10 * time.Minute
)

// clientBuckets holds one token bucket per client address.
type clientBuckets struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	*rate.Limiter
	touched time.Time
}

func (b *clientBuckets) allow(client string, now time.Time) bool {
	b.mu.Lock()
	bk, ok := b.buckets[client]
	if !ok {
		bk = &bucket{Limiter: rate.NewLimiter(b.rps, b.burst)}
		b.buckets[client] = bk
	}
	bk.touched = now
	b.mu.Unlock()
	return bk.AllowN(now, 1)
}

// forget drops buckets not used since cutoff. A forgotten client starts
// again with a full bucket.
func (b *clientBuckets) forget(cutoff time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for client, bk := range b.buckets {
		if bk.touched.Before(cutoff) {
			delete(b.buckets, client)
		}
	}
}

// RateLimiter throttles each client IP to rps requests per second, with
// bursts up to burst. Throttled requests get 429 and Retry-After. The
// idle-bucket sweeper stops with ctx.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	b := &clientBuckets{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}

	go func() {
		t := time.NewTicker(limiterSweepEvery)
		defer t.Stop()
		for {
			select {
			case now := <-t.C:
				b.forget(now.Add(-limiterIdleAfter))
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(c *gin.Context) {
		if b.allow(c.ClientIP(), time.Now()) {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
	}
}
