package fetcher

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited means a fetch would have waited longer than the pacing
// budget. Callers treat it like any other unavailable signal.
var ErrRateLimited = errors.New("outbound rate limit exceeded")

const (
	// maxPacingDelay is the longest a fetch is held back to smooth traffic
	maxPacingDelay = 2 * time.Second

	// DefaultMaxBuckets bounds the per-upstream buckets kept in memory
	DefaultMaxBuckets = 4096
)

// Limiter paces outbound requests with one token bucket per upstream
// (crt.sh, a WHOIS server, a page host). The least recently used bucket is
// dropped once maxBuckets upstreams are tracked.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*list.Element
	lru        *list.List
	maxBuckets int
	limit      rate.Limit
	burst      int
}

type bucketEntry struct {
	key     string
	limiter *rate.Limiter
}

// NewLimiter creates a Limiter allowing rps requests per second per
// upstream. A non-positive rps returns nil, which never limits.
func NewLimiter(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		buckets:    make(map[string]*list.Element),
		lru:        list.New(),
		maxBuckets: DefaultMaxBuckets,
		limit:      rate.Limit(rps),
		burst:      burst,
	}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(el)
		return el.Value.(*bucketEntry).limiter
	}

	b := rate.NewLimiter(l.limit, l.burst)
	l.buckets[key] = l.lru.PushFront(&bucketEntry{key: key, limiter: b})
	for l.lru.Len() > l.maxBuckets {
		oldest := l.lru.Back()
		l.lru.Remove(oldest)
		delete(l.buckets, oldest.Value.(*bucketEntry).key)
	}
	return b
}

// Len returns the number of tracked upstreams
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lru.Len()
}

// Wait blocks until a request to key may proceed. It fails fast with
// ErrRateLimited instead of waiting past maxPacingDelay or the ctx deadline.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l == nil {
		return nil
	}
	r := l.bucket(key).Reserve()
	if !r.OK() {
		return ErrRateLimited
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if delay > maxPacingDelay {
		r.Cancel()
		return ErrRateLimited
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
		r.Cancel()
		return ErrRateLimited
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}
