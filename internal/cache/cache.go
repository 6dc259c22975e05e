// Package cache implements the fingerprint-keyed verdict cache with
// per-fingerprint request coalescing.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"phishguard/internal/models"
)

const (
	maxShards = 16

	// Below this capacity a single shard keeps LRU order exact
	shardingThreshold = 256
)

// Status tells the caller how a verdict was obtained
type Status int

const (
	StatusMiss Status = iota
	StatusHit
	StatusShared
)

func (s Status) String() string {
	switch s {
	case StatusHit:
		return "HIT"
	case StatusShared:
		return "SHARED"
	default:
		return "MISS"
	}
}

// ComputeFunc builds a signed verdict on a cache miss
type ComputeFunc func(ctx context.Context) (*models.SignedVerdict, error)

// Options configures a ResultCache
type Options struct {
	Capacity int
	TTL      time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Stats is a point-in-time snapshot of cache counters
type Stats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Coalesced uint64 `json:"coalesced"`
	Evictions uint64 `json:"evictions"`
}

type entry struct {
	key       string
	verdict   *models.SignedVerdict
	createdAt time.Time
	expiresAt time.Time
}

type shard struct {
	sync.Mutex
	items    map[string]*list.Element
	lru      *list.List
	capacity int
}

// ResultCache maps fingerprints to signed verdicts. Entries never outlive
// the payload's own exp, and at most one computation runs per fingerprint.
type ResultCache struct {
	shards []*shard
	seed   maphash.Seed
	flight *ShardedGroup
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	coalesced atomic.Uint64
	evictions atomic.Uint64
}

// New creates a ResultCache
func New(opts Options) *ResultCache {
	if opts.Capacity <= 0 {
		opts.Capacity = 10000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	n := 1
	if opts.Capacity >= shardingThreshold {
		n = maxShards
	}
	perShard := opts.Capacity / n
	if perShard < 1 {
		perShard = 1
	}

	c := &ResultCache{
		shards: make([]*shard, n),
		seed:   maphash.MakeSeed(),
		flight: NewShardedGroup(),
		ttl:    opts.TTL,
		now:    opts.Now,
		logger: opts.Logger,
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			items:    make(map[string]*list.Element),
			lru:      list.New(),
			capacity: perShard,
		}
	}
	return c
}

func (c *ResultCache) shardFor(key string) *shard {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	return c.shards[maphash.String(c.seed, key)%uint64(len(c.shards))]
}

// Get returns a live entry for key
func (c *ResultCache) Get(key string) (*models.SignedVerdict, bool) {
	s := c.shardFor(key)
	now := c.now()

	s.Lock()
	defer s.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if e.verdict == nil || !now.Before(e.expiresAt) || e.verdict.Payload.Expired(now) {
		s.lru.Remove(el)
		delete(s.items, key)
		return nil, false
	}
	s.lru.MoveToFront(el)
	return e.verdict, true
}

// Put stores a verdict. Verdicts already past exp are not stored.
func (c *ResultCache) Put(key string, sv *models.SignedVerdict) {
	if sv == nil {
		return
	}
	now := c.now()
	expiresAt := time.Unix(sv.Payload.ExpiresAt, 0)
	if c.ttl > 0 {
		if ttlEnd := now.Add(c.ttl); ttlEnd.Before(expiresAt) {
			expiresAt = ttlEnd
		}
	}
	if !now.Before(expiresAt) {
		return
	}

	s := c.shardFor(key)
	s.Lock()
	defer s.Unlock()

	if el, ok := s.items[key]; ok {
		e := el.Value.(*entry)
		e.verdict = sv
		e.createdAt = now
		e.expiresAt = expiresAt
		s.lru.MoveToFront(el)
		return
	}

	if s.lru.Len() >= s.capacity {
		if oldest := s.lru.Back(); oldest != nil {
			s.lru.Remove(oldest)
			delete(s.items, oldest.Value.(*entry).key)
			c.evictions.Add(1)
		}
	}

	s.items[key] = s.lru.PushFront(&entry{
		key:       key,
		verdict:   sv,
		createdAt: now,
		expiresAt: expiresAt,
	})
}

// ErrComputePanic is returned to every waiter when compute panics
var ErrComputePanic = errors.New("cache: compute panicked")

type flightResult struct {
	verdict *models.SignedVerdict
	cached  bool
}

// GetOrCompute serves a live entry or runs compute once for all concurrent
// callers of the same key. The computation is detached from the leader's
// cancellation so followers are not failed by it; each caller still stops
// waiting when its own ctx ends.
func (c *ResultCache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) (*models.SignedVerdict, Status, error) {
	if sv, ok := c.Get(key); ok {
		c.hits.Add(1)
		return sv, StatusHit, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (val interface{}, err error) {
		// DoChan re-panics on its own goroutine, out of reach of any caller
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("verdict computation panicked", "key", key, "panic", r, "stack", string(debug.Stack()))
				val, err = nil, fmt.Errorf("%w: %v", ErrComputePanic, r)
			}
		}()
		if sv, ok := c.Get(key); ok {
			return flightResult{verdict: sv, cached: true}, nil
		}
		sv, err := compute(detached)
		if err != nil {
			return nil, err
		}
		if sv == nil {
			return nil, errors.New("cache: compute returned no verdict")
		}
		c.Put(key, sv)
		return flightResult{verdict: sv}, nil
	})

	select {
	case <-ctx.Done():
		return nil, StatusMiss, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, StatusMiss, res.Err
		}
		fr := res.Val.(flightResult)
		switch {
		case fr.cached:
			c.hits.Add(1)
			return fr.verdict, StatusHit, nil
		case res.Shared:
			c.coalesced.Add(1)
			return fr.verdict, StatusShared, nil
		default:
			c.misses.Add(1)
			return fr.verdict, StatusMiss, nil
		}
	}
}

// Sweep removes expired entries and returns how many were dropped
func (c *ResultCache) Sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.Lock()
		for key, el := range s.items {
			e := el.Value.(*entry)
			if e.verdict == nil || !now.Before(e.expiresAt) {
				s.lru.Remove(el)
				delete(s.items, key)
				removed++
			}
		}
		s.Unlock()
	}
	return removed
}

// Run sweeps expired entries every interval until ctx is done
func (c *ResultCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("cache sweep", "removed", n)
			}
		}
	}
}

// Len returns the number of stored entries, live or not yet swept
func (c *ResultCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.Lock()
		n += len(s.items)
		s.Unlock()
	}
	return n
}

// Stats returns current counters
func (c *ResultCache) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Coalesced: c.coalesced.Load(),
		Evictions: c.evictions.Load(),
	}
}
