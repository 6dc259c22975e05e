package cache

import (
	"hash/maphash"
	"sync"

	"golang.org/x/sync/singleflight"
)

const flightShards = 64

// ShardedGroup spreads singleflight keys over several groups to reduce
// mutex contention under load.
type ShardedGroup struct {
	shards [flightShards]*singleflight.Group
	seed   maphash.Seed
}

var hashPool = sync.Pool{
	New: func() any {
		return new(maphash.Hash)
	},
}

// NewShardedGroup creates an empty group
func NewShardedGroup() *ShardedGroup {
	g := &ShardedGroup{seed: maphash.MakeSeed()}
	for i := range g.shards {
		g.shards[i] = &singleflight.Group{}
	}
	return g
}

func (g *ShardedGroup) shard(key string) *singleflight.Group {
	h := hashPool.Get().(*maphash.Hash)
	// Reset before SetSeed; pooled hashers may carry state
	h.Reset()
	h.SetSeed(g.seed)
	h.WriteString(key)
	idx := h.Sum64() & (flightShards - 1)
	hashPool.Put(h)
	return g.shards[idx]
}

// Do runs fn once per key among concurrent callers
func (g *ShardedGroup) Do(key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	return g.shard(key).Do(key, fn)
}

// DoChan is the channel form of Do
func (g *ShardedGroup) DoChan(key string, fn func() (interface{}, error)) <-chan singleflight.Result {
	return g.shard(key).DoChan(key, fn)
}

// Forget drops an in-flight key so the next caller starts a new computation
func (g *ShardedGroup) Forget(key string) {
	g.shard(key).Forget(key)
}
