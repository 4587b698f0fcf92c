// This module implements backend sharding which distributes keys uniformly across backend shards. Every Memory
// shard has its own mutex, so when multiple goroutines (e.g. Redis connections) hit the store, each one only locks
// the shard its key belongs to and doesn't block others from accessing their intended keys.

package storage

import (
	"flag"
	"runtime"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/snapback/pkg/utils"
)

var shardCount = flag.Int("backend_shard_count", runtime.NumCPU(),
	"The number of in-memory backend shards; values below 1 are treated as a single shard.")

var _ Backend = (*Sharded)(nil)

// Sharded is a Backend that distributes keys across multiple underlying backends (shards).
type Sharded struct {
	shards []Backend
}

// NewSharded is the constructor for Sharded. It takes a backendGenerator function, which is responsible for
// creating individual shard instances, and the desired number of shards (shardCount).
func NewSharded(backendGenerator func() Backend, shardCount int) *Sharded {
	// Ensure there is at least one shard.
	if shardCount <= 0 {
		utils.RaiseInvariant("shard", "non_positive_shard_count",
			"Invalid shard count has been given to sharded backend.", "shardCount", shardCount)
		shardCount = 1
	}
	sharded := &Sharded{shards: make([]Backend, shardCount)}
	for i := range shardCount {
		sharded.shards[i] = backendGenerator()
	}
	return sharded
}

// NewShardedFromFlags builds a Sharded backend of Memory shards, sized by the --backend_shard_count
// and --backend_quota_bytes flags.
func NewShardedFromFlags() *Sharded {
	count := max(*shardCount, 1)
	return NewSharded(func() Backend { return NewMemoryFromFlags() }, count)
}

// getShard determines which shard a given key belongs to by hashing the key and taking it modulo the shard count.
func (s *Sharded) getShard(key string) Backend {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

func (s *Sharded) Get(key string) (string, error) {
	return s.getShard(key).Get(key)
}

func (s *Sharded) Set(key, value string) error {
	return s.getShard(key).Set(key, value)
}

func (s *Sharded) Remove(key string) {
	s.getShard(key).Remove(key)
}

// ShardCount returns the number of shards.
func (s *Sharded) ShardCount() int {
	return len(s.shards)
}
