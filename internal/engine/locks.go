package engine

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// shardedLocks serializes vote writes per question without a global lock.
// The database row lock is the correctness guarantee; this layer just keeps
// hot questions from piling transactions onto the same row.
type shardedLocks struct {
	shards [lockShards]sync.Mutex
}

func (s *shardedLocks) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))

	return &s.shards[h.Sum32()%lockShards]
}
