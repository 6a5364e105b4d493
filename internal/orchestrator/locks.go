package orchestrator

import (
	"hash/fnv"
	"sync"
)

const lockShards = 256

// lockTable serializes read-modify-write of a single record while letting
// different records proceed in parallel. Ids that hash to the same shard
// share a mutex.
type lockTable struct {
	shards [lockShards]sync.Mutex
}

func (t *lockTable) shard(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &t.shards[h.Sum32()%lockShards]
}

// lock acquires id's shard and returns the matching unlock.
func (t *lockTable) lock(id string) func() {
	m := t.shard(id)
	m.Lock()
	return m.Unlock
}
