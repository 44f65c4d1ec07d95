// Package repo implements the data persistence layer for the versioned
// record store, backed by GORM. This file provides the per-entity lock used
// to serialize concurrent upserts for the same entity id.
//
// The lock is sharded: entity ids hash onto a fixed set of mutexes, so
// upserts for different entities almost always proceed in parallel while two
// upserts for the same entity are always serialized. The storage-level
// unique constraint on (entity_id, version) remains the last line of
// defense for writers outside this process.
package repo

import (
	"hash/fnv"
	"sync"
)

// keyLockShards is the number of mutex shards. Power of two so the hash can
// be masked instead of divided.
const keyLockShards = 64

// KeyLock serializes operations per string key via hashed mutex shards.
// The zero value is ready to use.
type KeyLock struct {
	shards [keyLockShards]sync.Mutex
}

// NewKeyLock returns a ready-to-use KeyLock.
func NewKeyLock() *KeyLock { return &KeyLock{} }

// Lock acquires the shard owning key and returns the matching unlock
// function:
//
//	defer locks.Lock(entityID)()
func (l *KeyLock) Lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &l.shards[h.Sum32()&(keyLockShards-1)]
	m.Lock()
	return m.Unlock
}
