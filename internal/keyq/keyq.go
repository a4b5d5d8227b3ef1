package keyq

import (
	"hash/fnv"
	"sort"
	"sync"
)

// KeyedLocks serializes writes per routing key. Keys hash onto a fixed set
// of shards; writers touching the same key always contend on the same shard,
// so the effect observed downstream is the order the writers arrived in.
type KeyedLocks struct {
	shards []sync.Mutex
}

// New creates a keyed lock set with the given shard count
func New(shards int) *KeyedLocks {
	if shards <= 0 {
		shards = 64
	}
	return &KeyedLocks{shards: make([]sync.Mutex, shards)}
}

// shardOf maps a key to its shard index
func (k *KeyedLocks) shardOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % len(k.shards)
}

// Do runs fn while holding the shard lock for key
func (k *KeyedLocks) Do(key string, fn func() error) error {
	shard := k.shardOf(key)
	k.shards[shard].Lock()
	defer k.shards[shard].Unlock()
	return fn()
}

// DoKeys runs fn while holding every shard lock covering keys. Shards are
// acquired in index order so concurrent multi-key writers cannot deadlock.
func (k *KeyedLocks) DoKeys(keys []string, fn func() error) error {
	seen := make(map[int]struct{})
	shards := make([]int, 0, len(keys))
	for _, key := range keys {
		shard := k.shardOf(key)
		if _, dup := seen[shard]; dup {
			continue
		}
		seen[shard] = struct{}{}
		shards = append(shards, shard)
	}
	sort.Ints(shards)

	for _, shard := range shards {
		k.shards[shard].Lock()
	}
	defer func() {
		for i := len(shards) - 1; i >= 0; i-- {
			k.shards[shards[i]].Unlock()
		}
	}()

	return fn()
}
