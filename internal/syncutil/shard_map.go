package syncutil

import (
	"hash/maphash"
	"iter"
	"maps"
	"sync"
)

// ShardMap is a thread-safe map that uses sharding to reduce lock contention.
// Operations on keys that fall into different shards never contend.
type ShardMap[K comparable, V any] struct {
	seed   maphash.Seed
	shards []*shard[K, V]
}

// shard is a single thread-safe map with its own mutex.
type shard[K comparable, V any] struct {
	sync.RWMutex
	items map[K]V
}

// ShardsNum sets number of shards.
type ShardsNum uint

// SizeHint sets the expected total number of items, it is spread across shards.
type SizeHint uint

// defShardsNum is the default number of shards to use.
const defShardsNum ShardsNum = 32

// NewShardMap creates a new [ShardMap].
// Options are [ShardsNum] (default 32, must be greater than 0) and [SizeHint].
func NewShardMap[K comparable, V any](opts ...any) *ShardMap[K, V] {
	var (
		shardsNum ShardsNum
		sizeHint  SizeHint
	)
	for _, o := range opts {
		switch v := o.(type) {
		case ShardsNum:
			shardsNum = v
		case SizeHint:
			sizeHint = v
		}
	}
	if shardsNum == 0 {
		shardsNum = defShardsNum
	}

	perShard := int(uint(sizeHint) / uint(shardsNum))
	shards := make([]*shard[K, V], shardsNum)
	for i := range shards {
		shards[i] = &shard[K, V]{
			items: make(map[K]V, perShard),
		}
	}

	return &ShardMap[K, V]{
		seed:   maphash.MakeSeed(),
		shards: shards,
	}
}

func (m *ShardMap[K, V]) getShard(key K) *shard[K, V] {
	h := maphash.Comparable(m.seed, key)
	return m.shards[h%uint64(len(m.shards))]
}

// Set adds or updates a key-value pair.
func (m *ShardMap[K, V]) Set(key K, value V) {
	shard := m.getShard(key)
	shard.Lock()
	shard.items[key] = value
	shard.Unlock()
}

// Get retrieves a value by key.
func (m *ShardMap[K, V]) Get(key K) (V, bool) {
	shard := m.getShard(key)
	shard.RLock()
	defer shard.RUnlock()
	val, ok := shard.items[key]
	return val, ok
}

// LoadOrCompute returns the existing value for the key.
// Otherwise it calls fn under the shard lock and stores its result unless fn fails.
// The loaded result is true if the value was already present.
// fn must not access the map.
func (m *ShardMap[K, V]) LoadOrCompute(key K, fn func() (V, error)) (val V, loaded bool, err error) {
	shard := m.getShard(key)
	shard.RLock()
	val, ok := shard.items[key]
	shard.RUnlock()
	if ok {
		return val, true, nil
	}

	shard.Lock()
	defer shard.Unlock()
	if val, ok = shard.items[key]; ok {
		return val, true, nil
	}
	val, err = fn()
	if err != nil {
		var zero V
		return zero, false, err //nolint:wrapcheck
	}
	shard.items[key] = val
	return val, false, nil
}

// Compute atomically updates the value stored for the key.
// fn receives the current value and whether it exists, the returned value is stored
// when keep is true, otherwise the key is deleted.
// fn must not access the map.
func (m *ShardMap[K, V]) Compute(key K, fn func(cur V, ok bool) (upd V, keep bool)) (V, bool) {
	shard := m.getShard(key)
	shard.Lock()
	defer shard.Unlock()
	cur, ok := shard.items[key]
	upd, keep := fn(cur, ok)
	if !keep {
		delete(shard.items, key)
		var zero V
		return zero, false
	}
	shard.items[key] = upd
	return upd, true
}

// Del removes a key-value pair by key.
func (m *ShardMap[K, V]) Del(key K) (V, bool) {
	shard := m.getShard(key)
	shard.Lock()
	val, ok := shard.items[key]
	if ok {
		delete(shard.items, key)
	}
	shard.Unlock()
	return val, ok
}

// DelFunc removes the key only if pred returns true for its current value.
func (m *ShardMap[K, V]) DelFunc(key K, pred func(V) bool) bool {
	shard := m.getShard(key)
	shard.Lock()
	defer shard.Unlock()
	val, ok := shard.items[key]
	if !ok || !pred(val) {
		return false
	}
	delete(shard.items, key)
	return true
}

// Has checks if a key exists.
func (m *ShardMap[K, V]) Has(key K) bool {
	shard := m.getShard(key)
	shard.RLock()
	_, ok := shard.items[key]
	shard.RUnlock()
	return ok
}

// Size returns the total number of items in the map.
func (m *ShardMap[K, V]) Size() int {
	size := 0
	for _, shard := range m.shards {
		shard.RLock()
		size += len(shard.items)
		shard.RUnlock()
	}
	return size
}

// Items returns an iterator over a snapshot of all items in the map.
func (m *ShardMap[K, V]) Items() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, shard := range m.shards {
			shard.RLock()
			items := maps.Clone(shard.items)
			shard.RUnlock()

			for k, v := range items {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}
