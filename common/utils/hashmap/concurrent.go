package hashmap

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

var _ HashMap[string, any] = (*ConcurrentMap[string, any])(nil)

// ConcurrentMap is a sharded, thread-safe map.
//
// Every operation locks only the shard that owns the key, so LoadAndDelete and LoadOrStore are atomic
// with respect to other operations on the same key.
type ConcurrentMap[K comparable, V any] struct {
	backend cmap.ConcurrentMap[K, V]
}

// NewConcurrentMap creates a string-keyed ConcurrentMap. shards is applied to every map created after the call.
func NewConcurrentMap[V any](shards int) *ConcurrentMap[string, V] {
	if shards > 0 {
		cmap.SHARD_COUNT = shards
	}

	return &ConcurrentMap[string, V]{
		backend: cmap.New[V](),
	}
}

func (m *ConcurrentMap[K, V]) Delete(key K) {
	m.backend.Remove(key)
}

func (m *ConcurrentMap[K, V]) Load(key K) (V, bool) {
	return m.backend.Get(key)
}

// LoadAndDelete removes the key and returns its previous value. Of any number of concurrent callers for the
// same key, exactly one observes exists == true.
func (m *ConcurrentMap[K, V]) LoadAndDelete(key K) (retVal V, retExists bool) {
	m.backend.RemoveCb(key, func(key K, val V, exists bool) bool {
		retVal = val
		retExists = exists
		return exists
	})
	return
}

// LoadOrStore returns the existing value for the key if present (loaded == true).
// Otherwise, it stores and returns the given value.
func (m *ConcurrentMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	actual = m.backend.Upsert(key, value, func(exist bool, valueInMap V, newValue V) V {
		if exist {
			loaded = true
			return valueInMap
		}
		return newValue
	})
	return
}

func (m *ConcurrentMap[K, V]) Range(cb func(K, V) bool) {
	next := true
	for item := range m.backend.IterBuffered() {
		if next {
			next = cb(item.Key, item.Val)
		}
		// Keep reading so that the iterator's producer goroutine can exit.
	}
}

func (m *ConcurrentMap[K, V]) Store(key K, val V) {
	m.backend.Set(key, val)
}

func (m *ConcurrentMap[K, V]) Len() int {
	return m.backend.Count()
}

// Keys returns a snapshot of the keys in the map.
func (m *ConcurrentMap[K, V]) Keys() []K {
	return m.backend.Keys()
}
