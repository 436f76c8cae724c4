// Package registry хранит состояние экземпляров в шардированной карте по instance_id.
package registry

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Registry потокобезопасная карта, разбитая на шарды
type Registry[V any] struct {
	shards [shardCount]*shard[V]
}

// New создает пустой реестр
func New[V any]() *Registry[V] {
	r := &Registry[V]{}
	for i := range r.shards {
		r.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return r
}

func (r *Registry[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return r.shards[h.Sum32()%shardCount]
}

// Get возвращает значение по ключу
func (r *Registry[V]) Get(key string) (V, bool) {
	s := r.shardFor(key)
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

// Set сохраняет значение
func (r *Registry[V]) Set(key string, v V) {
	s := r.shardFor(key)
	s.mu.Lock()
	s.items[key] = v
	s.mu.Unlock()
}

// Delete удаляет значение
func (r *Registry[V]) Delete(key string) {
	s := r.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// GetOrCreate возвращает существующее значение или создает новое через create
func (r *Registry[V]) GetOrCreate(key string, create func() V) V {
	s := r.shardFor(key)
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok = s.items[key]; ok {
		return v
	}
	v = create()
	s.items[key] = v
	return v
}

// Range обходит все элементы, пока fn возвращает true.
// fn не должна изменять реестр.
func (r *Registry[V]) Range(fn func(key string, v V) bool) {
	for _, s := range r.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// DeleteFunc удаляет элементы, для которых match возвращает true
func (r *Registry[V]) DeleteFunc(match func(key string, v V) bool) {
	for _, s := range r.shards {
		s.mu.Lock()
		for k, v := range s.items {
			if match(k, v) {
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}

// Len количество элементов
func (r *Registry[V]) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
