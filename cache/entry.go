package cache

import (
	"fmt"
	"sync"
)

// Cacheable is implemented by cached values.
type Cacheable interface {
	// Size returns approximate memory size of value.
	Size() int64
	// Flush persists value. It may be called concurrently with other
	// values' Flush, and is called with intrinsic lock held, if value has one.
	Flush() error
}

// Locking is implemented by values that have intrinsic lock.
// Lock is held during Flush, so persistence is serialized with concurrent
// mutation of the value that takes the same lock.
type Locking interface {
	Locker() sync.Locker
}

// DirtyClearer is implemented by values that want to know that their
// pending changes were discarded without write.
type DirtyClearer interface {
	ClearDirty()
}

// Loader constructs value from key on cache miss.
type Loader[K any, V Cacheable] func(key K) (V, error)

// Entry binds cache node to concrete value type.
// Entry is usually embedded into or owned by domain object, that is key of cached value.
type Entry[K any, V Cacheable] struct {
	node
	cache *Cache
	load  Loader[K, V]
	// loading serializes construction of value on concurrent misses.
	loading sync.Mutex

	// Fields below are guarded by cache lock.
	key   K
	value V
	has   bool
}

func NewEntry[K any, V Cacheable](c *Cache, load Loader[K, V]) *Entry[K, V] {
	if c == nil || load == nil {
		panic("nil cache or loader")
	}
	e := &Entry[K, V]{cache: c, load: load}
	e.node.payload = e
	return e
}

// Get returns reference to value, constructing it from key, if it is not resident.
// Returned ref should be released, when value is not needed anymore:
// referenced values are never evicted.
func (e *Entry[K, V]) Get(key K) (*Ref[V], error) {
	if r := e.acquire(); r != nil {
		return r, nil
	}
	e.loading.Lock()
	defer e.loading.Unlock()
	if r := e.acquire(); r != nil {
		// Loaded concurrently.
		return r, nil
	}
	c := e.cache
	c.reads.Add(1)
	v, err := e.load(key)
	if err != nil {
		return nil, &LoadError{Key: key, Err: err}
	}

	c.mu.Lock()
	e.key, e.value, e.has = key, v, true
	e.refs.Add(1)
	c.linkLocked(&e.node)
	wake := c.overflowLocked()
	c.checkInvariants()
	c.mu.Unlock()
	c.tracef(2, "Loaded %v.", e)

	if wake {
		c.workToDo.Broadcast()
	}
	return newRef(c, &e.node, v), nil
}

// acquire returns ref to resident value promoted to LRU front, or nil on miss.
func (e *Entry[K, V]) acquire() *Ref[V] {
	c := e.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if !e.has {
		return nil
	}
	e.refs.Add(1)
	c.promoteLocked(&e.node)
	c.checkInvariants()
	return newRef(c, &e.node, e.value)
}

// Resident returns true if value is in memory now.
func (e *Entry[K, V]) Resident() bool {
	e.cache.mu.Lock()
	defer e.cache.mu.Unlock()
	return e.has
}

// MarkDirty puts resident value into dirty list, if it is not there already.
// Nothing is done, if value is not resident: absent value can't be dirty.
func (e *Entry[K, V]) MarkDirty() {
	c := e.cache
	c.mu.Lock()
	if !e.has {
		c.mu.Unlock()
		return
	}
	n := &e.node
	if c.lru.contains(n) {
		c.reaccountLocked(n)
	} else {
		// Eviction victim is being flushed now. Readmit it, so the change is not lost.
		c.linkLocked(n)
	}
	if c.dirty.contains(n) {
		c.mu.Unlock()
		return
	}
	c.dirty.pushBack(n)
	wake := c.flushAllowedLocked()
	c.checkInvariants()
	c.tracef(2, "Marked dirty %v.", e)
	c.mu.Unlock()
	if wake {
		c.workToDo.Signal()
	}
}

// ClearDirty removes entry from dirty list WITHOUT writing value. Idempotent.
func (e *Entry[K, V]) ClearDirty() {
	c := e.cache
	c.mu.Lock()
	if c.dirty.contains(&e.node) {
		c.dirty.remove(&e.node)
	}
	drained := c.dirty.empty()
	c.checkInvariants()
	c.mu.Unlock()

	e.discardDirty()
	if drained {
		c.drained.Broadcast()
	}
}

func (e *Entry[K, V]) IsDirty() bool {
	e.cache.mu.Lock()
	defer e.cache.mu.Unlock()
	return e.cache.dirty.contains(&e.node)
}

// Flush writes resident value. Dirty status is not changed.
func (e *Entry[K, V]) Flush() error {
	c := e.cache
	c.mu.Lock()
	v, has := e.value, e.has
	c.mu.Unlock()
	if !has {
		return nil
	}
	return e.write(v)
}

func (e *Entry[K, V]) write(v V) error {
	if l, ok := any(v).(Locking); ok {
		if lk := l.Locker(); lk != nil {
			lk.Lock()
			defer lk.Unlock()
		}
	}
	err := v.Flush()
	if err != nil {
		return err
	}
	e.cache.writes.Add(1)
	return nil
}

// Remove synchronously removes value from cache.
// Dirty value is written before removal. Write error is logged.
func (e *Entry[K, V]) Remove() {
	c := e.cache
	c.mu.Lock()
	if !e.has {
		c.mu.Unlock()
		return
	}
	n := &e.node
	v, name := e.value, e.describe()
	dirty := c.dirty.contains(n)
	if dirty {
		c.dirty.remove(n)
	}
	if c.lru.contains(n) {
		c.unlinkLocked(n)
	}
	e.expire()
	c.checkInvariants()
	c.mu.Unlock()

	if dirty {
		if err := e.write(v); err != nil {
			c.log.Errorf("Write of removed %v failed: %v", name, err)
		}
		c.drained.Broadcast()
	}
}

func (e *Entry[K, V]) loaded() bool { return e.has }

func (e *Entry[K, V]) expire() {
	var zero V
	e.value, e.has = zero, false
}

func (e *Entry[K, V]) memSize() int64 {
	if !e.has {
		return 0
	}
	return e.value.Size()
}

func (e *Entry[K, V]) writer() func() error {
	v := e.value
	return func() error { return e.write(v) }
}

func (e *Entry[K, V]) discardDirty() {
	e.cache.mu.Lock()
	v, has := e.value, e.has
	e.cache.mu.Unlock()
	if !has {
		return
	}
	if dc, ok := any(v).(DirtyClearer); ok {
		dc.ClearDirty()
	}
}

func (e *Entry[K, V]) describe() string {
	return fmt.Sprintf("entry %v", e.key)
}

func (e *Entry[K, V]) String() string { return e.describe() }

// Ref is shared reference to cached value.
// Value is not evicted, while there are not released refs to it.
type Ref[V Cacheable] struct {
	value    V
	cache    *Cache
	node     *node
	released sync.Once
}

func newRef[V Cacheable](c *Cache, n *node, v V) *Ref[V] {
	return &Ref[V]{value: v, cache: c, node: n}
}

func (r *Ref[V]) Value() V { return r.value }

// Release drops reference. Value must not be used after release. Idempotent.
func (r *Ref[V]) Release() {
	r.released.Do(func() {
		if r.node.refs.Add(-1) == 0 {
			r.cache.unreferenced()
		}
	})
}
