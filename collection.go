// Package objcache serves documents over memcached text protocol. Resident documents
// are bounded by write back cache, and persisted into pluggable store.
package objcache

import (
	"sync"
	"time"

	"github.com/skipor/objcache/cache"
	"github.com/skipor/objcache/log"
	"github.com/skipor/objcache/store"
)

// Item is client visible document content.
type Item struct {
	Key   string
	Flags uint32
	Data  []byte
}

// Handler serves protocol commands.
type Handler interface {
	// Get returns items of existing keys, in request order.
	Get(keys ...string) ([]Item, error)
	Set(i Item) error
	// Delete returns false if there was no such key.
	Delete(key string) (bool, error)
}

type documentEntry = cache.Entry[string, *Document]

// Collection is set of documents backed by store, with resident part bounded by cache.
// Registry of entries only grows: entry without resident value is just a key.
// Only keys that were set or found in store are registered.
type Collection struct {
	log     log.Logger
	cache   *cache.Cache
	store   store.Store
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*documentEntry
}

var _ Handler = (*Collection)(nil)

// NewCollection creates collection. Store operations done during document
// load and write are limited by timeout, if it is positive.
func NewCollection(l log.Logger, c *cache.Cache, s store.Store, timeout time.Duration) *Collection {
	return &Collection{
		log:     l,
		cache:   c,
		store:   s,
		timeout: timeout,
		entries: make(map[string]*documentEntry),
	}
}

func (c *Collection) Cache() *cache.Cache { return c.cache }

// Len returns number of known keys. Resident or not.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Collection) Get(keys ...string) ([]Item, error) {
	items := make([]Item, 0, len(keys))
	for _, key := range keys {
		e, err := c.existing(key)
		if err != nil {
			return nil, err
		}
		if e == nil {
			continue
		}
		ref, err := e.Get(key)
		if err != nil {
			return nil, err
		}
		it, ok := ref.Value().item()
		ref.Release()
		if ok {
			items = append(items, it)
		}
	}
	return items, nil
}

func (c *Collection) Set(i Item) error {
	e := c.entry(i.Key)
	ref, err := e.Get(i.Key)
	if err != nil {
		return err
	}
	defer ref.Release()
	ref.Value().set(i.Flags, i.Data)
	e.MarkDirty()
	return nil
}

func (c *Collection) Delete(key string) (bool, error) {
	e, err := c.existing(key)
	if err != nil || e == nil {
		return false, err
	}
	ref, err := e.Get(key)
	if err != nil {
		return false, err
	}
	defer ref.Release()
	existed := ref.Value().delete()
	if existed {
		// Tombstone is written by flush as delete from store.
		e.MarkDirty()
	}
	return existed, nil
}

// Dirty returns true if key has unwritten changes.
func (c *Collection) Dirty(key string) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	return ok && e.IsDirty()
}

func (c *Collection) entry(key string) *documentEntry {
	return c.register(key, nil)
}

// existing returns entry of key, that is registered or stored. Keys unknown to
// store are not registered: lookups of absent keys don't grow registry.
func (c *Collection) existing(key string) (*documentEntry, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return e, nil
	}
	d, err := c.load(key)
	if err != nil {
		return nil, &cache.LoadError{Key: key, Err: err}
	}
	if !d.exists {
		return nil, nil
	}
	return c.register(key, d), nil
}

// register returns entry of key, creating it if needed. Loaded document, if
// not nil, becomes resident value on first Get of created entry.
func (c *Collection) register(key string, loaded *Document) *documentEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok {
		return e
	}
	load := c.load
	if loaded != nil {
		// Entry serializes loads, so loaded is not accessed concurrently.
		load = func(key string) (*Document, error) {
			if d := loaded; d != nil {
				loaded = nil
				return d, nil
			}
			return c.load(key)
		}
	}
	e = cache.NewEntry[string, *Document](c.cache, load)
	c.entries[key] = e
	return e
}

func (c *Collection) load(key string) (*Document, error) {
	d := newDocument(key, c.store, c.timeout)
	if err := d.load(); err != nil {
		c.log.Errorf("Load of %v failed: %v", d, err)
		return nil, err
	}
	return d, nil
}
