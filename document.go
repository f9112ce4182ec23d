package objcache

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"

	"github.com/skipor/objcache/store"
)

// documentOverhead is approximation how much memory needed to keep empty document.
// Without such compensation it is possible to blow up cache with small values.
const documentOverhead = 256

const flagsSize = 4

var ErrCorruptedDocument = errors.New("corrupted document")

// Document is cached value of one key.
// Deleted document stays resident as tombstone, until it is written.
type Document struct {
	key     string
	store   store.Store
	timeout time.Duration

	// mu is intrinsic lock. It is held by cache during write.
	mu     sync.Mutex
	flags  uint32
	data   []byte
	exists bool
	// unsaved is number of changes since last successful write.
	unsaved int
	// dataLen is len(data). Readable without mu, which is held during slow writes.
	dataLen atomic.Int64
}

func newDocument(key string, s store.Store, timeout time.Duration) *Document {
	return &Document{key: key, store: s, timeout: timeout}
}

func (d *Document) Key() string { return d.key }

// Size is approximate memory size of document.
func (d *Document) Size() int64 {
	return int64(documentOverhead+len(d.key)) + d.dataLen.Load()
}

func (d *Document) Locker() sync.Locker { return &d.mu }

// Flush writes document, or deletes it, if it is tombstone.
// Must be called with d.Locker() acquired.
func (d *Document) Flush() (err error) {
	ctx, cancel := d.context()
	defer cancel()
	if d.exists {
		err = d.store.Save(ctx, d.key, encodeDocument(d.flags, d.data))
	} else {
		err = d.store.Delete(ctx, d.key)
	}
	if err != nil {
		return stackerr.Wrap(err)
	}
	d.unsaved = 0
	return nil
}

// ClearDirty forgets unsaved changes counter. Document content is kept.
func (d *Document) ClearDirty() {
	d.mu.Lock()
	d.unsaved = 0
	d.mu.Unlock()
}

// Unsaved returns number of changes since last write.
func (d *Document) Unsaved() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unsaved
}

func (d *Document) String() string { return fmt.Sprintf("document %q", d.key) }

// item returns copy of document, if it exists.
func (d *Document) item() (it Item, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.exists {
		return
	}
	return Item{Key: d.key, Flags: d.flags, Data: append([]byte(nil), d.data...)}, true
}

func (d *Document) set(flags uint32, data []byte) {
	d.mu.Lock()
	d.flags, d.data, d.exists = flags, data, true
	d.dataLen.Store(int64(len(data)))
	d.unsaved++
	d.mu.Unlock()
}

func (d *Document) delete() (existed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existed = d.exists
	if existed {
		d.flags, d.data, d.exists = 0, nil, false
		d.dataLen.Store(0)
		d.unsaved++
	}
	return
}

func (d *Document) load() error {
	ctx, cancel := d.context()
	defer cancel()
	raw, err := d.store.Load(ctx, d.key)
	if errors.Cause(err) == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	flags, data, err := decodeDocument(raw)
	if err != nil {
		return err
	}
	d.flags, d.data, d.exists = flags, data, true
	d.dataLen.Store(int64(len(data)))
	return nil
}

func (d *Document) context() (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), d.timeout)
}

// Document encoding: flags uint32 big endian | data.
func encodeDocument(flags uint32, data []byte) []byte {
	p := make([]byte, flagsSize+len(data))
	binary.BigEndian.PutUint32(p, flags)
	copy(p[flagsSize:], data)
	return p
}

func decodeDocument(p []byte) (flags uint32, data []byte, err error) {
	if len(p) < flagsSize {
		err = stackerr.Wrap(ErrCorruptedDocument)
		return
	}
	flags = binary.BigEndian.Uint32(p)
	data = p[flagsSize:]
	return
}
