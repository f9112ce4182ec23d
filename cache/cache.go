package cache

import (
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/skipor/objcache/log"
)

// Unlimited is maximum of cache that never evicts.
const Unlimited int64 = math.MaxInt64

// lowWaterPercent of maximum is resident count above which dirty values
// are written even when write immediately is off.
const lowWaterPercent = 80

type Config struct {
	// Maximum is resident values limit. Non positive means Unlimited.
	Maximum int64
	// Threads is worker goroutines number. Zero is valid: then blocking
	// control operations do the work on caller goroutine.
	Threads          int
	WriteImmediately bool
	// LogLevel is verbosity of cache traces: 0 quiet, 1 evictions and flushes,
	// 2 also list operations.
	LogLevel int
	// WriteRate limits value writes per second. Non positive means no limit.
	WriteRate float64
}

func DefaultConfig() Config {
	return Config{
		Maximum:          Unlimited,
		Threads:          1,
		WriteImmediately: true,
	}
}

// Cache coordinates resident values of all entries bound to it.
type Cache struct {
	log log.Logger

	mu sync.Mutex
	// workToDo wakes workers.
	workToDo *sync.Cond
	// drained wakes goroutines blocked in control operations.
	drained *sync.Cond

	// Fields below are guarded by mu.
	lru              *queue
	dirty            *queue
	threads          int
	writeImmediately bool
	// flushing is number of Flush calls in progress.
	flushing int
	// inflight is number of claimed jobs which write is in progress.
	inflight int

	// stalled is set when there is overflow, but all tail values are referenced.
	// Changed under mu, but can be read without it.
	stalled atomic.Bool

	// Lock free estimates.
	maximum  atomic.Int64
	count    atomic.Int64
	size     atomic.Int64
	reads    atomic.Int64
	writes   atomic.Int64
	loglevel atomic.Int32

	limiter *rate.Limiter

	// resize serializes SetThreads calls.
	resize sync.Mutex
	// workers are done channels of running workers. Guarded by resize.
	workers []chan struct{}
	live    atomic.Int32
}

func New(l log.Logger, conf Config) *Cache {
	c := &Cache{
		log:              l,
		lru:              newQueue("LRU", lruLinks),
		dirty:            newQueue("DIRTY", dirtyLinks),
		writeImmediately: conf.WriteImmediately,
		limiter:          rate.NewLimiter(rate.Inf, 1),
	}
	c.workToDo = sync.NewCond(&c.mu)
	c.drained = sync.NewCond(&c.mu)
	if conf.Maximum <= 0 {
		conf.Maximum = Unlimited
	}
	c.maximum.Store(conf.Maximum)
	c.loglevel.Store(int32(conf.LogLevel))
	c.SetWriteRate(conf.WriteRate)
	c.SetThreads(conf.Threads)
	return c
}

// SetMaximum sets resident values limit.
// If n is less than current resident count, blocks until workers evict enough
// and victims writes are done.
func (c *Cache) SetMaximum(n int64) {
	if n <= 0 {
		c.log.Warnf("Invalid cache maximum %v ignored.", n)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maximum.Store(n)
	c.stalled.Store(false)
	if c.count.Load() <= n {
		return
	}
	c.tracef(1, "Shrinking cache from %v to %v values.", c.count.Load(), n)
	c.workToDo.Broadcast()
	for c.count.Load() > c.maximum.Load() || c.inflight > 0 {
		c.waitLocked()
	}
}

func (c *Cache) Maximum() int64 { return c.maximum.Load() }

// SetThreads sets worker goroutines number. Shrinking blocks until retired
// workers finish their current job and exit.
func (c *Cache) SetThreads(n int) {
	if n < 0 {
		c.log.Warnf("Invalid cache threads number %v ignored.", n)
		return
	}
	c.resize.Lock()
	defer c.resize.Unlock()
	c.mu.Lock()
	c.threads = n
	c.mu.Unlock()
	c.workToDo.Broadcast()

	for len(c.workers) < n {
		index := len(c.workers)
		done := make(chan struct{})
		c.workers = append(c.workers, done)
		c.live.Add(1)
		go c.work(index, done)
	}
	for len(c.workers) > n {
		last := len(c.workers) - 1
		<-c.workers[last]
		c.workers = c.workers[:last]
	}
	c.tracef(1, "Cache workers: %v.", n)
}

// Threads returns target workers number.
func (c *Cache) Threads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threads
}

// Workers returns number of running worker goroutines.
func (c *Cache) Workers() int { return int(c.live.Load()) }

// SetWriteImmediately sets write immediately policy and returns previous value.
func (c *Cache) SetWriteImmediately(b bool) (prev bool) {
	c.mu.Lock()
	prev, c.writeImmediately = c.writeImmediately, b
	c.mu.Unlock()
	if b && !prev {
		c.workToDo.Broadcast()
	}
	return
}

func (c *Cache) WriteImmediately() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeImmediately
}

// SetWriteRate limits writes per second done by workers. Non positive r removes limit.
func (c *Cache) SetWriteRate(r float64) {
	limit := rate.Inf
	if r > 0 {
		limit = rate.Limit(r)
	}
	c.limiter.SetLimit(limit)
}

func (c *Cache) WriteRate() float64 {
	limit := c.limiter.Limit()
	if limit == rate.Inf {
		return 0
	}
	return float64(limit)
}

func (c *Cache) SetLogLevel(n int) { c.loglevel.Store(int32(n)) }
func (c *Cache) LogLevel() int     { return int(c.loglevel.Load()) }

// Flush writes all dirty values and blocks until writes are done.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushing++
	defer func() { c.flushing-- }()
	c.tracef(1, "Flushing %v dirty values.", c.dirty.len)
	c.workToDo.Broadcast()
	for !c.dirty.empty() || c.inflight > 0 {
		c.waitLocked()
	}
}

// Clear drops all resident values without writing them.
// Values that are being written now, are dropped after write.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracef(1, "Clearing %v values.", c.lru.len)
	for c.dirty.popFront() != nil {
	}
	for !c.lru.empty() {
		n := c.lru.back()
		c.unlinkLocked(n)
		n.payload.expire()
	}
	c.count.Store(0)
	c.size.Store(0)
	c.stalled.Store(false)
	c.checkInvariants()
	c.drained.Broadcast()
}

// ClearDirty discards all pending writes.
func (c *Cache) ClearDirty() {
	for {
		c.mu.Lock()
		n := c.dirty.popFront()
		c.checkInvariants()
		c.mu.Unlock()
		if n == nil {
			break
		}
		n.payload.discardDirty()
	}
	c.drained.Broadcast()
}

// Status walks resident values and returns their number and total size.
// It takes O(n) under cache lock and is for diagnostics only.
func (c *Cache) Status() (count int64, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n := c.lru.front(); !c.lru.end(n); n = c.lru.next(n) {
		count++
		size += n.payload.memSize()
	}
	return
}

type Stats struct {
	Resident  int64
	Size      int64
	Maximum   int64
	Threads   int
	Workers   int
	Dirty     int
	Reads     int64
	Writes    int64
	Immediate bool
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Resident:  c.count.Load(),
		Size:      c.size.Load(),
		Maximum:   c.maximum.Load(),
		Threads:   c.threads,
		Workers:   c.Workers(),
		Dirty:     c.dirty.len,
		Reads:     c.reads.Load(),
		Writes:    c.writes.Load(),
		Immediate: c.writeImmediately,
	}
}

func (c *Cache) PrintStatus() {
	s := c.Stats()
	c.log.Infof("Cache: %v values of %v, %v bytes, %v dirty, %v reads, %v writes, %v workers.",
		s.Resident, s.Maximum, s.Size, s.Dirty, s.Reads, s.Writes, s.Workers)
}

// Close stops all workers. Dirty values are not written.
func (c *Cache) Close() {
	c.SetThreads(0)
}

// waitLocked blocks until some work done. If there is no workers, it does work itself.
func (c *Cache) waitLocked() {
	if c.threads == 0 && c.stepLocked() {
		return
	}
	c.drained.Wait()
}

// linkLocked links node at LRU front and accounts it.
func (c *Cache) linkLocked(n *node) {
	c.lru.pushFront(n)
	n.accounted = n.payload.memSize()
	c.count.Add(1)
	c.size.Add(n.accounted)
	c.stalled.Store(false)
}

func (c *Cache) unlinkLocked(n *node) {
	c.lru.remove(n)
	c.count.Add(-1)
	c.size.Add(-n.accounted)
	n.accounted = 0
}

func (c *Cache) promoteLocked(n *node) {
	if c.lru.contains(n) {
		c.lru.moveToFront(n)
		c.reaccountLocked(n)
		return
	}
	// Eviction victim is being written now.
	c.linkLocked(n)
}

// reaccountLocked updates total size with change of linked value size since
// it was accounted last time.
func (c *Cache) reaccountLocked(n *node) {
	s := n.payload.memSize()
	c.size.Add(s - n.accounted)
	n.accounted = s
}

func (c *Cache) overflowLocked() bool {
	count := c.count.Load()
	return count > c.maximum.Load() && count > 1 && !c.stalled.Load()
}

func (c *Cache) flushAllowedLocked() bool {
	if c.writeImmediately || c.flushing > 0 {
		return true
	}
	return c.count.Load() > c.lowWater()
}

func (c *Cache) lowWater() int64 {
	max := c.maximum.Load()
	if max > math.MaxInt64/100 {
		return max / 100 * lowWaterPercent
	}
	return max * lowWaterPercent / 100
}

// unreferenced is called when last ref of some value released.
// Lock is taken unconditionally: scan that missed this release may be in progress.
func (c *Cache) unreferenced() {
	c.mu.Lock()
	stalled := c.stalled.Swap(false)
	c.mu.Unlock()
	if !stalled {
		return
	}
	c.workToDo.Broadcast()
	c.drained.Broadcast()
}

func (c *Cache) tracef(level int32, format string, args ...interface{}) {
	if c.loglevel.Load() >= level {
		c.log.Infof(format, args...)
	}
}
