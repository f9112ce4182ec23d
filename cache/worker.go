package cache

import (
	"context"
	"fmt"
)

// job is claimed node which value should be written outside of cache lock.
type job struct {
	node  *node
	name  string
	write func() error
	// evict is true, if value should be expired after write.
	evict bool
}

// work is worker goroutine loop.
func (c *Cache) work(index int, done chan struct{}) {
	defer close(done)
	defer c.live.Add(-1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracef(2, "Worker %v started.", index)
	for index < c.threads {
		if c.stepLocked() {
			continue
		}
		c.drained.Broadcast()
		c.workToDo.Wait()
	}
	// Control operations waiting for this worker must step inline, if it was the last.
	c.drained.Broadcast()
	c.tracef(2, "Worker %v stopped.", index)
}

// stepLocked evicts clean values and does one claimed job.
// Returns false if there was nothing to do. Lock is released during value write.
func (c *Cache) stepLocked() bool {
	before := c.count.Load()
	j, ok := c.claimLocked()
	if !ok {
		return c.count.Load() != before
	}
	c.inflight++
	c.mu.Unlock()
	c.perform(j)
	c.mu.Lock()
	c.inflight--
	// Value could be got again while it was written. Then it stays.
	if j.evict && !c.lru.contains(j.node) && j.node.payload.loaded() {
		j.node.payload.expire()
		c.tracef(1, "Evicted %v.", j.name)
	}
	c.checkInvariants()
	c.drained.Broadcast()
	return true
}

// claimLocked evicts clean values while there is overflow. Dirty victim or,
// when writing allowed, dirty list value is unlinked and returned as job.
func (c *Cache) claimLocked() (j job, ok bool) {
	for c.overflowLocked() {
		victim := c.victimLocked()
		if victim == nil {
			c.tracef(1, "All of %v least recently used values are referenced. Eviction stalled.", c.lru.len)
			c.stalled.Store(true)
			break
		}
		c.unlinkLocked(victim)
		if !c.dirty.contains(victim) {
			c.tracef(1, "Evicted %v.", victim)
			victim.payload.expire()
			continue
		}
		c.dirty.remove(victim)
		c.checkInvariants()
		return c.newJob(victim, true), true
	}
	if c.dirty.empty() || !c.flushAllowedLocked() {
		return job{}, false
	}
	n := c.dirty.front()
	for candidate := n; !c.dirty.end(candidate); candidate = c.dirty.next(candidate) {
		if candidate.refs.Load() == 0 {
			n = candidate
			break
		}
	}
	c.dirty.remove(n)
	c.checkInvariants()
	return c.newJob(n, false), true
}

// victimLocked returns least recently used value without refs, or nil.
func (c *Cache) victimLocked() *node {
	for n := c.lru.back(); !c.lru.end(n); n = c.lru.prev(n) {
		if n.refs.Load() == 0 {
			return n
		}
	}
	return nil
}

func (c *Cache) newJob(n *node, evict bool) job {
	return job{
		node:  n,
		name:  n.String(),
		write: n.payload.writer(),
		evict: evict,
	}
}

// perform writes value. Errors and panics are logged, so worker never dies.
func (c *Cache) perform(j job) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("Write of %v panic: %v", j.name, r)
		}
	}()
	if err := c.limiter.Wait(context.Background()); err != nil {
		c.log.Warnf("Write rate limiter: %v", err)
	}
	c.tracef(1, "Writing %v.", j.name)
	if err := j.write(); err != nil {
		c.log.Errorf("Write of %v failed: %v", j.name, err)
	}
}

func (j job) String() string {
	return fmt.Sprintf("{%v evict:%v}", j.name, j.evict)
}
