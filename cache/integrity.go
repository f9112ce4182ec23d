package cache

// CheckIntegrity walks both lists forward and backward and cross-checks them
// with counters. It takes O(n) under cache lock.
func (c *Cache) CheckIntegrity() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIntegrityLocked(); err != nil {
		return err
	}
	return nil
}

func (c *Cache) checkIntegrityLocked() *IntegrityError {
	lruLen, err := c.lru.check()
	if err != nil {
		return err
	}
	dirtyLen, err := c.dirty.check()
	if err != nil {
		return err
	}
	if count := c.count.Load(); count != int64(lruLen) {
		return dataErrorf("resident count %v, but LRU list has %v values", count, lruLen)
	}
	var dirty int
	var accounted int64
	for n := c.lru.front(); !c.lru.end(n); n = c.lru.next(n) {
		if !n.payload.loaded() {
			return dataErrorf("%v is in LRU list, but has no value", n)
		}
		if c.dirty.contains(n) {
			dirty++
		}
		accounted += n.accounted
	}
	if size := c.size.Load(); size != accounted {
		return dataErrorf("total size %v, but LRU values accounted %v", size, accounted)
	}
	for n := c.dirty.front(); !c.dirty.end(n); n = c.dirty.next(n) {
		if !c.lru.contains(n) {
			return dataErrorf("%v is dirty, but not in LRU list", n)
		}
	}
	if dirty != dirtyLen {
		return dataErrorf("LRU list has %v dirty values, but dirty list has %v", dirty, dirtyLen)
	}
	return nil
}

// check walks queue in both directions and returns number of nodes.
func (q *queue) check() (int, *IntegrityError) {
	if q.prev(q.fakeHead) != nil || q.next(q.fakeTail) != nil {
		return 0, logicErrorf("%v list sentinels linked outside", q.fakeHead)
	}
	var forward int
	for n := q.fakeHead; n != q.fakeTail; n = q.next(n) {
		next := q.next(n)
		if next == nil {
			return 0, logicErrorf("%v list is broken after %v", q.fakeHead, n)
		}
		if q.prev(next) != n {
			return 0, logicErrorf("%v list: %v next is %v, but its prev is %v", q.fakeHead, n, next, q.prev(next))
		}
		if next != q.fakeTail {
			forward++
		}
		if forward > q.len {
			return 0, logicErrorf("%v list has more than %v nodes", q.fakeHead, q.len)
		}
	}
	var backward int
	for n := q.fakeTail; n != q.fakeHead; n = q.prev(n) {
		prev := q.prev(n)
		if prev == nil {
			return 0, logicErrorf("%v list is broken before %v", q.fakeHead, n)
		}
		if prev != q.fakeHead {
			backward++
		}
		if backward > q.len {
			return 0, logicErrorf("%v list has more than %v nodes backward", q.fakeHead, q.len)
		}
	}
	if forward != q.len || backward != q.len {
		return 0, logicErrorf("%v list len %v, but %v nodes forward and %v backward", q.fakeHead, q.len, forward, backward)
	}
	return q.len, nil
}
