package cache

import (
	"fmt"
	"sync/atomic"

	"github.com/skipor/objcache/internal/tag"
)

// links is one pair of list pointers.
// Node is a member of a queue iff its prev link for that queue is not nil.
// Links are always set and cleared together.
type links struct {
	prev *node
	next *node
}

type node struct {
	lru   links
	dirty links
	// refs counts live Ref handles. Changed atomically, inspected under cache lock.
	refs atomic.Int32
	// accounted is value size included in Cache.size. Updated on link, promotion and dirty marking.
	accounted int64
	payload   payload
	// name is set only for fake nodes. For debug output.
	name string
}

// payload is entry behaviour dispatched from untyped cache code.
// All methods except discardDirty require cache lock be acquired.
type payload interface {
	loaded() bool
	// expire drops value reference.
	expire()
	memSize() int64
	// writer returns func that writes current value.
	// Returned func must be called without cache lock.
	writer() func() error
	// discardDirty notifies value that pending changes were dropped.
	// Must be called without cache lock.
	discardDirty()
	describe() string
}

// Pre and post conditions (Invariants) for queue methods:
// * {fakeHead, all owned nodes, fakeTail} are correct doubly linked list.
// * owned nodes have both links set, detached nodes have both links nil.
// * queue.len equal number of owned nodes.
type queue struct {
	len   int
	links func(*node) *links

	// Fake nodes. Real nodes are between them.
	// nil <- fakeHead <-> node_0 <-> ... <-> node_(n-1) <-> fakeTail -> nil
	// Such structure prevent nil checks in code.

	// fakeHead.next is front: most recently used in LRU, oldest change in dirty queue.
	fakeHead *node
	// fakeTail.prev is back.
	fakeTail *node
}

func lruLinks(n *node) *links   { return &n.lru }
func dirtyLinks(n *node) *links { return &n.dirty }

func newQueue(name string, ln func(*node) *links) *queue {
	q := &queue{links: ln}
	q.fakeHead = &node{name: " !" + name + " HEAD! "}
	q.fakeTail = &node{name: " !" + name + " TAIL! "}
	q.link(q.fakeHead, q.fakeTail)
	return q
}

func (q *queue) link(a, b *node) { q.links(a).next, q.links(b).prev = b, a }

func (q *queue) front() *node           { return q.links(q.fakeHead).next }
func (q *queue) back() *node            { return q.links(q.fakeTail).prev }
func (q *queue) next(n *node) *node     { return q.links(n).next }
func (q *queue) prev(n *node) *node     { return q.links(n).prev }
func (q *queue) end(n *node) bool       { return n == q.fakeTail || n == q.fakeHead }
func (q *queue) empty() bool            { return q.len == 0 }
func (q *queue) contains(n *node) bool  { return q.links(n).prev != nil }
func (q *queue) pushFront(n *node)      { q.insertAfter(q.fakeHead, n) }
func (q *queue) pushBack(n *node)       { q.insertAfter(q.back(), n) }
func (q *queue) isFake(n *node) bool    { return n == q.fakeHead || n == q.fakeTail }
func (q *queue) isFront(n *node) bool   { return q.front() == n }
func (q *queue) assertOwned(n *node)    { q.assert(q.contains(n) && !q.isFake(n), "node is not owned", n) }
func (q *queue) assertDetached(n *node) { q.assert(!q.contains(n), "node is already linked", n) }

func (q *queue) insertAfter(at, n *node) {
	if tag.Debug {
		q.assertDetached(n)
	}
	next := q.next(at)
	q.link(at, n)
	q.link(n, next)
	q.len++
}

func (q *queue) remove(n *node) {
	q.assertOwned(n)
	q.link(q.prev(n), q.next(n))
	*q.links(n) = links{}
	q.len--
}

func (q *queue) moveToFront(n *node) {
	if q.isFront(n) {
		return
	}
	q.remove(n)
	q.pushFront(n)
}

// popFront detaches and returns front node, or nil if queue is empty.
func (q *queue) popFront() *node {
	if q.empty() {
		return nil
	}
	n := q.front()
	q.remove(n)
	return n
}

func (q *queue) assert(ok bool, msg string, n *node) {
	if !ok {
		panic(fmt.Sprintf("%s: %#v", msg, n))
	}
}

func (n *node) String() string {
	if n == nil {
		return "<nil>"
	}
	if n.payload == nil {
		return n.name
	}
	return n.payload.describe()
}

func (n *node) GoString() string {
	return fmt.Sprintf("{node:%v, refs:%v, lru:{%v, %v}, dirty:{%v, %v}}",
		n, n.refs.Load(), n.lru.prev, n.lru.next, n.dirty.prev, n.dirty.next)
}

var _ fmt.GoStringer = (*node)(nil)
