package cache

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("queue", func() {
	var (
		q     *queue
		nodes []*node
	)
	BeforeEach(func() {
		q = newQueue("TEST", lruLinks)
		nodes = nil
		for i := 0; i < 3; i++ {
			nodes = append(nodes, &node{name: testKey(i)})
		}
	})
	ExpectQueue := func(expected ...*node) {
		_, err := q.check()
		ExpectWithOffset(1, err).To(BeNil())
		actual := q.nodes()
		if len(expected) == 0 {
			ExpectWithOffset(1, actual).To(BeEmpty())
			return
		}
		ExpectWithOffset(1, actual).To(Equal(expected))
	}

	It("empty", func() {
		Expect(q.empty()).To(BeTrue())
		Expect(q.end(q.front())).To(BeTrue())
		Expect(q.popFront()).To(BeNil())
		ExpectQueue()
	})

	It("push front and back", func() {
		q.pushFront(nodes[1])
		q.pushFront(nodes[0])
		q.pushBack(nodes[2])
		ExpectQueue(nodes...)
		Expect(q.front()).To(BeIdenticalTo(nodes[0]))
		Expect(q.back()).To(BeIdenticalTo(nodes[2]))
		for _, n := range nodes {
			Expect(q.contains(n)).To(BeTrue())
			Expect(n.dirty).To(Equal(links{}), "other links should not be touched")
		}
	})

	It("remove clears links", func() {
		for _, n := range nodes {
			q.pushBack(n)
		}
		q.remove(nodes[1])
		ExpectQueue(nodes[0], nodes[2])
		Expect(q.contains(nodes[1])).To(BeFalse())
		Expect(nodes[1].lru).To(Equal(links{}))
		Expect(func() { q.remove(nodes[1]) }).To(Panic())
	})

	It("move to front", func() {
		for _, n := range nodes {
			q.pushBack(n)
		}
		q.moveToFront(nodes[2])
		ExpectQueue(nodes[2], nodes[0], nodes[1])
		q.moveToFront(nodes[2])
		ExpectQueue(nodes[2], nodes[0], nodes[1])
	})

	It("pop front", func() {
		for _, n := range nodes {
			q.pushBack(n)
		}
		Expect(q.popFront()).To(BeIdenticalTo(nodes[0]))
		Expect(q.popFront()).To(BeIdenticalTo(nodes[1]))
		ExpectQueue(nodes[2])
	})

	It("queues over different links are independent", func() {
		d := newQueue("DIRTY", dirtyLinks)
		for _, n := range nodes {
			q.pushBack(n)
			d.pushFront(n)
		}
		d.remove(nodes[0])
		ExpectQueue(nodes...)
		Expect(d.nodes()).To(Equal([]*node{nodes[2], nodes[1]}))
	})

	Context("broken", func() {
		BeforeEach(func() {
			for _, n := range nodes {
				q.pushBack(n)
			}
		})
		It("forward link", func() {
			nodes[0].lru.next = nodes[2]
			_, err := q.check()
			Expect(err).NotTo(BeNil())
			Expect(err.Kind).To(Equal(LogicError))
		})
		It("len", func() {
			q.len++
			_, err := q.check()
			Expect(err).NotTo(BeNil())
			Expect(err.Kind).To(Equal(LogicError))
		})
		It("cycle", func() {
			nodes[2].lru.next = nodes[0]
			nodes[0].lru.prev = nodes[2]
			_, err := q.check()
			Expect(err).NotTo(BeNil())
		})
	})
})
