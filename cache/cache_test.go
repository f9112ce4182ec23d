package cache

import (
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"go.uber.org/goleak"

	. "github.com/skipor/objcache/testutil"
)

var _ = Describe("Cache", func() {
	var (
		conf    Config
		c       *Cache
		loader  *testLoader
		entries []*Entry[string, *testValue]
		ignore  goleak.Option
	)
	BeforeEach(func() {
		ignore = goleak.IgnoreCurrent()
		conf = DefaultConfig()
		loader = newTestLoader()
		entries = nil
	})
	JustBeforeEach(func() {
		c = newTestCache(conf)
	})
	AfterEach(func() {
		ExpectIntegrityOk(c)
		c.Close()
		Expect(c.Workers()).To(BeZero())
		goleak.VerifyNone(GinkgoT(), ignore)
	})
	Fill := func(n int) {
		entries = testEntries(c, loader, n)
		for i, e := range entries {
			getAndRelease(e, i)
		}
	}
	Resident := func() (keys []string) {
		for i, e := range entries {
			if e.Resident() {
				keys = append(keys, testKey(i))
			}
		}
		return
	}

	It("defaults", func() {
		Expect(c.Maximum()).To(Equal(Unlimited))
		Expect(c.Threads()).To(Equal(1))
		Expect(c.Workers()).To(Equal(1))
		Expect(c.WriteImmediately()).To(BeTrue())
		Expect(c.WriteRate()).To(BeZero())
		Expect(c.LogLevel()).To(BeZero())
	})

	Context("get", func() {
		It("miss and hit", func() {
			e := NewEntry[string, *testValue](c, loader.load)
			Expect(e.Resident()).To(BeFalse())
			r1, err := e.Get("a")
			Expect(err).NotTo(HaveOccurred())
			r2, err := e.Get("a")
			Expect(err).NotTo(HaveOccurred())
			Expect(r2.Value()).To(BeIdenticalTo(r1.Value()))
			Expect(loader.Loads("a")).To(Equal(1))
			Expect(e.refs.Load()).To(BeEquivalentTo(2))
			r1.Release()
			r1.Release()
			Expect(e.refs.Load()).To(BeEquivalentTo(1))
			r2.Release()

			s := c.Stats()
			Expect(s.Reads).To(BeEquivalentTo(1))
			Expect(s.Resident).To(BeEquivalentTo(1))
			Expect(s.Size).To(BeEquivalentTo(testValueSize))
		})

		It("hit promotes to front", func() {
			Fill(3)
			Expect(c.lru.front()).To(BeIdenticalTo(&entries[2].node))
			getAndRelease(entries[0], 0)
			Expect(c.lru.front()).To(BeIdenticalTo(&entries[0].node))
			Expect(c.lru.back()).To(BeIdenticalTo(&entries[1].node))
		})

		It("concurrent misses load once", func() {
			e := NewEntry[string, *testValue](c, loader.load)
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					r, err := e.Get("a")
					Expect(err).NotTo(HaveOccurred())
					r.Release()
				}()
			}
			wg.Wait()
			Expect(loader.Loads("a")).To(Equal(1))
			Expect(c.Stats().Resident).To(BeEquivalentTo(1))
		})

		It("load failure leaves nothing linked", func() {
			loader.fail["bad"] = errTestLoad
			e := NewEntry[string, *testValue](c, loader.load)
			r, err := e.Get("bad")
			Expect(r).To(BeNil())
			Expect(errors.Is(err, errTestLoad)).To(BeTrue())
			var loadErr *LoadError
			Expect(errors.As(err, &loadErr)).To(BeTrue())
			Expect(loadErr.Key).To(Equal("bad"))
			Expect(e.Resident()).To(BeFalse())
			Expect(c.Stats().Resident).To(BeZero())
			Expect(c.lru.contains(&e.node)).To(BeFalse())
		})

		It("round trip after eviction loads again", func() {
			Fill(2)
			c.SetMaximum(1)
			Expect(Resident()).To(Equal([]string{testKey(1)}))
			getAndRelease(entries[0], 0)
			Expect(loader.Loads(testKey(0))).To(Equal(2))
			Expect(c.Stats().Reads).To(BeEquivalentTo(3))
		})
	})

	Context("maximum", func() {
		table.DescribeTable("invalid is rejected",
			func(n int64) {
				Fill(3)
				c.SetMaximum(n)
				Expect(c.Maximum()).To(Equal(Unlimited))
				Expect(c.Stats().Resident).To(BeEquivalentTo(3))
			},
			table.Entry("zero", int64(0)),
			table.Entry("negative", int64(-1)),
		)

		table.DescribeTable("lowering blocks until evicted",
			func(threads int) {
				c.SetThreads(threads)
				Fill(10)
				c.SetMaximum(3)
				Expect(c.Stats().Resident).To(BeEquivalentTo(3))
				Expect(Resident()).To(Equal([]string{testKey(7), testKey(8), testKey(9)}))
				count, size := c.Status()
				Expect(count).To(BeEquivalentTo(3))
				Expect(size).To(BeEquivalentTo(3 * testValueSize))
				Expect(c.Stats().Size).To(Equal(size))
			},
			table.Entry("no workers", 0),
			table.Entry("one worker", 1),
			table.Entry("many workers", 4),
		)

		It("insert over maximum wakes workers", func() {
			c.SetMaximum(2)
			Fill(5)
			Eventually(func() int64 { return c.Stats().Resident }).Should(BeEquivalentTo(2))
		})

		It("referenced values are not evicted", func() {
			Fill(3)
			var refs []*Ref[*testValue]
			for i, e := range entries {
				r, err := e.Get(testKey(i))
				Expect(err).NotTo(HaveOccurred())
				refs = append(refs, r)
			}
			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				c.SetMaximum(2)
			}()
			Consistently(done, 50*time.Millisecond).ShouldNot(BeClosed())
			Expect(c.Stats().Resident).To(BeEquivalentTo(3))
			By("releasing least recently used value unblocks eviction")
			refs[0].Release()
			Eventually(done).Should(BeClosed())
			Expect(Resident()).To(Equal([]string{testKey(1), testKey(2)}))
			refs[1].Release()
			refs[2].Release()
		})
	})

	Context("dirty", func() {
		BeforeEach(func() { conf.WriteImmediately = false })

		It("mark and clear are idempotent", func() {
			Fill(2)
			e := entries[0]
			e.MarkDirty()
			e.MarkDirty()
			Expect(e.IsDirty()).To(BeTrue())
			Expect(c.Stats().Dirty).To(Equal(1))
			v := getAndRelease(e, 0)
			e.ClearDirty()
			ExpectIntegrityOk(c)
			e.ClearDirty()
			Expect(e.IsDirty()).To(BeFalse())
			Expect(c.Stats().Dirty).To(BeZero())
			Expect(v.cleared.Load()).To(BeEquivalentTo(2))
			Expect(v.flushes.Load()).To(BeZero())
			Expect(c.Stats().Resident).To(BeEquivalentTo(2))
		})

		It("absent value can't be dirty", func() {
			e := NewEntry[string, *testValue](c, loader.load)
			e.MarkDirty()
			Expect(e.IsDirty()).To(BeFalse())
			Expect(c.Stats().Dirty).To(BeZero())
		})

		table.DescribeTable("flush writes dirty values",
			func(threads int) {
				c.SetThreads(threads)
				Fill(5)
				entries[1].MarkDirty()
				entries[3].MarkDirty()
				Consistently(func() int64 { return c.Stats().Writes }, 20*time.Millisecond).Should(BeZero())
				c.Flush()
				s := c.Stats()
				Expect(s.Dirty).To(BeZero())
				Expect(s.Writes).To(BeEquivalentTo(2))
				Expect(s.Resident).To(BeEquivalentTo(5))
				Expect(c.WriteImmediately()).To(BeFalse())
				for i, e := range entries {
					v := getAndRelease(e, i)
					var expected int32
					if i == 1 || i == 3 {
						expected = 1
					}
					Expect(v.flushes.Load()).To(Equal(expected), testKey(i))
					Expect(v.unlocked.Load()).To(BeZero(), "value should be written under its lock")
				}
			},
			table.Entry("no workers", 0),
			table.Entry("one worker", 1),
			table.Entry("many workers", 4),
		)

		It("concurrent flushes", func() {
			c.SetThreads(2)
			Fill(20)
			for _, e := range entries {
				e.MarkDirty()
			}
			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					c.Flush()
					Expect(c.Stats().Writes).To(BeEquivalentTo(20))
				}()
			}
			wg.Wait()
			Expect(c.Stats().Dirty).To(BeZero())
		})

		It("write immediately", func() {
			Fill(2)
			prev := c.SetWriteImmediately(true)
			Expect(prev).To(BeFalse())
			entries[0].MarkDirty()
			Eventually(func() int64 { return c.Stats().Writes }).Should(BeEquivalentTo(1))
			Eventually(entries[0].IsDirty).Should(BeFalse())
		})

		It("pressure above low water writes", func() {
			c.SetMaximum(10)
			Fill(9)
			entries[0].MarkDirty()
			Eventually(func() int64 { return c.Stats().Writes }).Should(BeEquivalentTo(1))
		})

		It("clear dirty discards pending writes", func() {
			Fill(4)
			for _, e := range entries {
				e.MarkDirty()
			}
			c.ClearDirty()
			c.Flush()
			s := c.Stats()
			Expect(s.Dirty).To(BeZero())
			Expect(s.Writes).To(BeZero())
			for i, e := range entries {
				Expect(getAndRelease(e, i).cleared.Load()).To(BeEquivalentTo(1))
			}
		})

		It("dirty victim is written before eviction", func() {
			Fill(3)
			entries[0].MarkDirty()
			c.SetMaximum(2)
			Expect(Resident()).To(Equal([]string{testKey(1), testKey(2)}))
			Expect(c.Stats().Writes).To(BeEquivalentTo(1))
			Expect(c.Stats().Dirty).To(BeZero())
		})

		It("failing write is logged and value still evicted", func() {
			Fill(1)
			failing := &mockValue{}
			failing.On("Flush").Return(errors.New("disk is full"))
			e := NewEntry[string, *mockValue](c, func(string) (*mockValue, error) { return failing, nil })
			r, err := e.Get("failing")
			Expect(err).NotTo(HaveOccurred())
			r.Release()
			e.MarkDirty()
			getAndRelease(entries[0], 0)

			c.SetMaximum(1)
			Expect(e.Resident()).To(BeFalse())
			Expect(e.IsDirty()).To(BeFalse())
			Expect(c.Stats().Resident).To(BeEquivalentTo(1))
			Expect(c.Stats().Writes).To(BeZero())
			failing.AssertNumberOfCalls(GinkgoT(), "Flush", 1)
		})

		It("panic in write does not kill worker", func() {
			Fill(2)
			v := getAndRelease(entries[0], 0)
			v.flushHook = func() { panic("boom") }
			entries[0].MarkDirty()
			c.Flush()
			entries[1].MarkDirty()
			c.Flush()
			Expect(c.Workers()).To(Equal(1))
			Expect(c.Stats().Writes).To(BeEquivalentTo(1))
		})

		It("remove writes dirty value", func() {
			Fill(2)
			v := getAndRelease(entries[0], 0)
			entries[0].MarkDirty()
			entries[0].Remove()
			Expect(entries[0].Resident()).To(BeFalse())
			Expect(v.flushes.Load()).To(BeEquivalentTo(1))
			Expect(c.Stats().Resident).To(BeEquivalentTo(1))
			Expect(c.Stats().Dirty).To(BeZero())
		})

		It("victim got during its write stays resident", func() {
			Fill(3)
			v := getAndRelease(entries[0], 0)
			getAndRelease(entries[1], 1)
			getAndRelease(entries[2], 2)
			var (
				got    *Ref[*testValue]
				getErr error
			)
			v.flushHook = func() {
				got, getErr = entries[0].Get(testKey(0))
			}
			entries[0].MarkDirty()

			c.SetMaximum(2)
			Expect(getErr).NotTo(HaveOccurred())
			Expect(got.Value()).To(BeIdenticalTo(v))
			got.Release()
			Expect(v.flushes.Load()).To(BeEquivalentTo(1))
			Expect(entries[0].IsDirty()).To(BeFalse())
			Expect(Resident()).To(Equal([]string{testKey(0), testKey(2)}))
			Expect(loader.Loads(testKey(0))).To(Equal(1))
			ExpectIntegrityOk(c)
		})

		It("flush concurrent with workers shutdown", func() {
			Fill(4)
			for i := 0; i < 50; i++ {
				c.SetThreads(1)
				for _, e := range entries {
					e.MarkDirty()
				}
				flushed := make(chan struct{})
				go func() {
					defer close(flushed)
					c.Flush()
				}()
				c.SetThreads(0)
				Eventually(flushed, time.Second).Should(BeClosed(), "iteration %v", i)
				Expect(c.Stats().Dirty).To(BeZero())
				Expect(c.Workers()).To(BeZero())
			}
		})
	})

	It("clear drops everything", func() {
		Fill(5)
		entries[2].MarkDirty()
		c.SetWriteImmediately(false)
		entries[3].MarkDirty()
		c.Flush()
		entries[4].MarkDirty()
		c.Clear()
		s := c.Stats()
		Expect(s.Resident).To(BeZero())
		Expect(s.Size).To(BeZero())
		Expect(s.Dirty).To(BeZero())
		Expect(Resident()).To(BeEmpty())
		count, size := c.Status()
		Expect(count).To(BeZero())
		Expect(size).To(BeZero())
		getAndRelease(entries[0], 0)
		Expect(loader.Loads(testKey(0))).To(Equal(2))
	})

	It("resize workers", func() {
		Fill(10)
		for _, n := range []int{0, 4, 1} {
			Byf("Set %v threads.", n)
			c.SetThreads(n)
			Expect(c.Threads()).To(Equal(n))
			Expect(c.Workers()).To(Equal(n))
			Expect(c.Stats().Resident).To(BeEquivalentTo(10))
			ExpectIntegrityOk(c)
		}
		c.SetThreads(-1)
		Expect(c.Workers()).To(Equal(1))
	})

	It("write rate", func() {
		c.SetWriteRate(1000)
		Expect(c.WriteRate()).To(BeEquivalentTo(1000))
		Fill(3)
		for _, e := range entries {
			e.MarkDirty()
		}
		c.Flush()
		Expect(c.Stats().Writes).To(BeEquivalentTo(3))
		c.SetWriteRate(0)
		Expect(c.WriteRate()).To(BeZero())
	})

	It("stress", func() {
		const (
			keys    = 50
			workers = 8
			ops     = 300
		)
		c.SetThreads(4)
		c.SetMaximum(10)
		entries = testEntries(c, loader, keys)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(seed int) {
				defer GinkgoRecover()
				defer wg.Done()
				for op := 0; op < ops; op++ {
					i := (seed*31 + op*17) % keys
					r, err := entries[i].Get(testKey(i))
					Expect(err).NotTo(HaveOccurred())
					if op%3 == 0 {
						entries[i].MarkDirty()
					}
					if op%11 == 0 {
						entries[i].ClearDirty()
					}
					r.Release()
				}
			}(w)
		}
		wg.Wait()
		c.Flush()
		Expect(c.Stats().Dirty).To(BeZero())
		Eventually(func() int64 { return c.Stats().Resident }).Should(BeNumerically("<=", 10))
	})
})

var _ = Describe("CheckIntegrity", func() {
	var (
		c       *Cache
		entries []*Entry[string, *testValue]
	)
	BeforeEach(func() {
		conf := DefaultConfig()
		conf.Threads = 0
		c = newTestCache(conf)
		entries = testEntries(c, newTestLoader(), 3)
		for i, e := range entries {
			getAndRelease(e, i)
		}
		entries[1].MarkDirty()
		ExpectIntegrityOk(c)
	})
	AfterEach(func() {
		ExpectIntegrityOk(c)
		c.Close()
	})
	expectKind := func(kind IntegrityKind) {
		err := c.CheckIntegrity()
		Expect(err).To(HaveOccurred())
		var ierr *IntegrityError
		Expect(errors.As(err, &ierr)).To(BeTrue())
		Expect(ierr.Kind).To(Equal(kind))
	}

	It("resident count mismatch", func() {
		c.count.Add(1)
		expectKind(DataError)
		c.count.Add(-1)
	})

	It("broken back link", func() {
		n := c.lru.front()
		next := c.lru.next(n)
		prev := next.lru.prev
		next.lru.prev = c.lru.fakeHead
		expectKind(LogicError)
		next.lru.prev = prev
	})

	It("dirty list length mismatch", func() {
		c.dirty.len++
		expectKind(LogicError)
		c.dirty.len--
	})
})
