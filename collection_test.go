package objcache

import (
	"context"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/skipor/objcache/cache"
	"github.com/skipor/objcache/log"
	"github.com/skipor/objcache/store"
	. "github.com/skipor/objcache/testutil"
)

type mockStore struct {
	mock.Mock
}

var _ store.Store = (*mockStore)(nil)

func (m *mockStore) Load(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(key)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockStore) Save(ctx context.Context, key string, data []byte) error {
	return m.Called(key, data).Error(0)
}

func (m *mockStore) Delete(ctx context.Context, key string) error {
	return m.Called(key).Error(0)
}

func (m *mockStore) Close() error { return m.Called().Error(0) }

func testItem(i int) Item {
	return Item{
		Key:   fmt.Sprintf("doc_%v", i),
		Flags: Rand.Uint32(),
		Data:  RandBytes(Rand.Intn(256) + 1),
	}
}

var _ = Describe("Collection", func() {
	var (
		conf cache.Config
		mem  *store.Memory
		c    *cache.Cache
		coll *Collection
	)
	BeforeEach(func() {
		conf = cache.DefaultConfig()
		conf.WriteImmediately = false
		mem = store.NewMemory()
	})
	JustBeforeEach(func() {
		l := log.NewLogger(log.DebugLevel, GinkgoWriter)
		c = cache.New(l, conf)
		coll = NewCollection(l, c, mem, 0)
	})
	AfterEach(func() {
		Expect(c.CheckIntegrity()).To(Succeed())
		c.Close()
	})
	Stored := func(key string) Item {
		data, err := mem.Load(context.Background(), key)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		flags, data, err := decodeDocument(data)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		return Item{Key: key, Flags: flags, Data: data}
	}

	It("get of unknown key", func() {
		items, err := coll.Get("nope")
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(BeEmpty())
		Expect(coll.Dirty("nope")).To(BeFalse())
	})

	It("absent keys are not registered", func() {
		for i := 0; i < 10; i++ {
			key := fmt.Sprintf("absent_%v", i)
			items, err := coll.Get(key)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(BeEmpty())
			deleted, err := coll.Delete(key)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeFalse())
		}
		Expect(coll.Len()).To(BeZero())
		Expect(c.Stats().Resident).To(BeZero())

		it := testItem(0)
		Expect(mem.Save(context.Background(), it.Key, encodeDocument(it.Flags, it.Data))).To(Succeed())
		_, err := coll.Get(it.Key)
		Expect(err).NotTo(HaveOccurred())
		Expect(coll.Len()).To(Equal(1))
	})

	It("total size follows document growth", func() {
		const dataSize = 1 << 20
		for i := 0; i < 4; i++ {
			it := testItem(i)
			it.Data = RandBytes(dataSize)
			Expect(coll.Set(it)).To(Succeed())
		}
		count, size := c.Status()
		Expect(count).To(BeEquivalentTo(4))
		Expect(size).To(BeNumerically(">", 4*dataSize))
		Expect(c.Stats().Size).To(Equal(size))

		Expect(coll.Set(Item{Key: testItem(0).Key, Data: []byte("x")})).To(Succeed())
		_, size = c.Status()
		Expect(size).To(BeNumerically("<", 4*dataSize))
		Expect(c.Stats().Size).To(Equal(size))
	})

	It("set then get", func() {
		it := testItem(0)
		Expect(coll.Set(it)).To(Succeed())
		items, err := coll.Get(it.Key, "missing", it.Key)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(Equal([]Item{it, it}))
	})

	It("set is written on flush", func() {
		it := testItem(0)
		Expect(coll.Set(it)).To(Succeed())
		Expect(coll.Dirty(it.Key)).To(BeTrue())
		Expect(mem.Len()).To(BeZero())

		c.Flush()
		Expect(coll.Dirty(it.Key)).To(BeFalse())
		Expect(Stored(it.Key)).To(Equal(it))
		Expect(c.Stats().Writes).To(BeEquivalentTo(1))
	})

	It("repeated sets are written once", func() {
		it := testItem(0)
		for i := 0; i < 3; i++ {
			it.Flags = uint32(i)
			Expect(coll.Set(it)).To(Succeed())
		}
		c.Flush()
		Expect(Stored(it.Key)).To(Equal(it))
		Expect(c.Stats().Writes).To(BeEquivalentTo(1))
	})

	It("loads stored document", func() {
		it := testItem(1)
		Expect(mem.Save(context.Background(), it.Key, encodeDocument(it.Flags, it.Data))).To(Succeed())
		items, err := coll.Get(it.Key)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(Equal([]Item{it}))
		Expect(c.Stats().Reads).To(BeEquivalentTo(1))
	})

	It("delete", func() {
		it := testItem(0)
		Expect(coll.Set(it)).To(Succeed())
		c.Flush()

		deleted, err := coll.Delete(it.Key)
		Expect(err).NotTo(HaveOccurred())
		Expect(deleted).To(BeTrue())
		items, err := coll.Get(it.Key)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(BeEmpty())

		c.Flush()
		_, err = mem.Load(context.Background(), it.Key)
		Expect(err).To(Equal(store.ErrNotFound))

		deleted, err = coll.Delete(it.Key)
		Expect(err).NotTo(HaveOccurred())
		Expect(deleted).To(BeFalse())
		Expect(coll.Dirty(it.Key)).To(BeFalse())
	})

	It("clear dirty drops changes", func() {
		it := testItem(0)
		Expect(coll.Set(it)).To(Succeed())
		c.ClearDirty()
		c.Flush()
		Expect(mem.Len()).To(BeZero())
		Expect(c.Stats().Writes).To(BeZero())
	})

	Context("bounded", func() {
		const n = 10
		BeforeEach(func() {
			conf.Maximum = 3
		})
		It("evicted documents are written and reloaded", func() {
			var items []Item
			for i := 0; i < n; i++ {
				it := testItem(i)
				items = append(items, it)
				Expect(coll.Set(it)).To(Succeed())
			}
			c.Flush()
			Expect(c.Stats().Resident).To(BeNumerically("<=", 3))
			Expect(mem.Len()).To(Equal(n))
			for _, it := range items {
				Expect(Stored(it.Key)).To(Equal(it))
			}

			c.Clear()
			for _, it := range items {
				got, err := coll.Get(it.Key)
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(Equal([]Item{it}))
			}
		})
	})

	Context("store failures", func() {
		var ms *mockStore
		JustBeforeEach(func() {
			ms = &mockStore{}
			coll = NewCollection(log.NewLogger(log.DebugLevel, GinkgoWriter), c, ms, 0)
		})
		AfterEach(func() {
			ms.AssertExpectations(GinkgoT())
		})

		It("load error", func() {
			loadErr := errors.New("store is down")
			ms.On("Load", "key").Return(nil, loadErr)
			_, err := coll.Get("key")
			var le *cache.LoadError
			Expect(errors.As(err, &le)).To(BeTrue())
			Expect(errors.Is(err, loadErr)).To(BeTrue())
			Expect(c.Stats().Resident).To(BeZero())
		})

		It("corrupted document", func() {
			ms.On("Load", "key").Return([]byte{1, 2}, nil)
			err := coll.Set(Item{Key: "key"})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring(ErrCorruptedDocument.Error()))
		})

		It("failed write is retried on next change", func() {
			ms.On("Load", "key").Return(nil, store.ErrNotFound)
			ms.On("Save", "key", mock.Anything).Return(errors.New("disk full")).Once()
			ms.On("Save", "key", encodeDocument(2, []byte("b"))).Return(nil).Once()

			Expect(coll.Set(Item{Key: "key", Flags: 1, Data: []byte("a")})).To(Succeed())
			c.Flush()
			Expect(c.Stats().Writes).To(BeZero())

			Expect(coll.Set(Item{Key: "key", Flags: 2, Data: []byte("b")})).To(Succeed())
			c.Flush()
			Expect(c.Stats().Writes).To(BeEquivalentTo(1))
		})
	})
})

var _ = Describe("Document", func() {
	It("size includes key and data", func() {
		d := newDocument("key", store.NewMemory(), 0)
		empty := d.Size()
		d.set(0, make([]byte, 100))
		Expect(d.Size()).To(Equal(empty + 100))
		Expect(empty).To(BeEquivalentTo(documentOverhead + 3))
	})

	It("delete of absent document", func() {
		d := newDocument("key", store.NewMemory(), 0)
		Expect(d.delete()).To(BeFalse())
		Expect(d.Unsaved()).To(BeZero())
	})

	It("encoding", func() {
		flags, data, err := decodeDocument(encodeDocument(7, []byte("data")))
		Expect(err).NotTo(HaveOccurred())
		Expect(flags).To(BeEquivalentTo(7))
		Expect(data).To(Equal([]byte("data")))

		_, _, err = decodeDocument([]byte{0})
		Expect(err).To(HaveOccurred())
	})

	It("flush of tombstone deletes", func() {
		mem := store.NewMemory()
		Expect(mem.Save(context.Background(), "key", encodeDocument(0, nil))).To(Succeed())
		d := newDocument("key", mem, 0)
		Expect(d.load()).To(Succeed())
		Expect(d.delete()).To(BeTrue())
		Expect(d.Unsaved()).To(Equal(1))
		d.mu.Lock()
		Expect(d.Flush()).To(Succeed())
		d.mu.Unlock()
		Expect(d.Unsaved()).To(BeZero())
		Expect(mem.Len()).To(BeZero())
	})
})
