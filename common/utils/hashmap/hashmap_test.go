package hashmap_test

import (
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/jupyter-kernel-client/common/utils/hashmap"
)

var _ = Describe("CornelkMap", func() {
	It("should store and load entries keyed by request ID", func() {
		m := hashmap.NewCornelkMap[string, int](8)

		m.Store("req-1", 1)
		m.Store("req-2", 2)

		v, ok := m.Load("req-1")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(1))

		Expect(m.Len()).To(Equal(2))
	})

	It("should remove entries via LoadAndDelete exactly once", func() {
		m := hashmap.NewCornelkMap[string, string](8)
		m.Store("req-1", "pending")

		v, ok := m.LoadAndDelete("req-1")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("pending"))

		_, ok = m.LoadAndDelete("req-1")
		Expect(ok).To(BeFalse())
	})

	It("should support concurrent stores from multiple goroutines", func() {
		m := hashmap.NewCornelkMap[string, int](8)

		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				m.Store(fmt.Sprintf("req-%d", i), i)
			}(i)
		}
		wg.Wait()

		Expect(m.Len()).To(Equal(32))
	})
})

var _ = Describe("ConcurrentMap", func() {
	It("should iterate over all stored entries", func() {
		m := hashmap.NewConcurrentMap[int](4)
		m.Store("kernel-a", 1)
		m.Store("kernel-b", 2)
		m.Store("kernel-c", 3)

		seen := make(map[string]int)
		m.Range(func(k string, v int) bool {
			seen[k] = v
			return true
		})

		Expect(seen).To(HaveLen(3))
		Expect(seen["kernel-b"]).To(Equal(2))
	})

	It("should only swap when the expected value matches", func() {
		m := hashmap.NewConcurrentMap[string](4)
		m.Store("kernel-a", "running")

		_, swapped := m.CompareAndSwap("kernel-a", "dead", "restarting")
		Expect(swapped).To(BeFalse())

		v, swapped := m.CompareAndSwap("kernel-a", "running", "restarting")
		Expect(swapped).To(BeTrue())
		Expect(v).To(Equal("restarting"))
	})
})

var _ = Describe("SyncMap", func() {
	It("should LoadOrStore atomically", func() {
		m := hashmap.NewSyncMap[string, int]()

		actual, loaded := m.LoadOrStore("hb", 1)
		Expect(loaded).To(BeFalse())
		Expect(actual).To(Equal(1))

		actual, loaded = m.LoadOrStore("hb", 2)
		Expect(loaded).To(BeTrue())
		Expect(actual).To(Equal(1))
	})
})
