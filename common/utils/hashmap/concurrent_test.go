package hashmap_test

import (
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bashirmohd/bigdataexpress-C/common/utils/hashmap"
)

var _ = Describe("ConcurrentMap", func() {
	var m *hashmap.ConcurrentMap[string, int]

	BeforeEach(func() {
		m = hashmap.NewConcurrentMap[int](8)
	})

	It("will store, load and delete values", func() {
		m.Store("a", 1)
		m.Store("b", 2)
		Expect(m.Len()).To(Equal(2))

		val, loaded := m.Load("a")
		Expect(loaded).To(BeTrue())
		Expect(val).To(Equal(1))

		m.Delete("a")
		_, loaded = m.Load("a")
		Expect(loaded).To(BeFalse())
		Expect(m.Len()).To(Equal(1))
		Expect(m.Keys()).To(ConsistOf("b"))
	})

	It("will only store a value with LoadOrStore if the key is absent", func() {
		actual, loaded := m.LoadOrStore("a", 1)
		Expect(loaded).To(BeFalse())
		Expect(actual).To(Equal(1))

		actual, loaded = m.LoadOrStore("a", 2)
		Expect(loaded).To(BeTrue())
		Expect(actual).To(Equal(1))
	})

	It("will report a successful LoadAndDelete to exactly one of several concurrent callers", func() {
		m.Store("handle", 42)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()

				if val, exists := m.LoadAndDelete("handle"); exists {
					Expect(val).To(Equal(42))
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		Expect(wins.Load()).To(Equal(int32(1)))
		Expect(m.Len()).To(Equal(0))
	})

	It("will stop ranging once the callback returns false", func() {
		for i, key := range []string{"a", "b", "c", "d"} {
			m.Store(key, i)
		}

		visited := 0
		m.Range(func(_ string, _ int) bool {
			visited += 1
			return visited < 2
		})

		Expect(visited).To(Equal(2))
	})
})
