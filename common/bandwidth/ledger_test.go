package bandwidth_test

import (
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/bashirmohd/bigdataexpress-C/common/bandwidth"
	"github.com/bashirmohd/bigdataexpress-C/common/catalog"
	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

var _ = Describe("Ledger", func() {
	var (
		c      *catalog.Catalog
		ledger *bandwidth.Ledger
	)

	BeforeEach(func() {
		c = catalog.New()
		ledger = bandwidth.NewLedger(c)

		storage, err := catalog.NewStorage("s-bde3", "storage-local-bde3", catalog.LocalStorage,
			5000, 2000, 100000, 800000)
		Expect(err).To(BeNil())
		Expect(c.RegisterStorage(storage)).To(Succeed())

		dtn, err := catalog.NewDTN("", "bde3.fnal.gov", 10000, 10000, 0, 0)
		Expect(err).To(BeNil())
		Expect(c.RegisterDTN(dtn)).To(Succeed())
		Expect(c.Link("s-bde3", "bde3.fnal.gov")).To(Succeed())
	})

	It("will use the registered usage as the baseline", func() {
		usage, err := ledger.Usage("s-bde3")
		Expect(err).To(BeNil())
		Expect(usage.Used[bandwidth.Write].Equal(dec(2000))).To(BeTrue())
		Expect(usage.Available(bandwidth.Write).Equal(dec(798000))).To(BeTrue())
		Expect(usage.ActiveReservations).To(Equal(0))
	})

	It("will grant reservations until the capacity is exhausted", func() {
		first, err := ledger.TryReserve("s-bde3", bandwidth.Write, dec(250000), "b1")
		Expect(err).To(BeNil())
		Expect(first).ToNot(BeNil())

		usage, _ := ledger.Usage("s-bde3")
		Expect(usage.Used[bandwidth.Write].Equal(dec(252000))).To(BeTrue())

		second, err := ledger.TryReserve("s-bde3", bandwidth.Write, dec(250000), "b2")
		Expect(err).To(BeNil())
		Expect(second).ToNot(BeNil())

		usage, _ = ledger.Usage("s-bde3")
		Expect(usage.Used[bandwidth.Write].Equal(dec(502000))).To(BeTrue())

		third, err := ledger.TryReserve("s-bde3", bandwidth.Write, dec(600000), "b3")
		Expect(third).To(BeNil())
		Expect(errors.Is(err, types.ErrInsufficientCapacity)).To(BeTrue())

		var capacityErr *types.InsufficientCapacityError
		Expect(errors.As(err, &capacityErr)).To(BeTrue())
		Expect(capacityErr.Available().Equal(dec(298000))).To(BeTrue())

		usage, _ = ledger.Usage("s-bde3")
		Expect(usage.Used[bandwidth.Write].Equal(dec(502000))).To(BeTrue())
		Expect(usage.ActiveReservations).To(Equal(2))
	})

	It("will allow a reservation that exactly fills the remaining capacity", func() {
		_, err := ledger.TryReserve("bde3.fnal.gov", bandwidth.In, dec(10000), "b1")
		Expect(err).To(BeNil())

		_, err = ledger.TryReserve("bde3.fnal.gov", bandwidth.In, dec(1), "b2")
		Expect(errors.Is(err, types.ErrInsufficientCapacity)).To(BeTrue())

		utilization, err := ledger.Utilization("bde3.fnal.gov")
		Expect(err).To(BeNil())
		Expect(utilization.Equal(decimal.NewFromFloat(0.5))).To(BeTrue())
	})

	It("will reject directions that do not apply to the entity", func() {
		_, err := ledger.TryReserve("s-bde3", bandwidth.In, dec(1), "b1")
		Expect(errors.Is(err, bandwidth.ErrInvalidDirection)).To(BeTrue())

		_, err = ledger.TryReserve("bde3.fnal.gov", bandwidth.Read, dec(1), "b1")
		Expect(errors.Is(err, bandwidth.ErrInvalidDirection)).To(BeTrue())

		_, err = ledger.TryReserve("s-bde3", bandwidth.Read, dec(-1), "b1")
		Expect(errors.Is(err, bandwidth.ErrNegativeAmount)).To(BeTrue())

		_, err = ledger.TryReserve("unknown", bandwidth.Read, dec(1), "b1")
		Expect(errors.Is(err, types.ErrNotFound)).To(BeTrue())
	})

	It("will release a handle exactly once", func() {
		reservation, err := ledger.TryReserve("s-bde3", bandwidth.Read, dec(1000), "b1")
		Expect(err).To(BeNil())

		released := make([]*bandwidth.Reservation, 0, 1)
		ledger.OnRelease(func(r *bandwidth.Reservation) {
			released = append(released, r)
		})

		Expect(ledger.Release(reservation)).To(Succeed())
		Expect(released).To(HaveLen(1))

		err = ledger.Release(reservation)
		Expect(errors.Is(err, types.ErrInvalidHandle)).To(BeTrue())
		Expect(released).To(HaveLen(1))

		usage, _ := ledger.Usage("s-bde3")
		Expect(usage.Used[bandwidth.Read].Equal(dec(5000))).To(BeTrue())
	})

	It("will release each handle exactly once under concurrent releases", func() {
		reservation, err := ledger.TryReserve("s-bde3", bandwidth.Read, dec(1000), "b1")
		Expect(err).To(BeNil())

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ledger.Release(reservation) == nil {
					mu.Lock()
					successes += 1
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		Expect(successes).To(Equal(1))
		usage, _ := ledger.Usage("s-bde3")
		Expect(usage.Used[bandwidth.Read].Equal(dec(5000))).To(BeTrue())
	})

	It("will roll back a handle without notifying release handlers", func() {
		reservation, err := ledger.TryReserve("bde3.fnal.gov", bandwidth.In, dec(4000), "b1")
		Expect(err).To(BeNil())

		released := 0
		ledger.OnRelease(func(_ *bandwidth.Reservation) {
			released += 1
		})

		Expect(ledger.Rollback(reservation)).To(Succeed())
		Expect(released).To(Equal(0))

		usage, _ := ledger.Usage("bde3.fnal.gov")
		Expect(usage.Used[bandwidth.In].IsZero()).To(BeTrue())
		Expect(usage.ActiveReservations).To(Equal(0))

		err = ledger.Rollback(reservation)
		Expect(errors.Is(err, types.ErrInvalidHandle)).To(BeTrue())
		err = ledger.Release(reservation)
		Expect(errors.Is(err, types.ErrInvalidHandle)).To(BeTrue())
		Expect(released).To(Equal(0))
	})

	It("will report usage to the observer in the order it changed", func() {
		observer := &usageRecorder{}
		ledger.SetObserver(observer)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					r, err := ledger.TryReserve("bde3.fnal.gov", bandwidth.Out, dec(100), "b")
					if err != nil {
						continue
					}
					if j%2 == 0 {
						_ = ledger.Release(r)
					} else {
						_ = ledger.Rollback(r)
					}
				}
			}()
		}

		// One reservation stays outstanding so that the final value is not the zero value.
		held, err := ledger.TryReserve("bde3.fnal.gov", bandwidth.Out, dec(700), "held")
		Expect(err).To(BeNil())
		Expect(held).ToNot(BeNil())
		wg.Wait()

		usage, _ := ledger.Usage("bde3.fnal.gov")
		Expect(usage.Used[bandwidth.Out].Equal(dec(700))).To(BeTrue())

		last, reservations := observer.snapshot("bde3.fnal.gov", bandwidth.Out)
		Expect(last.Equal(usage.Used[bandwidth.Out])).To(BeTrue())
		Expect(reservations).To(BeNumerically(">", 0))
	})

	It("will never exceed the maximum under concurrent reservations", func() {
		var (
			wg      sync.WaitGroup
			granted = make(chan *bandwidth.Reservation, 64)
		)

		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if r, err := ledger.TryReserve("bde3.fnal.gov", bandwidth.Out, dec(300), "b"); err == nil {
					granted <- r
				}
			}()
		}
		wg.Wait()
		close(granted)

		// floor(10000 / 300) = 33
		Expect(granted).To(HaveLen(33))

		usage, _ := ledger.Usage("bde3.fnal.gov")
		Expect(usage.Used[bandwidth.Out].Equal(dec(9900))).To(BeTrue())

		for r := range granted {
			Expect(ledger.Release(r)).To(Succeed())
		}

		usage, _ = ledger.Usage("bde3.fnal.gov")
		Expect(usage.Used[bandwidth.Out].IsZero()).To(BeTrue())
		Expect(ledger.NumReservations()).To(Equal(0))
	})

	It("will release all reservations of a holder", func() {
		_, err := ledger.TryReserve("s-bde3", bandwidth.Write, dec(100), "b1")
		Expect(err).To(BeNil())
		_, err = ledger.TryReserve("bde3.fnal.gov", bandwidth.In, dec(100), "b1")
		Expect(err).To(BeNil())
		_, err = ledger.TryReserve("bde3.fnal.gov", bandwidth.In, dec(100), "b2")
		Expect(err).To(BeNil())

		Expect(ledger.Holdings("b1")).To(HaveLen(2))
		Expect(ledger.LinkInUse("s-bde3", "bde3.fnal.gov")).To(BeTrue())

		Expect(ledger.ReleaseHolder("b1")).To(Equal(2))
		Expect(ledger.ReleaseHolder("b1")).To(Equal(0))
		Expect(ledger.Holdings("b1")).To(BeEmpty())
		Expect(ledger.LinkInUse("s-bde3", "bde3.fnal.gov")).To(BeFalse())
		Expect(ledger.ActiveReservations("bde3.fnal.gov")).To(Equal(1))
	})

	Context("Deregistration", func() {
		It("will block deregistration of an entity with active reservations", func() {
			reservation, err := ledger.TryReserve("bde3.fnal.gov", bandwidth.In, dec(100), "b1")
			Expect(err).To(BeNil())

			err = c.DeregisterDTN("bde3.fnal.gov")
			Expect(errors.Is(err, types.ErrInUse)).To(BeTrue())

			err = c.Unlink("s-bde3", "bde3.fnal.gov")
			Expect(err).To(BeNil())

			Expect(ledger.Release(reservation)).To(Succeed())
			Expect(c.DeregisterDTN("bde3.fnal.gov")).To(Succeed())

			_, err = ledger.TryReserve("bde3.fnal.gov", bandwidth.In, dec(100), "b2")
			Expect(errors.Is(err, types.ErrNotFound)).To(BeTrue())
		})

		It("will refuse to unlink a pair that some block holds", func() {
			_, err := ledger.TryReserve("s-bde3", bandwidth.Write, dec(100), "b1")
			Expect(err).To(BeNil())
			_, err = ledger.TryReserve("bde3.fnal.gov", bandwidth.In, dec(100), "b1")
			Expect(err).To(BeNil())

			err = c.Unlink("s-bde3", "bde3.fnal.gov")
			Expect(errors.Is(err, types.ErrInUse)).To(BeTrue())
		})
	})
})

// usageRecorder remembers the last usage observed for each entity and direction.
type usageRecorder struct {
	mu           sync.Mutex
	last         map[string]decimal.Decimal
	reservations int
}

func (r *usageRecorder) ObserveUsage(entityId string, direction bandwidth.Direction, used decimal.Decimal, _ decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.last == nil {
		r.last = make(map[string]decimal.Decimal)
	}
	r.last[entityId+"/"+direction.String()] = used
}

func (r *usageRecorder) ObserveReservation(reserved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reserved {
		r.reservations += 1
	}
}

func (r *usageRecorder) snapshot(entityId string, direction bandwidth.Direction) (decimal.Decimal, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.last[entityId+"/"+direction.String()], r.reservations
}
