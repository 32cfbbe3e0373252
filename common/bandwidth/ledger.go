package bandwidth

import (
	"fmt"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bashirmohd/bigdataexpress-C/common/catalog"
	"github.com/bashirmohd/bigdataexpress-C/common/types"
	"github.com/bashirmohd/bigdataexpress-C/common/utils/hashmap"
)

// Observer is notified whenever the used bandwidth of an entity changes.
//
// Observations are made while the entity's account is locked, so an Observer must not call back into the Ledger.
type Observer interface {
	ObserveUsage(entityId string, direction Direction, used decimal.Decimal, max decimal.Decimal)
	ObserveReservation(reserved bool)
}

// ReleaseHandler is invoked after a reservation has been released.
type ReleaseHandler func(reservation *Reservation)

// account is the owned, per-entity bandwidth state. All reads and writes of used, holds and retired
// happen under mu, so callers for the same entity are serialized while callers for different entities
// proceed independently.
type account struct {
	mu sync.Mutex

	id      string
	storage bool

	max  map[Direction]decimal.Decimal
	used map[Direction]decimal.Decimal

	// holds is the number of outstanding reservations against the entity.
	holds int

	// retired is set once the entity has been deregistered. A retired account rejects all reservations.
	retired bool
}

func newStorageAccount(s *catalog.Storage) *account {
	return &account{
		id:      s.Id,
		storage: true,
		max:     map[Direction]decimal.Decimal{Read: s.MaxReadBW, Write: s.MaxWriteBW},
		used:    map[Direction]decimal.Decimal{Read: s.UsedReadBW, Write: s.UsedWriteBW},
	}
}

func newDTNAccount(d *catalog.DTN) *account {
	return &account{
		id:   d.Id,
		max:  map[Direction]decimal.Decimal{In: d.BwIn, Out: d.BwOut},
		used: map[Direction]decimal.Decimal{In: d.UsedIn, Out: d.UsedOut},
	}
}

func (a *account) accepts(direction Direction) bool {
	if a.storage {
		return direction == Read || direction == Write
	}

	return direction == In || direction == Out
}

// snapshot is not thread-safe.
func (a *account) snapshot() Usage {
	usage := Usage{
		EntityId:           a.id,
		Used:               make(map[Direction]decimal.Decimal, len(a.used)),
		Max:                make(map[Direction]decimal.Decimal, len(a.max)),
		ActiveReservations: a.holds,
	}

	for direction, used := range a.used {
		usage.Used[direction] = used
		usage.Max[direction] = a.max[direction]
	}

	return usage
}

// Ledger is the authoritative tracker of used versus maximum bandwidth for every registered entity.
//
// There is no global lock. Each entity's state is guarded by its own mutex, and the outstanding
// reservation handles live in a sharded concurrent map so that removing a handle on release is atomic.
// Ledger implements catalog.UsageGuard.
type Ledger struct {
	log logger.Logger

	catalog *catalog.Catalog

	accounts     *hashmap.ConcurrentMap[string, *account]
	reservations *hashmap.ConcurrentMap[string, *Reservation]

	handlersMu sync.RWMutex
	handlers   []ReleaseHandler

	observer Observer
}

// NewLedger creates a new Ledger backed by the given catalog.Catalog, registers the Ledger as the
// catalog's UsageGuard, and returns a pointer to the Ledger.
func NewLedger(c *catalog.Catalog) *Ledger {
	ledger := &Ledger{
		catalog:      c,
		accounts:     hashmap.NewConcurrentMap[*account](32),
		reservations: hashmap.NewConcurrentMap[*Reservation](32),
	}

	config.InitLogger(&ledger.log, ledger)

	c.SetUsageGuard(ledger)

	return ledger
}

// SetObserver installs an Observer, typically a metrics manager.
func (l *Ledger) SetObserver(observer Observer) {
	l.observer = observer
}

// OnRelease registers a handler that is invoked (outside any ledger lock) after each successful release.
func (l *Ledger) OnRelease(handler ReleaseHandler) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()

	l.handlers = append(l.handlers, handler)
}

// account returns the account of the specified entity, creating it from the catalog record if necessary.
//
// Creation happens inside catalog.Catalog.View so that it cannot interleave with deregistration.
func (l *Ledger) account(entityId string) (*account, error) {
	if acct, loaded := l.accounts.Load(entityId); loaded {
		return acct, nil
	}

	var acct *account
	err := l.catalog.View(entityId, func(storage *catalog.Storage, dtn *catalog.DTN) error {
		var created *account
		if storage != nil {
			created = newStorageAccount(storage)
		} else {
			created = newDTNAccount(dtn)
		}

		acct, _ = l.accounts.LoadOrStore(entityId, created)
		return nil
	})

	if err != nil {
		return nil, err
	}

	return acct, nil
}

// TryReserve atomically checks that the specified entity has at least amount bandwidth available in the given
// direction and, if so, increments the entity's used bandwidth and returns a handle for the new reservation.
//
// If used + amount would exceed the entity's maximum, TryReserve returns a *types.InsufficientCapacityError and
// the entity's counters are left untouched.
func (l *Ledger) TryReserve(entityId string, direction Direction, amount decimal.Decimal, holder string) (*Reservation, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrNegativeAmount, amount.String())
	}

	acct, err := l.account(entityId)
	if err != nil {
		return nil, err
	}

	if !acct.accepts(direction) {
		return nil, fmt.Errorf("%w: %s (entity %s)", ErrInvalidDirection, direction, entityId)
	}

	acct.mu.Lock()

	if acct.retired {
		acct.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, entityId)
	}

	used, max := acct.used[direction], acct.max[direction]
	updated := used.Add(amount)
	if updated.GreaterThan(max) {
		if l.observer != nil {
			l.observer.ObserveReservation(false)
		}
		acct.mu.Unlock()

		l.log.Debug("Rejected reservation of %s %s bandwidth on %s for %s (used=%s, max=%s).",
			amount.String(), direction, entityId, holder, used.String(), max.String())

		return nil, types.NewInsufficientCapacityError(entityId, direction.String(), amount, used, max)
	}

	acct.used[direction] = updated
	acct.holds += 1

	reservation := &Reservation{
		Id:        uuid.NewString(),
		EntityId:  entityId,
		Direction: direction,
		Amount:    amount,
		Holder:    holder,
		CreatedAt: time.Now(),
	}

	// The handle is published before the account is unlocked so that Retire never observes zero holds
	// while a handle for the entity is in flight.
	l.reservations.Store(reservation.Id, reservation)

	// Usage is observed under the account lock so that observations of one entity arrive in the order in
	// which its counters changed.
	if l.observer != nil {
		l.observer.ObserveReservation(true)
		l.observer.ObserveUsage(entityId, direction, updated, max)
	}

	acct.mu.Unlock()

	l.log.Debug("Reserved %s %s bandwidth on %s for %s (used=%s, max=%s).",
		amount.String(), direction, entityId, holder, updated.String(), max.String())

	return reservation, nil
}

// Release decrements the used bandwidth of the reservation's entity by the reserved amount and notifies every
// registered ReleaseHandler.
//
// A handle can be released only once. Releasing it a second time returns types.ErrInvalidHandle and leaves
// the entity's counters unchanged.
func (l *Ledger) Release(reservation *Reservation) error {
	return l.release(reservation, true)
}

// Rollback undoes a reservation that was never handed to a block, such as one claim of an all-or-nothing
// attempt whose other claims failed. The counters change exactly as they do for Release, but release
// handlers are not notified: no capacity became available that was not already available before the
// attempt started.
//
// Like Release, Rollback of an already released handle returns types.ErrInvalidHandle.
func (l *Ledger) Rollback(reservation *Reservation) error {
	return l.release(reservation, false)
}

func (l *Ledger) release(reservation *Reservation, notify bool) error {
	if reservation == nil {
		return fmt.Errorf("%w: nil reservation", types.ErrInvalidHandle)
	}

	// LoadAndDelete is atomic: of any number of concurrent releases of the same handle, exactly one wins.
	stored, loaded := l.reservations.LoadAndDelete(reservation.Id)
	if !loaded {
		return fmt.Errorf("%w: %s", types.ErrInvalidHandle, reservation.Id)
	}

	acct, loaded := l.accounts.Load(stored.EntityId)
	if !loaded {
		// Accounts with outstanding handles cannot be retired, so this is a broken invariant.
		l.log.Error("No account found for entity %s while releasing %s.", stored.EntityId, stored.String())
		return fmt.Errorf("%w: %s", types.ErrNotFound, stored.EntityId)
	}

	acct.mu.Lock()
	used := acct.used[stored.Direction].Sub(stored.Amount)
	if used.IsNegative() {
		l.log.Error("Release of %s would make used bandwidth of %s negative (%s). Clamping to zero.",
			stored.String(), stored.EntityId, used.String())
		used = decimal.Zero
	}
	acct.used[stored.Direction] = used
	acct.holds -= 1
	max := acct.max[stored.Direction]

	if l.observer != nil {
		l.observer.ObserveUsage(stored.EntityId, stored.Direction, used, max)
	}
	acct.mu.Unlock()

	if !notify {
		l.log.Debug("Rolled back %s %s bandwidth on %s held by %s (used=%s, max=%s).",
			stored.Amount.String(), stored.Direction, stored.EntityId, stored.Holder, used.String(), max.String())
		return nil
	}

	l.log.Debug("Released %s %s bandwidth on %s held by %s (used=%s, max=%s).",
		stored.Amount.String(), stored.Direction, stored.EntityId, stored.Holder, used.String(), max.String())

	l.handlersMu.RLock()
	handlers := l.handlers
	l.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(stored)
	}

	return nil
}

// Holdings returns the outstanding reservations made on behalf of the specified holder.
func (l *Ledger) Holdings(holder string) []*Reservation {
	held := make([]*Reservation, 0, 4)
	l.reservations.Range(func(_ string, reservation *Reservation) bool {
		if reservation.Holder == holder {
			held = append(held, reservation)
		}
		return true
	})

	return held
}

// ReleaseHolder releases every outstanding reservation of the specified holder and returns how many were released.
//
// Handles concurrently released by another caller are skipped; each handle is still released exactly once.
func (l *Ledger) ReleaseHolder(holder string) int {
	released := 0
	for _, reservation := range l.Holdings(holder) {
		if err := l.Release(reservation); err != nil {
			l.log.Debug("Reservation %s of %s was already released: %v", reservation.Id, holder, err)
			continue
		}

		released += 1
	}

	return released
}

// Usage returns a snapshot of the specified entity's bandwidth.
func (l *Ledger) Usage(entityId string) (Usage, error) {
	acct, err := l.account(entityId)
	if err != nil {
		return Usage{}, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.retired {
		return Usage{}, fmt.Errorf("%w: %s", types.ErrNotFound, entityId)
	}

	return acct.snapshot(), nil
}

// Utilization returns the combined used fraction of the entity's capacity.
func (l *Ledger) Utilization(entityId string) (decimal.Decimal, error) {
	usage, err := l.Usage(entityId)
	if err != nil {
		return decimal.Zero, err
	}

	return usage.Utilization(), nil
}

// ActiveReservations returns the number of outstanding reservations against the specified entity.
func (l *Ledger) ActiveReservations(entityId string) int {
	acct, loaded := l.accounts.Load(entityId)
	if !loaded {
		return 0
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	return acct.holds
}

// NumReservations returns the total number of outstanding reservations.
func (l *Ledger) NumReservations() int {
	return l.reservations.Len()
}

// Retire marks the specified entity's account as retired if it has no outstanding reservations.
//
// Retire is called by the catalog.Catalog while it holds its write lock during deregistration.
func (l *Ledger) Retire(entityId string) error {
	acct, loaded := l.accounts.Load(entityId)
	if !loaded {
		return nil
	}

	acct.mu.Lock()
	if acct.holds > 0 {
		holds := acct.holds
		acct.mu.Unlock()
		return fmt.Errorf("%w: %s has %d active reservation(s)", types.ErrInUse, entityId, holds)
	}
	acct.retired = true
	acct.mu.Unlock()

	l.accounts.Delete(entityId)
	l.log.Debug("Retired bandwidth account of %s.", entityId)

	return nil
}

// LinkInUse returns true if some block holds reservations against both the storage and the DTN.
func (l *Ledger) LinkInUse(storageId string, dtnId string) bool {
	storageHolders := make(map[string]struct{})
	dtnHolders := make(map[string]struct{})

	l.reservations.Range(func(_ string, reservation *Reservation) bool {
		switch reservation.EntityId {
		case storageId:
			storageHolders[reservation.Holder] = struct{}{}
		case dtnId:
			dtnHolders[reservation.Holder] = struct{}{}
		}
		return true
	})

	for holder := range storageHolders {
		if _, ok := dtnHolders[holder]; ok {
			return true
		}
	}

	return false
}
