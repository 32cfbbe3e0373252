package bandwidth

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// Read and Write apply to storage endpoints.
	Read  Direction = "read"
	Write Direction = "write"

	// In and Out apply to DTNs.
	In  Direction = "in"
	Out Direction = "out"
)

var (
	ErrInvalidDirection = errors.New("direction does not apply to the entity")
	ErrNegativeAmount   = errors.New("reservation amount must be non-negative")
)

// Direction is the direction of the bandwidth being reserved.
type Direction string

func (d Direction) String() string {
	return string(d)
}

// StorageDirections are the directions tracked for a catalog.Storage.
var StorageDirections = []Direction{Read, Write}

// DTNDirections are the directions tracked for a catalog.DTN.
var DTNDirections = []Direction{In, Out}

// Reservation is a capacity hold against a single entity in a single direction.
//
// A Reservation is a handle: it is issued by Ledger.TryReserve and must be passed to Ledger.Release exactly once.
type Reservation struct {
	Id        string          `json:"id"`
	EntityId  string          `json:"entity_id"`
	Direction Direction       `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`

	// Holder is the ID of the block on whose behalf the reservation was made.
	Holder string `json:"holder"`

	CreatedAt time.Time `json:"created_at"`
}

func (r *Reservation) String() string {
	return fmt.Sprintf("Reservation[Id=%s,Entity=%s,Direction=%s,Amount=%s,Holder=%s]",
		r.Id, r.EntityId, r.Direction, r.Amount.String(), r.Holder)
}

// Usage is a point-in-time snapshot of an entity's bandwidth.
type Usage struct {
	EntityId string
	Used     map[Direction]decimal.Decimal
	Max      map[Direction]decimal.Decimal

	// ActiveReservations is the number of outstanding reservations against the entity.
	ActiveReservations int
}

// Available returns the remaining capacity in the given direction.
func (u Usage) Available(direction Direction) decimal.Decimal {
	return u.Max[direction].Sub(u.Used[direction])
}

// Utilization is the combined used bandwidth divided by the combined capacity, across all directions.
// An entity with no capacity at all is reported as fully utilized.
func (u Usage) Utilization() decimal.Decimal {
	used, max := decimal.Zero, decimal.Zero
	for direction, m := range u.Max {
		max = max.Add(m)
		used = used.Add(u.Used[direction])
	}

	if max.IsZero() {
		return decimal.NewFromInt(1)
	}

	return used.Div(max)
}
