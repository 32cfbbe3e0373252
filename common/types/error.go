package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrConflict indicates that an entity with the same identifier has already been registered.
	ErrConflict = errors.New("entity already exists")

	// ErrNotFound indicates a reference to an unknown entity.
	ErrNotFound = errors.New("entity not found")

	// ErrInUse indicates that an entity or link cannot be removed because it still backs one or more
	// active bandwidth reservations.
	ErrInUse = errors.New("entity has active reservations")

	// ErrInsufficientCapacity indicates that a bandwidth reservation was denied.
	//
	// Reservation failures are normally reported as *InsufficientCapacityError, which matches
	// ErrInsufficientCapacity under errors.Is.
	ErrInsufficientCapacity = errors.New("insufficient bandwidth capacity")

	// ErrInvalidHandle indicates that a reservation handle was released more than once,
	// or was never issued by the ledger to begin with.
	ErrInvalidHandle = errors.New("invalid or already released reservation handle")

	// ErrNoRoute indicates that no DTN is linked to both the source and the destination storage of a job.
	ErrNoRoute = errors.New("no DTN links the source and destination storage")

	// ErrNoFeasiblePlan indicates that every candidate DTN was exhausted for at least one block.
	// It is retryable: capacity may be released before the next scheduling pass.
	ErrNoFeasiblePlan = errors.New("no feasible assignment with the currently available capacity")

	// ErrIllegalTransition indicates an event or action naming a state transition that is not legal
	// from the entity's current state.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrDisconnected indicates that the control channel has lost its connection to the broker.
	ErrDisconnected = errors.New("control channel disconnected")
)

// InsufficientCapacityError is returned when a reservation would push an entity's used bandwidth
// above its maximum in the requested direction.
type InsufficientCapacityError struct {
	EntityId  string
	Direction string
	Requested decimal.Decimal
	Used      decimal.Decimal
	Max       decimal.Decimal
}

// NewInsufficientCapacityError constructs a new InsufficientCapacityError and returns a pointer to it.
func NewInsufficientCapacityError(entityId string, direction string, requested, used, max decimal.Decimal) *InsufficientCapacityError {
	return &InsufficientCapacityError{
		EntityId:  entityId,
		Direction: direction,
		Requested: requested,
		Used:      used,
		Max:       max,
	}
}

// Available returns the remaining capacity at the time of the failed reservation.
func (e *InsufficientCapacityError) Available() decimal.Decimal {
	return e.Max.Sub(e.Used)
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("%s: entity %s (%s) requested %s, used %s of %s",
		ErrInsufficientCapacity.Error(), e.EntityId, e.Direction, e.Requested.String(), e.Used.String(), e.Max.String())
}

func (e *InsufficientCapacityError) Is(target error) bool {
	return target == ErrInsufficientCapacity
}

// IllegalTransitionError records the offending transition.
type IllegalTransitionError struct {
	Entity string
	Id     string
	From   string
	To     string
}

func NewIllegalTransitionError(entity, id, from, to string) *IllegalTransitionError {
	return &IllegalTransitionError{Entity: entity, Id: id, From: from, To: to}
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s: %s %s cannot move from \"%s\" to \"%s\"",
		ErrIllegalTransition.Error(), e.Entity, e.Id, e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
