package scheduling

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/bashirmohd/bigdataexpress-C/common/bandwidth"
)

// claim is a single reservation requested by an attempt.
type claim struct {
	entityId  string
	direction bandwidth.Direction
}

// attempt reserves a block's bandwidth on a single candidate route, all or nothing.
type attempt struct {
	ledger *bandwidth.Ledger
	holder string
	amount decimal.Decimal

	held []*bandwidth.Reservation
}

func newAttempt(ledger *bandwidth.Ledger, holder string, amount decimal.Decimal) *attempt {
	return &attempt{
		ledger: ledger,
		holder: holder,
		amount: amount,
		held:   make([]*bandwidth.Reservation, 0, 4),
	}
}

// run reserves every claim in order. If any reservation is denied, the reservations already acquired by the
// attempt are released and the denial is returned.
func (a *attempt) run(claims ...claim) error {
	for _, c := range claims {
		reservation, err := a.ledger.TryReserve(c.entityId, c.direction, a.amount, a.holder)
		if err != nil {
			return errors.Join(err, a.abort())
		}

		a.held = append(a.held, reservation)
	}

	return nil
}

// abort rolls back everything the attempt holds. The reservations were never visible to a block, so their
// return does not count as a capacity release.
func (a *attempt) abort() error {
	var errs []error
	for _, reservation := range a.held {
		if err := a.ledger.Rollback(reservation); err != nil {
			errs = append(errs, err)
		}
	}

	a.held = a.held[:0]
	return errors.Join(errs...)
}

// handles returns the ids of the reservations held by the attempt.
func (a *attempt) handles() []string {
	ids := make([]string, 0, len(a.held))
	for _, reservation := range a.held {
		ids = append(ids, reservation.Id)
	}

	return ids
}
