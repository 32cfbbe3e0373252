package scheduling

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/shopspring/decimal"

	"github.com/bashirmohd/bigdataexpress-C/common/bandwidth"
	"github.com/bashirmohd/bigdataexpress-C/common/catalog"
	"github.com/bashirmohd/bigdataexpress-C/common/jobs"
	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

// Dispatcher hands a scheduled block to the transfer agents. Dispatch must not block on transport I/O.
type Dispatcher interface {
	Dispatch(assignment *jobs.Assignment)
}

// Candidate is a DTN that can serve both ends of a transfer, together with its utilization at ranking time.
type Candidate struct {
	DTN         *catalog.DTN
	Utilization decimal.Decimal
}

// Scheduler assigns the pending blocks of a job to DTNs with enough spare bandwidth.
//
// Scheduling is greedy: blocks are placed one at a time in byte order, each on the least utilized DTN on which
// every reservation succeeds, and a placed block is never moved.
type Scheduler struct {
	log logger.Logger

	catalog    *catalog.Catalog
	ledger     *bandwidth.Ledger
	machine    *jobs.Machine
	dispatcher Dispatcher

	// blockRate, if non-zero, is the bandwidth reserved for every block. Otherwise a block reserves its length.
	blockRate decimal.Decimal
}

// NewScheduler creates a new Scheduler and returns a pointer to it.
func NewScheduler(c *catalog.Catalog, ledger *bandwidth.Ledger, machine *jobs.Machine, dispatcher Dispatcher,
	blockRate decimal.Decimal) *Scheduler {

	scheduler := &Scheduler{
		catalog:    c,
		ledger:     ledger,
		machine:    machine,
		dispatcher: dispatcher,
		blockRate:  blockRate,
	}

	config.InitLogger(&scheduler.log, scheduler)

	return scheduler
}

// Rank returns the DTNs linked to both storages, least utilized first. Ties are broken by DTN id.
func (s *Scheduler) Rank(source string, destination string) ([]Candidate, error) {
	sourceDTNs, err := s.catalog.CandidateDTNs(source)
	if err != nil {
		return nil, err
	}

	destinationDTNs, err := s.catalog.CandidateDTNs(destination)
	if err != nil {
		return nil, err
	}

	linked := make(map[string]struct{}, len(destinationDTNs))
	for _, dtn := range destinationDTNs {
		linked[dtn.Id] = struct{}{}
	}

	candidates := make([]Candidate, 0, len(sourceDTNs))
	for _, dtn := range sourceDTNs {
		if _, ok := linked[dtn.Id]; !ok {
			continue
		}

		utilization, err := s.ledger.Utilization(dtn.Id)
		if err != nil {
			// Deregistered since the catalog was consulted.
			s.log.Debug("Skipping candidate DTN %s: %v", dtn.Id, err)
			continue
		}

		candidates = append(candidates, Candidate{DTN: dtn, Utilization: utilization})
	}

	slices.SortStableFunc(candidates, func(a, b Candidate) int {
		if c := a.Utilization.Cmp(b.Utilization); c != 0 {
			return c
		}

		return strings.Compare(a.DTN.Id, b.DTN.Id)
	})

	return candidates, nil
}

// amount returns the bandwidth to reserve for the block.
func (s *Scheduler) amount(block *jobs.Block) decimal.Decimal {
	if !s.blockRate.IsZero() {
		return s.blockRate
	}

	return decimal.NewFromInt(int64(block.Length))
}

// ScheduleNext attempts to assign every pending block of the job and returns the assignments that were made.
//
// Blocks that no candidate can currently accommodate stay pending, and ScheduleNext returns the assignments
// that were made together with an error wrapping types.ErrNoFeasiblePlan. If no DTN links the job's storages,
// the block's SubJob (and with it the job) is failed and an error wrapping types.ErrNoRoute is returned.
func (s *Scheduler) ScheduleNext(ctx context.Context, job *jobs.RawJob) ([]*jobs.Assignment, error) {
	tree, ok := s.machine.Table().Get(job.Id)
	if !ok {
		return nil, fmt.Errorf("%w: job %s", types.ErrNotFound, job.Id)
	}

	pending := tree.PendingBlocks()
	if len(pending) == 0 {
		return nil, nil
	}

	var (
		assignments = make([]*jobs.Assignment, 0, len(pending))
		deferred    = 0
	)

	for _, block := range pending {
		if err := ctx.Err(); err != nil {
			return assignments, err
		}

		assignment, err := s.place(job, block)
		switch {
		case err == nil:
			assignments = append(assignments, assignment)
		case errors.Is(err, types.ErrNoRoute):
			if _, failErr := s.machine.FailRoute(job.Id, block.SubJob, err); failErr != nil {
				s.log.Error("Failed to fail sub-job %s of job %s: %v", block.SubJob, job.Id, failErr)
			}
			return assignments, err
		case errors.Is(err, types.ErrNoFeasiblePlan):
			deferred += 1
		case errors.Is(err, types.ErrIllegalTransition):
			// The block was cancelled while it was being placed.
			s.log.Debug("Block %s left the pending state during placement: %v", block.Id, err)
		default:
			return assignments, err
		}
	}

	if deferred > 0 {
		s.log.Debug("Deferred %d of %d pending block(s) of job %s.", deferred, len(pending), job.Id)
		return assignments, fmt.Errorf("%w: %d block(s) of job %s deferred", types.ErrNoFeasiblePlan, deferred, job.Id)
	}

	return assignments, nil
}

// place assigns a single block to the first ranked candidate on which all of its reservations succeed.
func (s *Scheduler) place(job *jobs.RawJob, block *jobs.Block) (*jobs.Assignment, error) {
	candidates, err := s.Rank(job.Source, job.Destination)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s -> %s", types.ErrNoRoute, job.Source, job.Destination)
	}

	amount := s.amount(block)
	for _, candidate := range candidates {
		dtn := candidate.DTN.Id

		a := newAttempt(s.ledger, block.Id, amount)
		err = a.run(
			claim{entityId: job.Source, direction: bandwidth.Write},
			claim{entityId: job.Destination, direction: bandwidth.Read},
			claim{entityId: dtn, direction: bandwidth.In},
			claim{entityId: dtn, direction: bandwidth.Out},
		)

		if err != nil {
			s.log.Debug("Cannot place block %s on %s: %v", block.Id, dtn, err)
			continue
		}

		assignment := &jobs.Assignment{
			JobId:              job.Id,
			SubJobId:           block.SubJob,
			BlockId:            block.Id,
			SourceStorage:      job.Source,
			DestinationStorage: job.Destination,
			DTN:                dtn,
			Offset:             block.Offset,
			Length:             block.Length,
			Amount:             amount,
		}

		if _, err = s.machine.Schedule(assignment, a.handles()); err != nil {
			if abortErr := a.abort(); abortErr != nil {
				// Already released by whoever moved the block out of the pending state.
				s.log.Debug("Reservations of block %s were already released: %v", block.Id, abortErr)
			}
			return nil, err
		}

		s.log.Debug("Scheduled block %s of job %s on %s (%s).", block.Id, job.Id, dtn, amount.String())
		s.dispatcher.Dispatch(assignment)

		return assignment, nil
	}

	return nil, fmt.Errorf("%w: block %s", types.ErrNoFeasiblePlan, block.Id)
}

// Restore re-acquires the reservations recorded for a block recovered from persistent storage.
func (s *Scheduler) Restore(block *jobs.Block) ([]string, error) {
	if block.Assignment == nil {
		return nil, fmt.Errorf("%w: block %s has no assignment", types.ErrNotFound, block.Id)
	}

	assignment := block.Assignment
	a := newAttempt(s.ledger, block.Id, assignment.Amount)
	err := a.run(
		claim{entityId: assignment.SourceStorage, direction: bandwidth.Write},
		claim{entityId: assignment.DestinationStorage, direction: bandwidth.Read},
		claim{entityId: assignment.DTN, direction: bandwidth.In},
		claim{entityId: assignment.DTN, direction: bandwidth.Out},
	)

	if err != nil {
		return nil, err
	}

	return a.handles(), nil
}
