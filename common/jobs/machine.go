package jobs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bashirmohd/bigdataexpress-C/common/control"
	"github.com/bashirmohd/bigdataexpress-C/common/decompose"
	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

const (
	// DefaultRetryLimit is the number of failed transfer attempts after which a block fails for good.
	DefaultRetryLimit = 2

	// DefaultDedupeCapacity is the number of recently applied event ids that are remembered.
	DefaultDedupeCapacity = 8192
)

var (
	ErrUnknownEventKind = errors.New("unknown event kind")
)

// Releaser releases every bandwidth reservation held on behalf of a block.
type Releaser interface {
	ReleaseHolder(holder string) int
}

// ChangeHandler is invoked, while the job's Tree is locked, after each operation that modified a record.
type ChangeHandler func(change *Change)

// Machine is the only component that changes the state of a RawJob, SubJob or Block.
//
// Every transition is validated against the legal transitions of the entity's current state. Events received
// from the control channel are deduplicated by event id, so that at-least-once delivery never applies an
// event twice.
type Machine struct {
	log logger.Logger

	table      *Table
	releaser   Releaser
	retryLimit int

	// seen holds the ids of recently applied events.
	seen *lru.Cache[string, struct{}]

	handlersMu sync.RWMutex
	handlers   []ChangeHandler
}

// NewMachine creates a new Machine and returns a pointer to it.
func NewMachine(releaser Releaser, retryLimit int, dedupeCapacity int) (*Machine, error) {
	if retryLimit <= 0 {
		retryLimit = DefaultRetryLimit
	}

	if dedupeCapacity <= 0 {
		dedupeCapacity = DefaultDedupeCapacity
	}

	seen, err := lru.New[string, struct{}](dedupeCapacity)
	if err != nil {
		return nil, err
	}

	machine := &Machine{
		table:      NewTable(),
		releaser:   releaser,
		retryLimit: retryLimit,
		seen:       seen,
	}

	config.InitLogger(&machine.log, machine)

	return machine, nil
}

// Table returns the Machine's job table.
func (m *Machine) Table() *Table {
	return m.table
}

// RetryLimit returns the number of failed attempts after which a block fails terminally.
func (m *Machine) RetryLimit() int {
	return m.retryLimit
}

// OnChange registers a handler that is notified of every modification.
func (m *Machine) OnChange(handler ChangeHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()

	m.handlers = append(m.handlers, handler)
}

func (m *Machine) tree(jobId string) (*Tree, error) {
	tree, ok := m.table.Get(jobId)
	if !ok {
		return nil, fmt.Errorf("%w: job %s", types.ErrNotFound, jobId)
	}

	return tree, nil
}

// mutate runs op with the tree locked and publishes the resulting change. A failed op may still have modified
// records, in which case the partial change is published as well.
func (m *Machine) mutate(jobId string, op func(tree *Tree, rec *recorder) error) (*Change, error) {
	tree, err := m.tree(jobId)
	if err != nil {
		return nil, err
	}

	tree.mu.Lock()
	defer tree.mu.Unlock()

	rec := tree.record()
	opErr := op(tree, rec)

	change := rec.change()
	if !change.IsEmpty() {
		m.handlersMu.RLock()
		for _, handler := range m.handlers {
			handler(change)
		}
		m.handlersMu.RUnlock()
	}

	return change, opErr
}

// Submit starts tracking a newly submitted RawJob.
func (m *Machine) Submit(job *RawJob) (*Change, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	if job.State != JobSubmitted {
		return nil, types.NewIllegalTransitionError("job", job.Id, string(job.State), string(JobSubmitted))
	}

	if err := m.table.add(newTree(job)); err != nil {
		return nil, err
	}

	m.log.Debug("Tracking new job %s.", job.String())

	return m.mutate(job.Id, func(tree *Tree, rec *recorder) error {
		rec.touchJob()
		return nil
	})
}

// Decompose moves a submitted job through decomposition into the scheduling state, creating its SubJobs and
// Blocks. A job with nothing to transfer completes immediately.
func (m *Machine) Decompose(jobId string, policy decompose.Policy) (*Change, error) {
	return m.mutate(jobId, func(tree *Tree, rec *recorder) error {
		if err := m.setJob(tree, rec, JobDecomposing, ""); err != nil {
			return err
		}

		plan, err := decompose.Decompose(tree.job, policy)
		if err != nil {
			m.log.Error("Failed to decompose job %s: %v", jobId, err)
			return errors.Join(err, m.setJob(tree, rec, JobFailed, err.Error()))
		}

		tree.populate(plan)
		for i := range tree.subJobs {
			rec.touchSubJob(i)
		}
		for _, sub := range tree.blocks {
			for _, block := range sub {
				rec.touchBlock(block)
			}
		}

		m.log.Debug("Decomposed job %s into %d sub-job(s) and %d block(s) using %s.",
			jobId, plan.Len(), plan.NumBlocks(), policy.String())

		if err = m.setJob(tree, rec, JobScheduling, ""); err != nil {
			return err
		}

		if plan.NumBlocks() > 0 {
			return nil
		}

		if err = m.setJob(tree, rec, JobRunning, ""); err != nil {
			return err
		}

		for i := range tree.subJobs {
			if err = m.setSubJob(tree, rec, i, SubJobActive, ""); err != nil {
				return err
			}
		}

		m.settle(tree, rec)
		return nil
	})
}

// Schedule records an assignment for a pending Block and marks the block scheduled. The Block's SubJob
// becomes active and the RawJob starts running, if they were not already.
func (m *Machine) Schedule(assignment *Assignment, reservations []string) (*Change, error) {
	return m.mutate(assignment.JobId, func(tree *Tree, rec *recorder) error {
		block, err := tree.block(assignment.BlockId)
		if err != nil {
			return err
		}

		if err = m.setBlock(tree, rec, block, BlockScheduled, ""); err != nil {
			return err
		}

		recorded := *assignment
		block.Assignment = &recorded
		block.Reservations = append([]string(nil), reservations...)

		i := tree.subJobOf(block.Id)
		sub := tree.subJobs[i]
		if sub.SourceDTN == "" {
			sub.SourceDTN = assignment.DTN
			sub.DestinationDTN = assignment.DTN
			rec.touchSubJob(i)
		}

		if sub.State == SubJobPending {
			if err = m.setSubJob(tree, rec, i, SubJobActive, ""); err != nil {
				return err
			}
		}

		if tree.job.State == JobScheduling {
			return m.setJob(tree, rec, JobRunning, "")
		}

		return nil
	})
}

// FailRoute fails the SubJob of a block for which no route exists, which in turn fails the RawJob.
func (m *Machine) FailRoute(jobId string, subJobId string, cause error) (*Change, error) {
	return m.mutate(jobId, func(tree *Tree, rec *recorder) error {
		i, err := tree.subJob(subJobId)
		if err != nil {
			return err
		}

		if err = m.setSubJob(tree, rec, i, SubJobFailed, cause.Error()); err != nil {
			return err
		}

		m.failJob(tree, rec, fmt.Sprintf("sub-job %s failed: %v", subJobId, cause))
		return nil
	})
}

// Cancel cancels every non-terminal Block and SubJob of the RawJob, releasing their reservations, and then
// the RawJob itself.
func (m *Machine) Cancel(jobId string, reason string) (*Change, error) {
	return m.mutate(jobId, func(tree *Tree, rec *recorder) error {
		return m.cancelJob(tree, rec, reason)
	})
}

// Apply applies an event received from the control channel.
//
// Events whose id has already been applied are ignored, in which case both return values are nil.
// Events that name an illegal transition return a *types.IllegalTransitionError and change nothing. Only the
// ids of applied events are remembered: an event rejected because it arrived before the entity reached the
// state it expects is applied if it is delivered again later.
func (m *Machine) Apply(event *control.Event) (*Change, error) {
	if found, _ := m.seen.ContainsOrAdd(event.EventId, struct{}{}); found {
		m.log.Debug("Ignoring duplicate %s.", event.String())
		return nil, nil
	}

	change, err := m.mutate(event.JobId, func(tree *Tree, rec *recorder) error {
		if event.Kind == control.KindCancel && event.BlockId == "" {
			return m.cancelJob(tree, rec, "cancelled by request")
		}

		block, err := tree.block(event.BlockId)
		if err != nil {
			return err
		}

		switch event.Kind {
		case control.KindDispatch:
			return m.setBlock(tree, rec, block, BlockInTransfer, "")
		case control.KindAck:
			if err = m.setBlock(tree, rec, block, BlockCompleted, ""); err != nil {
				return err
			}
			m.release(rec, block)
		case control.KindFail:
			return m.failBlock(tree, rec, block, reasonOf(event))
		case control.KindCancel:
			if err = m.setBlock(tree, rec, block, BlockCancelled, reasonOf(event)); err != nil {
				return err
			}
			m.release(rec, block)
		default:
			return fmt.Errorf("%w: %s", ErrUnknownEventKind, event.Kind)
		}

		m.settle(tree, rec)
		return nil
	})

	if err != nil && (errors.Is(err, types.ErrNotFound) || errors.Is(err, ErrUnknownEventKind) ||
		errors.Is(err, types.ErrIllegalTransition)) {
		// Nothing was applied, so a redelivery may legitimately be applied later.
		m.seen.Remove(event.EventId)
	}

	return change, err
}

// Restore starts tracking a job recovered from persistent storage, in whatever state it was persisted.
func (m *Machine) Restore(job *RawJob, subJobs []*SubJob, blocks []*Block) error {
	tree := newTree(job)
	if err := tree.restore(subJobs, blocks); err != nil {
		return err
	}

	return m.table.add(tree)
}

// Forget stops tracking a terminal job.
func (m *Machine) Forget(jobId string) error {
	tree, err := m.tree(jobId)
	if err != nil {
		return err
	}

	tree.mu.Lock()
	defer tree.mu.Unlock()

	if !tree.job.State.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", types.ErrInUse, jobId, tree.job.State)
	}

	m.table.remove(jobId)
	return nil
}

func reasonOf(event *control.Event) string {
	var payload struct {
		Reason string `json:"reason"`
	}

	if len(event.Payload) == 0 || event.Decode(&payload) != nil || payload.Reason == "" {
		return fmt.Sprintf("%s event %s", event.Kind, event.EventId)
	}

	return payload.Reason
}

// The methods below are not thread-safe; they are called with the tree's lock held.

func (m *Machine) setJob(tree *Tree, rec *recorder, to JobState, reason string) error {
	job := tree.job
	if !job.State.CanTransition(to) {
		return types.NewIllegalTransitionError("job", job.Id, string(job.State), string(to))
	}

	m.log.Debug("Job %s: %s -> %s.", job.Id, job.State, to)

	job.State = to
	if reason != "" {
		job.Error = reason
	}
	rec.touchJob()

	return nil
}

func (m *Machine) setSubJob(tree *Tree, rec *recorder, i int, to SubJobState, reason string) error {
	sub := tree.subJobs[i]
	if !sub.State.CanTransition(to) {
		return types.NewIllegalTransitionError("sub-job", sub.Id, string(sub.State), string(to))
	}

	m.log.Debug("SubJob %s: %s -> %s.", sub.Id, sub.State, to)

	sub.State = to
	if reason != "" {
		sub.Error = reason
	}
	rec.touchSubJob(i)

	return nil
}

func (m *Machine) setBlock(_ *Tree, rec *recorder, block *Block, to BlockState, reason string) error {
	if block.IsTerminal() || !block.State.CanTransition(to) {
		return types.NewIllegalTransitionError("block", block.Id, string(block.State), string(to))
	}

	m.log.Debug("Block %s: %s -> %s.", block.Id, block.State, to)

	block.State = to
	if reason != "" {
		block.Error = reason
	}
	rec.touchBlock(block)

	return nil
}

// release releases the block's reservations. The ledger guarantees that each is released at most once.
func (m *Machine) release(rec *recorder, block *Block) {
	if m.releaser != nil {
		rec.released += m.releaser.ReleaseHolder(block.Id)
	}

	if len(block.Reservations) > 0 {
		block.Reservations = nil
		rec.touchBlock(block)
	}
}

// failBlock fails an in-transfer block and either requeues it or, once its retries are exhausted, fails it
// terminally along with its SubJob and RawJob.
func (m *Machine) failBlock(tree *Tree, rec *recorder, block *Block, reason string) error {
	if err := m.setBlock(tree, rec, block, BlockFailed, reason); err != nil {
		return err
	}

	m.release(rec, block)
	block.Attempts += 1

	if block.Attempts < m.retryLimit {
		m.log.Warn("Transfer of block %s failed (attempt %d of %d): %s. Retrying.",
			block.Id, block.Attempts, m.retryLimit, reason)

		block.Assignment = nil
		return m.setBlock(tree, rec, block, BlockPending, "")
	}

	m.log.Error("Transfer of block %s failed %d time(s): %s. Giving up.", block.Id, block.Attempts, reason)
	block.Exhausted = true

	m.settle(tree, rec)
	return nil
}

// settle derives the state of every SubJob and of the RawJob from their children.
//
// A SubJob completes when all of its blocks completed and fails as soon as one of its blocks failed terminally.
// A SubJob whose blocks are all terminal, some of them cancelled, is cancelled. The RawJob is derived from its
// SubJobs in the same way.
func (m *Machine) settle(tree *Tree, rec *recorder) {
	for i, sub := range tree.subJobs {
		if sub.State.IsTerminal() {
			continue
		}

		var (
			blocks    = tree.blocks[i]
			completed = 0
			terminal  = 0
			failed    *Block
		)

		for _, block := range blocks {
			if block.State == BlockCompleted {
				completed += 1
			}
			if block.IsTerminal() {
				terminal += 1
			}
			if block.State == BlockFailed && block.Exhausted && failed == nil {
				failed = block
			}
		}

		switch {
		case failed != nil:
			m.transitionSubJob(tree, rec, i, SubJobFailed, fmt.Sprintf("block %s failed: %s", failed.Id, failed.Error))
		case completed == len(blocks) && sub.State == SubJobActive:
			m.transitionSubJob(tree, rec, i, SubJobCompleted, "")
		case terminal == len(blocks) && len(blocks) > 0:
			m.transitionSubJob(tree, rec, i, SubJobCancelled, "")
		}
	}

	if tree.job.State.IsTerminal() {
		return
	}

	completed, terminal := 0, 0
	for _, sub := range tree.subJobs {
		switch sub.State {
		case SubJobFailed:
			m.failJob(tree, rec, fmt.Sprintf("sub-job %s failed: %s", sub.Id, sub.Error))
			return
		case SubJobCompleted:
			completed += 1
		}

		if sub.State.IsTerminal() {
			terminal += 1
		}
	}

	switch {
	case completed == len(tree.subJobs):
		m.transitionJob(tree, rec, JobCompleted, "")
	case terminal == len(tree.subJobs):
		m.transitionJob(tree, rec, JobCancelled, "")
	}
}

func (m *Machine) transitionSubJob(tree *Tree, rec *recorder, i int, to SubJobState, reason string) {
	if err := m.setSubJob(tree, rec, i, to, reason); err != nil {
		m.log.Error("Failed to settle sub-job %s: %v", tree.subJobs[i].Id, err)
	}
}

func (m *Machine) transitionJob(tree *Tree, rec *recorder, to JobState, reason string) {
	if err := m.setJob(tree, rec, to, reason); err != nil {
		m.log.Error("Failed to settle job %s: %v", tree.job.Id, err)
		return
	}

	if to.IsTerminal() {
		m.log.Info("Job %s %s.", tree.job.Id, to)
	}
}

// failJob fails the RawJob and cancels its remaining work.
func (m *Machine) failJob(tree *Tree, rec *recorder, reason string) {
	m.abandon(tree, rec, "job failed")
	m.transitionJob(tree, rec, JobFailed, reason)
}

func (m *Machine) cancelJob(tree *Tree, rec *recorder, reason string) error {
	job := tree.job
	if !job.State.CanTransition(JobCancelled) {
		return types.NewIllegalTransitionError("job", job.Id, string(job.State), string(JobCancelled))
	}

	m.abandon(tree, rec, reason)
	return m.setJob(tree, rec, JobCancelled, reason)
}

// abandon cancels every non-terminal Block and SubJob of the tree, releasing the blocks' reservations.
func (m *Machine) abandon(tree *Tree, rec *recorder, reason string) {
	for i, sub := range tree.subJobs {
		for _, block := range tree.blocks[i] {
			if block.IsTerminal() {
				continue
			}

			if block.State == BlockFailed {
				// A failed block is always either requeued or exhausted before the lock is released.
				continue
			}

			if err := m.setBlock(tree, rec, block, BlockCancelled, reason); err != nil {
				m.log.Error("Failed to cancel block %s: %v", block.Id, err)
				continue
			}

			m.release(rec, block)
		}

		if !sub.State.IsTerminal() {
			m.transitionSubJob(tree, rec, i, SubJobCancelled, reason)
		}
	}
}
