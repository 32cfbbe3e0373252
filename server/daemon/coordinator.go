package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/bashirmohd/bigdataexpress-C/common/bandwidth"
	"github.com/bashirmohd/bigdataexpress-C/common/catalog"
	"github.com/bashirmohd/bigdataexpress-C/common/control"
	"github.com/bashirmohd/bigdataexpress-C/common/decompose"
	"github.com/bashirmohd/bigdataexpress-C/common/jobs"
	"github.com/bashirmohd/bigdataexpress-C/common/scheduling"
	"github.com/bashirmohd/bigdataexpress-C/common/store"
	"github.com/bashirmohd/bigdataexpress-C/common/types"
	"github.com/bashirmohd/bigdataexpress-C/common/utils/hashmap"
	"github.com/bashirmohd/bigdataexpress-C/server/domain"
)

var (
	ErrAlreadyRunning = errors.New("coordinator is already running")
)

// Metrics receives the observations made by the Coordinator.
type Metrics interface {
	bandwidth.Observer

	ObserveSchedulingPass(latency time.Duration, scheduled int, deferred int) error
	ObserveEvent(kind string, applied bool)
	SetJobCounts(counts map[string]int, states []string)
	SetBrokerStatus(connected bool, pending int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveUsage(string, bandwidth.Direction, decimal.Decimal, decimal.Decimal) {}
func (noopMetrics) ObserveReservation(bool)                                                  {}
func (noopMetrics) ObserveSchedulingPass(time.Duration, int, int) error                      { return nil }
func (noopMetrics) ObserveEvent(string, bool)                                                {}
func (noopMetrics) SetJobCounts(map[string]int, []string)                                    {}
func (noopMetrics) SetBrokerStatus(bool, int)                                                {}

// Coordinator runs the scheduling control loop of the transfer scheduler.
//
// A scheduling pass is triggered when a job is submitted, when bandwidth is released, when the site gains
// capacity, when the control channel reconnects, and periodically. Each pass schedules every active job
// concurrently, with at most one pass per job at a time.
type Coordinator struct {
	log logger.Logger

	catalog    *catalog.Catalog
	ledger     *bandwidth.Ledger
	machine    *jobs.Machine
	scheduler  *scheduling.Scheduler
	channel    *control.Channel
	repository *store.Repository
	metrics    Metrics

	policy      decompose.Policy
	interval    time.Duration
	parallelism int

	// jobLocks ensures that at most one scheduling pass runs for a job at a time.
	jobLocks *hashmap.ConcurrentMap[string, *sync.Mutex]

	submitted chan struct{}
	released  chan struct{}
	status    chan control.ConnectionStatus

	runningMu sync.Mutex
	running   bool
}

// NewCoordinator creates a new Coordinator and returns a pointer to it.
//
// metrics may be nil.
func NewCoordinator(options *domain.SchedulerOptions, c *catalog.Catalog, repository *store.Repository,
	channel *control.Channel, metrics Metrics) (*Coordinator, error) {

	policy, err := options.Policy()
	if err != nil {
		return nil, err
	}

	coordinator := &Coordinator{
		catalog:     c,
		channel:     channel,
		repository:  repository,
		metrics:     metrics,
		policy:      policy,
		interval:    options.ScheduleInterval(),
		parallelism: options.Parallelism,
		jobLocks:    hashmap.NewConcurrentMap[*sync.Mutex](32),
		submitted:   make(chan struct{}, 1),
		released:    make(chan struct{}, 1),
		status:      make(chan control.ConnectionStatus, 1),
	}

	if coordinator.parallelism <= 0 {
		coordinator.parallelism = domain.DefaultParallelism
	}

	if coordinator.metrics == nil {
		coordinator.metrics = noopMetrics{}
	}

	config.InitLogger(&coordinator.log, coordinator)

	coordinator.ledger = bandwidth.NewLedger(c)
	coordinator.ledger.SetObserver(coordinator.metrics)
	coordinator.ledger.OnRelease(func(_ *bandwidth.Reservation) {
		notify(coordinator.released)
	})

	coordinator.machine, err = jobs.NewMachine(coordinator.ledger, options.RetryLimit, options.DedupeCapacity)
	if err != nil {
		return nil, err
	}

	coordinator.machine.OnChange(coordinator.persist)

	coordinator.scheduler = scheduling.NewScheduler(c, coordinator.ledger, coordinator.machine, coordinator,
		options.Rate())

	channel.OnStatusChange(func(status control.ConnectionStatus) {
		coordinator.metrics.SetBrokerStatus(status == control.Connected, channel.Pending())

		// Only the most recent status matters.
		select {
		case <-coordinator.status:
		default:
		}

		select {
		case coordinator.status <- status:
		default:
		}
	})

	return coordinator, nil
}

// notify performs a non-blocking send on a coalescing trigger channel.
func notify(trigger chan struct{}) {
	select {
	case trigger <- struct{}{}:
	default:
	}
}

func (c *Coordinator) Catalog() *catalog.Catalog {
	return c.catalog
}

func (c *Coordinator) Ledger() *bandwidth.Ledger {
	return c.ledger
}

func (c *Coordinator) Machine() *jobs.Machine {
	return c.machine
}

func (c *Coordinator) Scheduler() *scheduling.Scheduler {
	return c.scheduler
}

// persist writes the records modified by a state machine operation to the store. persist is called with the
// job's tree locked, so the records of a job are written in the order in which they were modified.
func (c *Coordinator) persist(change *jobs.Change) {
	if err := c.repository.Record(context.Background(), change); err != nil {
		c.log.Error("Failed to persist changes to job %s: %v", jobIdOf(change), err)
	}
}

func jobIdOf(change *jobs.Change) string {
	switch {
	case change.Job != nil:
		return change.Job.Id
	case len(change.SubJobs) > 0:
		return change.SubJobs[0].RawJob
	case len(change.Blocks) > 0:
		return change.Blocks[0].RawJob
	default:
		return "<none>"
	}
}

// Run starts the control channel, subscribes to the events of every job and runs the control loop until the
// context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runningMu.Lock()
	if c.running {
		c.runningMu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.runningMu.Unlock()

	defer func() {
		c.runningMu.Lock()
		c.running = false
		c.runningMu.Unlock()
	}()

	if err := c.channel.Start(ctx); err != nil {
		return err
	}

	subscription, err := c.channel.Subscribe(ctx, control.AllJobs, c.HandleEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", control.AllJobs, err)
	}

	defer func() {
		if err := subscription.Unsubscribe(); err != nil {
			c.log.Warn("Failed to unsubscribe from %s: %v", control.AllJobs, err)
		}
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.Info("Control loop started. Scheduling every %v with parallelism %d.", c.interval, c.parallelism)

	// Schedule whatever was recovered before the loop started.
	c.pass(ctx, "startup")

	for {
		var reason string

		select {
		case <-ctx.Done():
			c.log.Info("Control loop stopped.")
			return nil
		case <-c.submitted:
			reason = "submission"
		case <-c.released:
			reason = "release"
		case <-ticker.C:
			c.Intake(ctx)
			reason = "timer"
		case status := <-c.status:
			if status != control.Connected {
				c.log.Warn("Control channel is %s. Scheduling is suspended.", status)
				continue
			}

			reason = "reconnect"
		}

		c.pass(ctx, reason)
	}
}

// pass schedules every active job once.
func (c *Coordinator) pass(ctx context.Context, reason string) {
	c.metrics.SetBrokerStatus(c.channel.Connected(), c.channel.Pending())
	defer c.reportJobs()

	if !c.channel.Connected() {
		c.log.Debug("Skipping %s-triggered scheduling pass: control channel is %s.", reason, c.channel.Status())
		return
	}

	active := c.machine.Table().Active()
	if len(active) == 0 {
		return
	}

	c.log.Debug("Running %s-triggered scheduling pass over %d active job(s).", reason, len(active))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.parallelism)

	for _, job := range active {
		if job.State != jobs.JobScheduling && job.State != jobs.JobRunning {
			continue
		}

		group.Go(func() error {
			c.scheduleJob(groupCtx, job)
			return nil
		})
	}

	_ = group.Wait()
}

// scheduleJob runs a scheduling pass for a single job, unless one is already in progress.
func (c *Coordinator) scheduleJob(ctx context.Context, job *jobs.RawJob) {
	mu, _ := c.jobLocks.LoadOrStore(job.Id, &sync.Mutex{})
	if !mu.TryLock() {
		c.log.Debug("A scheduling pass for job %s is already in progress.", job.Id)
		return
	}
	defer mu.Unlock()

	start := time.Now()
	assignments, err := c.scheduler.ScheduleNext(ctx, job)

	deferred := 0
	switch {
	case err == nil:
	case errors.Is(err, types.ErrNoFeasiblePlan):
		if tree, ok := c.machine.Table().Get(job.Id); ok {
			deferred = len(tree.PendingBlocks())
		}
		c.log.Debug("Job %s: %v", job.Id, err)
	case errors.Is(err, types.ErrNoRoute):
		c.log.Warn("Job %s failed: %v", job.Id, err)
	case errors.Is(err, types.ErrNotFound):
		c.log.Debug("Job %s is no longer tracked: %v", job.Id, err)
	case errors.Is(err, context.Canceled):
	default:
		c.log.Error("Scheduling pass for job %s failed: %v", job.Id, err)
	}

	_ = c.metrics.ObserveSchedulingPass(time.Since(start), len(assignments), deferred)
}

func (c *Coordinator) reportJobs() {
	counts := make(map[string]int)
	for _, job := range c.machine.Table().Jobs() {
		counts[string(job.State)] += 1
	}

	c.metrics.SetJobCounts(counts, jobStates)
}

var jobStates = []string{
	string(jobs.JobSubmitted), string(jobs.JobDecomposing), string(jobs.JobScheduling), string(jobs.JobRunning),
	string(jobs.JobCompleted), string(jobs.JobFailed), string(jobs.JobCancelled),
}

// Dispatch publishes a Dispatch event for the assignment. The block moves to in_transfer once the broker has
// accepted the event.
func (c *Coordinator) Dispatch(assignment *jobs.Assignment) {
	event, err := control.NewEvent(control.KindDispatch, assignment.JobId, assignment.BlockId, assignment)
	if err != nil {
		c.log.Error("Failed to create dispatch event for %s: %v", assignment.String(), err)
		return
	}

	if err = c.channel.Publish(control.Topic(assignment.JobId), event, c.onDelivered); err != nil {
		c.log.Error("Failed to dispatch %s: %v", assignment.String(), err)
	}
}

// onDelivered is the delivery callback of Dispatch events.
func (c *Coordinator) onDelivered(event *control.Event, err error) {
	if err != nil {
		// The block stays scheduled, holding its reservations, until it is cancelled.
		c.log.Error("Dispatch of block %s of job %s was not delivered: %v", event.BlockId, event.JobId, err)
		return
	}

	c.apply(event)
}

// HandleEvent applies an event received on the control channel.
func (c *Coordinator) HandleEvent(event *control.Event) {
	c.apply(event)
}

func (c *Coordinator) apply(event *control.Event) {
	change, err := c.machine.Apply(event)

	switch {
	case err == nil:
		c.metrics.ObserveEvent(string(event.Kind), change != nil)
		if change == nil {
			return
		}

		if change.Job != nil && change.Job.State.IsTerminal() {
			c.log.Info("Job %s is %s.", change.Job.Id, change.Job.State)
		}
	case errors.Is(err, types.ErrIllegalTransition):
		c.metrics.ObserveEvent(string(event.Kind), false)
		c.log.Debug("Ignoring %s: %v", event.String(), err)
	case errors.Is(err, types.ErrNotFound):
		c.metrics.ObserveEvent(string(event.Kind), false)
		c.log.Warn("Ignoring %s: %v", event.String(), err)
	default:
		c.metrics.ObserveEvent(string(event.Kind), false)
		c.log.Error("Failed to apply %s: %v", event.String(), err)
	}
}

// Submit starts tracking a new job, decomposes it, and triggers a scheduling pass.
func (c *Coordinator) Submit(_ context.Context, job *jobs.RawJob) error {
	if err := job.Validate(); err != nil {
		return err
	}

	for _, storageId := range []string{job.Source, job.Destination} {
		if _, err := c.catalog.GetStorage(storageId); err != nil {
			return fmt.Errorf("job %s: %w", job.Id, err)
		}
	}

	if _, err := c.machine.Submit(job); err != nil {
		return err
	}

	if _, err := c.machine.Decompose(job.Id, c.policy); err != nil {
		return err
	}

	c.log.Info("Submitted %s.", job.String())
	notify(c.submitted)

	return nil
}

// Intake submits the jobs that were written to the store in the submitted state by another component,
// such as the web portal, and that are not tracked yet. A job that cannot be submitted is failed in the store.
func (c *Coordinator) Intake(ctx context.Context) int {
	persisted, err := c.repository.ListJobs(ctx)
	if err != nil {
		c.log.Warn("Failed to list persisted jobs: %v", err)
		return 0
	}

	submitted := 0
	for _, job := range persisted {
		if job.State != jobs.JobSubmitted {
			continue
		}

		if _, tracked := c.machine.Table().Get(job.Id); tracked {
			continue
		}

		if err = c.Submit(ctx, job); err != nil {
			c.log.Warn("Rejecting job %s: %v", job.Id, err)

			job.State = jobs.JobFailed
			job.Error = err.Error()
			job.UpdatedAt = time.Now()

			if err = c.repository.SaveJob(ctx, job); err != nil {
				c.log.Error("Failed to persist rejection of job %s: %v", job.Id, err)
			}

			continue
		}

		submitted += 1
	}

	return submitted
}

// Cancel cancels a job and releases every reservation held by its blocks.
func (c *Coordinator) Cancel(_ context.Context, jobId string, reason string) error {
	change, err := c.machine.Cancel(jobId, reason)
	if err != nil {
		return err
	}

	c.log.Info("Cancelled job %s (%s). Released %d reservation(s).", jobId, reason, change.Released)
	return nil
}

// Purge removes a terminal job and all of its records.
func (c *Coordinator) Purge(ctx context.Context, jobId string) error {
	err := c.machine.Forget(jobId)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}

	if err == nil {
		c.jobLocks.Delete(jobId)
	} else {
		// Not tracked in memory. Only purge terminal records.
		job, findErr := c.repository.Job(ctx, jobId)
		if findErr != nil {
			return findErr
		}

		if !job.State.IsTerminal() {
			return fmt.Errorf("%w: job %s is %s", types.ErrInUse, jobId, job.State)
		}
	}

	return c.repository.DeleteJob(ctx, jobId)
}
