package daemon

import (
	"context"
	"fmt"

	"github.com/bashirmohd/bigdataexpress-C/common/control"
	"github.com/bashirmohd/bigdataexpress-C/common/jobs"
)

// Recover rebuilds the in-memory job table from the store. The catalog must already have been loaded.
//
// Jobs that had not finished decomposing are decomposed again. Blocks that were scheduled but never
// dispatched go back to pending, and in_transfer blocks re-acquire their reservations. A block whose
// reservations cannot be re-acquired is failed, so that it is retried.
func (c *Coordinator) Recover(ctx context.Context) error {
	persisted, err := c.repository.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persisted jobs: %w", err)
	}

	var (
		recovered, terminal int
		failed              []*control.Event
	)

	for _, job := range persisted {
		if job.State.IsTerminal() {
			terminal += 1
			continue
		}

		if job.State == jobs.JobSubmitted || job.State == jobs.JobDecomposing {
			job.State = jobs.JobSubmitted
			job.Error = ""

			if err = c.Submit(ctx, job); err != nil {
				c.log.Error("Failed to resubmit recovered job %s: %v", job.Id, err)
				continue
			}

			recovered += 1
			continue
		}

		events, err := c.recoverJob(ctx, job)
		if err != nil {
			c.log.Error("Failed to recover job %s: %v", job.Id, err)
			continue
		}

		failed = append(failed, events...)
		recovered += 1
	}

	for _, event := range failed {
		c.apply(event)
	}

	c.log.Info("Recovered %d job(s). Skipped %d terminal job(s). Failed %d block(s) whose reservations were lost.",
		recovered, terminal, len(failed))

	notify(c.submitted)
	return nil
}

// recoverJob restores a job that was past decomposition, returning a Fail event for each in_transfer block whose
// reservations could not be re-acquired.
func (c *Coordinator) recoverJob(ctx context.Context, job *jobs.RawJob) ([]*control.Event, error) {
	subJobs, err := c.repository.SubJobs(ctx, job.Id)
	if err != nil {
		return nil, err
	}

	blocks, err := c.repository.Blocks(ctx, job.Id)
	if err != nil {
		return nil, err
	}

	var events []*control.Event
	for _, block := range blocks {
		switch block.State {
		case jobs.BlockScheduled:
			// The Dispatch event may never have reached the broker.
			block.State = jobs.BlockPending
			block.Assignment = nil
			block.Reservations = nil
		case jobs.BlockInTransfer:
			handles, restoreErr := c.scheduler.Restore(block)
			if restoreErr == nil {
				block.Reservations = handles
				continue
			}

			c.log.Warn("Failed to restore reservations of block %s: %v", block.Id, restoreErr)
			block.Reservations = nil

			event, err := control.NewEvent(control.KindFail, job.Id, block.Id,
				map[string]string{"reason": "reservations lost during recovery: " + restoreErr.Error()})
			if err != nil {
				return nil, err
			}

			events = append(events, event)
		}
	}

	if err = c.machine.Restore(job, subJobs, blocks); err != nil {
		// Release whatever was re-acquired for the job's blocks.
		for _, block := range blocks {
			c.ledger.ReleaseHolder(block.Id)
		}

		return nil, err
	}

	c.log.Debug("Restored %s with %d sub-job(s) and %d block(s).", job.String(), len(subJobs), len(blocks))
	return events, nil
}
