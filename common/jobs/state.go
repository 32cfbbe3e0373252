package jobs

const (
	BlockPending    BlockState = "pending"
	BlockScheduled  BlockState = "scheduled"
	BlockInTransfer BlockState = "in_transfer"
	BlockCompleted  BlockState = "completed"
	BlockFailed     BlockState = "failed"
	BlockCancelled  BlockState = "cancelled"

	SubJobPending   SubJobState = "pending"
	SubJobActive    SubJobState = "active"
	SubJobCompleted SubJobState = "completed"
	SubJobFailed    SubJobState = "failed"
	SubJobCancelled SubJobState = "cancelled"

	JobSubmitted   JobState = "submitted"
	JobDecomposing JobState = "decomposing"
	JobScheduling  JobState = "scheduling"
	JobRunning     JobState = "running"
	JobCompleted   JobState = "completed"
	JobFailed      JobState = "failed"
	JobCancelled   JobState = "cancelled"
)

type BlockState string
type SubJobState string
type JobState string

var (
	blockTransitions = map[BlockState][]BlockState{
		BlockPending:    {BlockScheduled, BlockCancelled},
		BlockScheduled:  {BlockInTransfer, BlockCancelled},
		BlockInTransfer: {BlockCompleted, BlockFailed, BlockCancelled},

		// A failed block is either retried or terminal. See Machine.
		BlockFailed: {BlockPending},
	}

	subJobTransitions = map[SubJobState][]SubJobState{
		SubJobPending: {SubJobActive, SubJobFailed, SubJobCancelled},
		SubJobActive:  {SubJobCompleted, SubJobFailed, SubJobCancelled},
	}

	jobTransitions = map[JobState][]JobState{
		JobSubmitted:   {JobDecomposing, JobCancelled},
		JobDecomposing: {JobScheduling, JobFailed, JobCancelled},
		JobScheduling:  {JobRunning, JobFailed, JobCancelled},
		JobRunning:     {JobCompleted, JobFailed, JobCancelled},
	}
)

func legal[S comparable](transitions map[S][]S, from S, to S) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// CanTransition returns true if a block may move from the first state to the second.
func (s BlockState) CanTransition(to BlockState) bool {
	return legal(blockTransitions, s, to)
}

// IsTerminal is true for completed and cancelled blocks. A failed block is terminal only once its retries are
// exhausted, which the state alone cannot tell; see Block.IsTerminal.
func (s BlockState) IsTerminal() bool {
	return s == BlockCompleted || s == BlockCancelled
}

func (s SubJobState) CanTransition(to SubJobState) bool {
	return legal(subJobTransitions, s, to)
}

func (s SubJobState) IsTerminal() bool {
	return s == SubJobCompleted || s == SubJobFailed || s == SubJobCancelled
}

func (s JobState) CanTransition(to JobState) bool {
	return legal(jobTransitions, s, to)
}

func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}
