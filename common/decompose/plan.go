package decompose

import (
	"fmt"
	"iter"
)

// Job is the part of a raw transfer job that determines its decomposition.
type Job interface {
	GetId() string
	GetTotalSize() uint64
}

// BlockPlan is a contiguous byte range of a sub-job.
type BlockPlan struct {
	Id     string
	Index  int
	Offset uint64
	Length uint64
}

// End returns the offset one past the last byte of the block.
func (b BlockPlan) End() uint64 {
	return b.Offset + b.Length
}

// SubJobPlan is a contiguous byte range of a raw job together with its blocks.
type SubJobPlan struct {
	Id     string
	Index  int
	Offset uint64
	Length uint64
	Blocks []BlockPlan
}

// Plan is the decomposition of a single raw job.
//
// A Plan stores only the job's parameters: sub-jobs are derived on demand, so a Plan may be iterated
// any number of times and always yields the same sequence.
type Plan struct {
	jobId     string
	totalSize uint64
	policy    Policy
	numSubs   int
}

// Decompose partitions the job's byte range into blocks of at most policy.MaxBlockSize bytes and groups
// consecutive blocks into sub-jobs of at most policy.MaxBlocksPerSubJob blocks.
//
// A job of size zero yields a single sub-job with no blocks.
func Decompose(job Job, policy Policy) (*Plan, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	if job.GetId() == "" {
		return nil, fmt.Errorf("%w: job has no id", ErrInvalidPolicy)
	}

	plan := &Plan{
		jobId:     job.GetId(),
		totalSize: job.GetTotalSize(),
		policy:    policy,
	}

	plan.numSubs = int(ceilDiv(plan.totalSize, policy.MaxSubJobSize()))
	if plan.numSubs == 0 {
		plan.numSubs = 1
	}

	return plan, nil
}

// Len returns the number of sub-jobs in the plan.
func (p *Plan) Len() int {
	return p.numSubs
}

// NumBlocks returns the total number of blocks in the plan.
func (p *Plan) NumBlocks() int {
	return int(ceilDiv(p.totalSize, p.policy.MaxBlockSize))
}

// TotalSize returns the size of the decomposed job.
func (p *Plan) TotalSize() uint64 {
	return p.totalSize
}

// SubJob returns the i-th sub-job of the plan.
func (p *Plan) SubJob(i int) (SubJobPlan, error) {
	if i < 0 || i >= p.numSubs {
		return SubJobPlan{}, fmt.Errorf("sub-job index %d out of range [0, %d)", i, p.numSubs)
	}

	offset := uint64(i) * p.policy.MaxSubJobSize()
	length := min(p.policy.MaxSubJobSize(), p.totalSize-offset)

	sub := SubJobPlan{
		Id:     SubJobId(p.jobId, i),
		Index:  i,
		Offset: offset,
		Length: length,
		Blocks: make([]BlockPlan, 0, ceilDiv(length, p.policy.MaxBlockSize)),
	}

	// Counting the bytes consumed rather than advancing an offset keeps the loop from wrapping around at
	// the top of the uint64 range.
	for consumed := uint64(0); consumed < length; {
		index := len(sub.Blocks)
		blockLength := min(p.policy.MaxBlockSize, length-consumed)
		sub.Blocks = append(sub.Blocks, BlockPlan{
			Id:     BlockId(sub.Id, index),
			Index:  index,
			Offset: offset + consumed,
			Length: blockLength,
		})
		consumed += blockLength
	}

	return sub, nil
}

// All returns an iterator over the sub-jobs of the plan, in byte order.
func (p *Plan) All() iter.Seq[SubJobPlan] {
	return func(yield func(SubJobPlan) bool) {
		for i := 0; i < p.numSubs; i++ {
			sub, _ := p.SubJob(i)
			if !yield(sub) {
				return
			}
		}
	}
}

// Blocks returns an iterator over every block of the plan, in byte order.
func (p *Plan) Blocks() iter.Seq2[SubJobPlan, BlockPlan] {
	return func(yield func(SubJobPlan, BlockPlan) bool) {
		for sub := range p.All() {
			for _, block := range sub.Blocks {
				if !yield(sub, block) {
					return
				}
			}
		}
	}
}

// SubJobId returns the identifier of the i-th sub-job of the specified raw job.
func SubJobId(jobId string, i int) string {
	return fmt.Sprintf("%s-s%04d", jobId, i)
}

// BlockId returns the identifier of the i-th block of the specified sub-job.
func BlockId(subJobId string, i int) string {
	return fmt.Sprintf("%s-b%04d", subJobId, i)
}

func ceilDiv(a, b uint64) uint64 {
	if a == 0 {
		return 0
	}

	return (a-1)/b + 1
}
