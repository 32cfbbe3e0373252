package decompose

import (
	"errors"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultGroupSize is the default maximum size of a single block.
	DefaultGroupSize = "20GB"

	// DefaultMaxBlocksPerSubJob is the default maximum number of blocks grouped into a single sub-job.
	DefaultMaxBlocksPerSubJob = 64
)

var (
	ErrInvalidPolicy = errors.New("invalid decomposition policy")
)

// Policy bounds the size of the blocks and sub-jobs produced by Decompose.
type Policy struct {
	MaxBlockSize       uint64 `json:"max_block_size" yaml:"max_block_size"`
	MaxBlocksPerSubJob int    `json:"max_blocks_per_subjob" yaml:"max_blocks_per_subjob"`
}

// DefaultPolicy returns the Policy used when none is configured.
func DefaultPolicy() Policy {
	policy, err := ParsePolicy(DefaultGroupSize, DefaultMaxBlocksPerSubJob)
	if err != nil {
		panic(err)
	}

	return policy
}

// ParsePolicy creates a Policy from a human-readable block size such as "20GB" or "256 MiB".
func ParsePolicy(maxBlockSize string, maxBlocksPerSubJob int) (Policy, error) {
	size, err := humanize.ParseBytes(maxBlockSize)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: block size \"%s\": %v", ErrInvalidPolicy, maxBlockSize, err)
	}

	policy := Policy{
		MaxBlockSize:       size,
		MaxBlocksPerSubJob: maxBlocksPerSubJob,
	}

	return policy, policy.Validate()
}

// Validate returns ErrInvalidPolicy if either bound is zero.
func (p Policy) Validate() error {
	if p.MaxBlockSize == 0 {
		return fmt.Errorf("%w: maximum block size must be positive", ErrInvalidPolicy)
	}

	if p.MaxBlocksPerSubJob <= 0 {
		return fmt.Errorf("%w: maximum blocks per sub-job must be positive (got %d)", ErrInvalidPolicy,
			p.MaxBlocksPerSubJob)
	}

	if p.MaxBlockSize > math.MaxUint64/uint64(p.MaxBlocksPerSubJob) {
		return fmt.Errorf("%w: sub-job size overflows", ErrInvalidPolicy)
	}

	return nil
}

// MaxSubJobSize is the number of bytes covered by a full sub-job.
func (p Policy) MaxSubJobSize() uint64 {
	return p.MaxBlockSize * uint64(p.MaxBlocksPerSubJob)
}

func (p Policy) String() string {
	return fmt.Sprintf("Policy[MaxBlockSize=%s,MaxBlocksPerSubJob=%d]", humanize.IBytes(p.MaxBlockSize),
		p.MaxBlocksPerSubJob)
}
