package jobs

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bashirmohd/bigdataexpress-C/common/decompose"
	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

type blockRef struct {
	sub   int
	index int
}

// Tree is a RawJob together with all of its SubJobs and Blocks.
//
// The records of a Tree are only ever mutated by the Machine while it holds the Tree's lock. Accessors
// return copies.
type Tree struct {
	mu sync.Mutex

	job     *RawJob
	subJobs []*SubJob
	blocks  [][]*Block

	index map[string]blockRef
}

func newTree(job *RawJob) *Tree {
	return &Tree{
		job:   job.Clone(),
		index: make(map[string]blockRef),
	}
}

// populate creates the sub-jobs and blocks described by the plan. populate is not thread-safe.
func (t *Tree) populate(plan *decompose.Plan) {
	t.subJobs = make([]*SubJob, 0, plan.Len())
	t.blocks = make([][]*Block, 0, plan.Len())
	clear(t.index)

	for sub := range plan.All() {
		t.subJobs = append(t.subJobs, &SubJob{
			Id:     sub.Id,
			RawJob: t.job.Id,
			Index:  sub.Index,
			Offset: sub.Offset,
			Length: sub.Length,
			State:  SubJobPending,
		})

		blocks := make([]*Block, 0, len(sub.Blocks))
		for _, block := range sub.Blocks {
			t.index[block.Id] = blockRef{sub: sub.Index, index: len(blocks)}
			blocks = append(blocks, &Block{
				Id:     block.Id,
				SubJob: sub.Id,
				RawJob: t.job.Id,
				Index:  block.Index,
				Offset: block.Offset,
				Length: block.Length,
				State:  BlockPending,
			})
		}

		t.blocks = append(t.blocks, blocks)
	}
}

// restore rebuilds the tree from persisted records. restore is not thread-safe.
func (t *Tree) restore(subJobs []*SubJob, blocks []*Block) error {
	subJobs = slices.Clone(subJobs)
	slices.SortFunc(subJobs, func(a, b *SubJob) int { return a.Index - b.Index })

	t.subJobs = make([]*SubJob, 0, len(subJobs))
	t.blocks = make([][]*Block, 0, len(subJobs))
	clear(t.index)

	position := make(map[string]int, len(subJobs))
	for i, sub := range subJobs {
		if sub.RawJob != t.job.Id {
			return fmt.Errorf("%w: sub-job %s belongs to %s, not %s", types.ErrConflict, sub.Id, sub.RawJob, t.job.Id)
		}

		position[sub.Id] = i
		t.subJobs = append(t.subJobs, sub.Clone())
		t.blocks = append(t.blocks, make([]*Block, 0, 4))
	}

	blocks = slices.Clone(blocks)
	slices.SortFunc(blocks, func(a, b *Block) int { return a.Index - b.Index })

	for _, block := range blocks {
		sub, ok := position[block.SubJob]
		if !ok {
			return fmt.Errorf("%w: sub-job %s of block %s", types.ErrNotFound, block.SubJob, block.Id)
		}

		t.index[block.Id] = blockRef{sub: sub, index: len(t.blocks[sub])}
		t.blocks[sub] = append(t.blocks[sub], block.Clone())
	}

	return nil
}

// Id returns the id of the tree's RawJob.
func (t *Tree) Id() string {
	return t.job.Id
}

// Job returns a copy of the tree's RawJob.
func (t *Tree) Job() *RawJob {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.job.Clone()
}

// SubJobs returns copies of the tree's SubJobs in byte order.
func (t *Tree) SubJobs() []*SubJob {
	t.mu.Lock()
	defer t.mu.Unlock()

	subJobs := make([]*SubJob, 0, len(t.subJobs))
	for _, sub := range t.subJobs {
		subJobs = append(subJobs, sub.Clone())
	}

	return subJobs
}

// Blocks returns copies of every Block of the tree in byte order.
func (t *Tree) Blocks() []*Block {
	return t.filterBlocks(func(*Block) bool { return true })
}

// PendingBlocks returns copies of the Blocks awaiting an assignment, in sub-job order.
func (t *Tree) PendingBlocks() []*Block {
	return t.filterBlocks(func(b *Block) bool { return b.State == BlockPending })
}

// Block returns a copy of the specified Block.
func (t *Tree) Block(blockId string) (*Block, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	block, err := t.block(blockId)
	if err != nil {
		return nil, err
	}

	return block.Clone(), nil
}

func (t *Tree) filterBlocks(predicate func(*Block) bool) []*Block {
	t.mu.Lock()
	defer t.mu.Unlock()

	blocks := make([]*Block, 0, len(t.index))
	for _, sub := range t.blocks {
		for _, block := range sub {
			if predicate(block) {
				blocks = append(blocks, block.Clone())
			}
		}
	}

	return blocks
}

// block is not thread-safe.
func (t *Tree) block(blockId string) (*Block, error) {
	ref, ok := t.index[blockId]
	if !ok {
		return nil, fmt.Errorf("%w: block %s of job %s", types.ErrNotFound, blockId, t.job.Id)
	}

	return t.blocks[ref.sub][ref.index], nil
}

// subJobOf is not thread-safe.
func (t *Tree) subJobOf(blockId string) int {
	return t.index[blockId].sub
}

// subJob is not thread-safe.
func (t *Tree) subJob(subJobId string) (int, error) {
	for i, sub := range t.subJobs {
		if sub.Id == subJobId {
			return i, nil
		}
	}

	return -1, fmt.Errorf("%w: sub-job %s of job %s", types.ErrNotFound, subJobId, t.job.Id)
}

// Change holds copies of the records modified by a single Machine operation, for persistence.
type Change struct {
	Job     *RawJob
	SubJobs []*SubJob
	Blocks  []*Block

	// Released is the number of bandwidth reservations released by the operation.
	Released int
}

// IsEmpty returns true if the operation did not modify any record.
func (c *Change) IsEmpty() bool {
	return c == nil || (c.Job == nil && len(c.SubJobs) == 0 && len(c.Blocks) == 0)
}

// recorder accumulates the records dirtied by an operation on a Tree.
type recorder struct {
	tree *Tree

	job       bool
	subJobs   map[int]struct{}
	blocks    []*Block
	blockSeen map[*Block]struct{}
	released  int
}

func (t *Tree) record() *recorder {
	return &recorder{tree: t, subJobs: make(map[int]struct{}), blockSeen: make(map[*Block]struct{})}
}

func (r *recorder) touchJob() {
	r.job = true
	r.tree.job.UpdatedAt = time.Now()
}

func (r *recorder) touchSubJob(i int) {
	r.subJobs[i] = struct{}{}
}

func (r *recorder) touchBlock(block *Block) {
	if _, ok := r.blockSeen[block]; ok {
		return
	}

	r.blockSeen[block] = struct{}{}
	r.blocks = append(r.blocks, block)
}

// change snapshots the dirtied records. change must be called with the tree's lock held.
func (r *recorder) change() *Change {
	change := &Change{Released: r.released}

	if r.job {
		change.Job = r.tree.job.Clone()
	}

	for i := range r.tree.subJobs {
		if _, ok := r.subJobs[i]; ok {
			change.SubJobs = append(change.SubJobs, r.tree.subJobs[i].Clone())
		}
	}

	for _, block := range r.blocks {
		change.Blocks = append(change.Blocks, block.Clone())
	}

	return change
}
