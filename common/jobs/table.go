package jobs

import (
	"fmt"
	"slices"
	"strings"

	"github.com/bashirmohd/bigdataexpress-C/common/types"
	"github.com/bashirmohd/bigdataexpress-C/common/utils/hashmap"
)

// Table is the in-memory index of every tracked job Tree.
type Table struct {
	trees *hashmap.ConcurrentMap[string, *Tree]
}

func NewTable() *Table {
	return &Table{
		trees: hashmap.NewConcurrentMap[*Tree](32),
	}
}

// add registers the tree unless a tree for the same job is already tracked.
func (t *Table) add(tree *Tree) error {
	if _, loaded := t.trees.LoadOrStore(tree.Id(), tree); loaded {
		return fmt.Errorf("%w: job %s", types.ErrConflict, tree.Id())
	}

	return nil
}

func (t *Table) remove(jobId string) {
	t.trees.Delete(jobId)
}

// Get returns the Tree of the specified job.
func (t *Table) Get(jobId string) (*Tree, bool) {
	return t.trees.Load(jobId)
}

// Len returns the number of tracked jobs.
func (t *Table) Len() int {
	return t.trees.Len()
}

// Jobs returns copies of every tracked RawJob ordered by descending priority, then by submission time.
func (t *Table) Jobs() []*RawJob {
	return t.jobs(func(*RawJob) bool { return true })
}

// Active returns copies of the non-terminal RawJobs, in the same order as Jobs.
func (t *Table) Active() []*RawJob {
	return t.jobs(func(job *RawJob) bool { return !job.State.IsTerminal() })
}

func (t *Table) jobs(predicate func(*RawJob) bool) []*RawJob {
	jobs := make([]*RawJob, 0, t.trees.Len())
	t.trees.Range(func(_ string, tree *Tree) bool {
		if job := tree.Job(); predicate(job) {
			jobs = append(jobs, job)
		}
		return true
	})

	slices.SortFunc(jobs, func(a, b *RawJob) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}

		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(a.Id, b.Id)
	})

	return jobs
}
