package jobs

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidJob = errors.New("invalid raw job")
)

// RawJob is a request to move TotalSize bytes from the Source storage to the Destination storage.
type RawJob struct {
	Id          string    `json:"id"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	TotalSize   uint64    `json:"total_size"`
	Priority    int       `json:"priority"`
	State       JobState  `json:"state"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewRawJob creates a new, validated RawJob in the submitted state.
func NewRawJob(id string, source string, destination string, totalSize uint64, priority int) (*RawJob, error) {
	now := time.Now()
	job := &RawJob{
		Id:          id,
		Source:      source,
		Destination: destination,
		TotalSize:   totalSize,
		Priority:    priority,
		State:       JobSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}

	return job, nil
}

func (j *RawJob) Validate() error {
	if j.Id == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidJob)
	}

	if j.Source == "" || j.Destination == "" {
		return fmt.Errorf("%w: job %s must name a source and a destination storage", ErrInvalidJob, j.Id)
	}

	// Block lengths become signed bandwidth amounts when they are reserved.
	if j.TotalSize > math.MaxInt64 {
		return fmt.Errorf("%w: job %s is too large (%d bytes, at most %d)", ErrInvalidJob, j.Id, j.TotalSize,
			int64(math.MaxInt64))
	}

	return nil
}

func (j *RawJob) GetId() string {
	return j.Id
}

func (j *RawJob) GetTotalSize() uint64 {
	return j.TotalSize
}

func (j *RawJob) Clone() *RawJob {
	clone := *j
	return &clone
}

func (j *RawJob) String() string {
	return fmt.Sprintf("RawJob[Id=%s,%s->%s,Size=%d,State=%s]", j.Id, j.Source, j.Destination, j.TotalSize, j.State)
}

// SubJob is a contiguous byte range of a RawJob.
type SubJob struct {
	Id     string      `json:"id"`
	RawJob string      `json:"rawjob"`
	Index  int         `json:"index"`
	Offset uint64      `json:"offset"`
	Length uint64      `json:"length"`
	State  SubJobState `json:"state"`
	Error  string      `json:"error,omitempty"`

	// SourceDTN and DestinationDTN are empty until the first block of the sub-job has been scheduled.
	SourceDTN      string `json:"src_dtn,omitempty"`
	DestinationDTN string `json:"dst_dtn,omitempty"`
}

func (s *SubJob) Clone() *SubJob {
	clone := *s
	return &clone
}

func (s *SubJob) String() string {
	return fmt.Sprintf("SubJob[Id=%s,Index=%d,Offset=%d,Length=%d,State=%s]", s.Id, s.Index, s.Offset, s.Length, s.State)
}

// Assignment records where a block is transferred and how much bandwidth was reserved for it.
type Assignment struct {
	JobId              string          `json:"jobId"`
	SubJobId           string          `json:"subJobId"`
	BlockId            string          `json:"blockId"`
	SourceStorage      string          `json:"srcStorage"`
	DestinationStorage string          `json:"dstStorage"`
	DTN                string          `json:"dtn"`
	Offset             uint64          `json:"offset"`
	Length             uint64          `json:"length"`
	Amount             decimal.Decimal `json:"amount"`
}

func (a *Assignment) String() string {
	return fmt.Sprintf("Assignment[Block=%s,%s->%s via %s,Amount=%s]", a.BlockId, a.SourceStorage,
		a.DestinationStorage, a.DTN, a.Amount.String())
}

// Block is the unit of bandwidth reservation.
type Block struct {
	Id       string     `json:"id"`
	SubJob   string     `json:"sjob"`
	RawJob   string     `json:"rawjob"`
	Index    int        `json:"index"`
	Offset   uint64     `json:"offset"`
	Length   uint64     `json:"length"`
	State    BlockState `json:"state"`
	Attempts int        `json:"attempts"`
	Error    string     `json:"error,omitempty"`

	// Assignment is nil until the block has been scheduled.
	Assignment *Assignment `json:"assignment,omitempty"`

	// Reservations are the ids of the bandwidth reservations held for the current assignment.
	Reservations []string `json:"reservations,omitempty"`

	// Exhausted is set once a failed block has used up its retries, making the failure terminal.
	Exhausted bool `json:"exhausted,omitempty"`
}

// IsTerminal returns true if the block will not change state again.
func (b *Block) IsTerminal() bool {
	return b.State.IsTerminal() || (b.State == BlockFailed && b.Exhausted)
}

func (b *Block) Clone() *Block {
	clone := *b
	if b.Assignment != nil {
		assignment := *b.Assignment
		clone.Assignment = &assignment
	}
	clone.Reservations = append([]string(nil), b.Reservations...)
	return &clone
}

func (b *Block) String() string {
	return fmt.Sprintf("Block[Id=%s,Offset=%d,Length=%d,State=%s,Attempts=%d]", b.Id, b.Offset, b.Length, b.State,
		b.Attempts)
}
