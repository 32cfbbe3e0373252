package control

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	// KindDispatch is published by the scheduler when a block has been assigned. Its payload is the assignment.
	KindDispatch Kind = "dispatch"

	// KindAck is published by a transfer agent when a block has been transferred.
	KindAck Kind = "ack"

	// KindFail is published by a transfer agent when the transfer of a block failed.
	KindFail Kind = "fail"

	// KindCancel is published by an operator or external monitor to cancel a job or a single block.
	KindCancel Kind = "cancel"

	// TopicPrefix is the prefix of every job topic.
	TopicPrefix = "bde/jobs/"

	// AllJobs matches the topic of every job.
	AllJobs = TopicPrefix + Wildcard

	// Wildcard matches exactly one topic level.
	Wildcard = "+"
)

// Kind is the kind of an Event.
type Kind string

func (k Kind) String() string {
	return string(k)
}

// Event is a job, sub-job or block state-change message exchanged with the transfer agents.
type Event struct {
	EventId   string          `json:"eventId"`
	Kind      Kind            `json:"kind"`
	JobId     string          `json:"jobId"`
	BlockId   string          `json:"blockId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent creates a new Event with a fresh event id. payload may be nil.
func NewEvent(kind Kind, jobId string, blockId string, payload any) (*Event, error) {
	event := &Event{
		EventId:   uuid.NewString(),
		Kind:      kind,
		JobId:     jobId,
		BlockId:   blockId,
		Timestamp: time.Now(),
	}

	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
		}

		event.Payload = encoded
	}

	return event, nil
}

// Decode decodes the event's payload into v.
func (e *Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event %s has no payload", e.Kind, e.EventId)
	}

	return json.Unmarshal(e.Payload, v)
}

// Encode returns the wire representation of the event.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses the wire representation of an event.
func DecodeEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}

	if event.EventId == "" || event.Kind == "" || event.JobId == "" {
		return nil, fmt.Errorf("malformed event: missing eventId, kind or jobId")
	}

	return &event, nil
}

func (e *Event) String() string {
	return fmt.Sprintf("Event[Id=%s,Kind=%s,Job=%s,Block=%s]", e.EventId, e.Kind, e.JobId, e.BlockId)
}

// Topic returns the topic on which the events of the specified job are published.
func Topic(jobId string) string {
	return TopicPrefix + jobId
}

// Matches reports whether the topic matches the pattern. A "+" level in the pattern matches any single level.
func Matches(pattern string, topic string) bool {
	patternLevels := strings.Split(pattern, "/")
	topicLevels := strings.Split(topic, "/")

	if len(patternLevels) != len(topicLevels) {
		return false
	}

	for i, level := range patternLevels {
		if level != Wildcard && level != topicLevels[i] {
			return false
		}
	}

	return true
}
