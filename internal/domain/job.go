package domain

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrInvalidRequest marks a request missing a required field.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidJobID marks a job id that is not a canonical UUID.
	ErrInvalidJobID = errors.New("invalid job id")
	// ErrNotReady marks a result, artifact or output that does not exist yet.
	ErrNotReady = errors.New("not ready")
)

const (
	FieldJobQueue = "job_queue"
	FieldJobID    = "job_id"
	FieldJobState = "job_state"
)

// Job is a submitted work item. Only job_queue and job_id are interpreted;
// every other field passes through to the worker untouched.
type Job map[string]any

func (j Job) Queue() string {
	value, _ := j[FieldJobQueue].(string)
	return strings.TrimSpace(value)
}

// ID returns the job_id field and whether it was present and non-empty.
func (j Job) ID() (string, bool) {
	raw, exists := j[FieldJobID]
	if !exists || raw == nil {
		return "", false
	}
	value, ok := raw.(string)
	if !ok {
		// A non-string id can never be a UUID; surface it so validation rejects it.
		encoded, _ := json.Marshal(raw)
		return string(encoded), true
	}
	if value == "" {
		return "", false
	}
	return value, true
}

type JobStateKind string

const (
	JobWaiting     JobStateKind = "waiting"
	JobResubmitted JobStateKind = "resubmitted"
	JobCompleted   JobStateKind = "completed"
)

// JobState is the decoded form of a result record. Payload always holds the
// raw record as stored.
type JobState struct {
	Kind    JobStateKind
	Payload json.RawMessage
}

// PlaceholderRecord encodes the record written at submission time.
func PlaceholderRecord(kind JobStateKind) json.RawMessage {
	encoded, _ := json.Marshal(map[string]string{FieldJobState: string(kind)})
	return encoded
}

// ParseJobState classifies a stored result record. A record is a placeholder
// only when it carries nothing but a waiting/resubmitted job_state; anything a
// result post wrote is Completed.
func ParseJobState(record []byte) JobState {
	state := JobState{Kind: JobCompleted, Payload: append(json.RawMessage(nil), record...)}

	var decoded map[string]any
	if err := json.Unmarshal(record, &decoded); err != nil || len(decoded) != 1 {
		return state
	}
	value, _ := decoded[FieldJobState].(string)
	switch JobStateKind(value) {
	case JobWaiting, JobResubmitted:
		state.Kind = JobStateKind(value)
	}
	return state
}
