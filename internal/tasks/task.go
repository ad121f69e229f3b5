package tasks

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/xaenox/octopus/internal/models"
)

// ErrTaskNotFound is returned for an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// ErrChainInFlight is returned when a collector already has a queued or
// running chain.
var ErrChainInFlight = errors.New("collector already has a task in flight")

// State is the lifecycle state of one task chain.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFailure State = "failure"
)

// Terminal reports whether the chain has finished.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// Job is the unit published on the queue.
type Job struct {
	TaskID      string    `json:"task_id"`
	CollectorID int64     `json:"collector_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`

	// raw is the exact payload as queued, needed to acknowledge it.
	raw string
}

func (j *Job) encode() (string, error) {
	if j.raw != "" {
		return j.raw, nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	j.raw = string(data)
	return j.raw, nil
}

func decodeJob(raw string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, err
	}
	j.raw = raw
	return &j, nil
}

// ChainState is the persisted progress of a chain. Completed counts the
// stages that finished, so a redelivered job resumes after them.
type ChainState struct {
	TaskID      string                     `json:"task_id"`
	CollectorID int64                      `json:"collector_id"`
	State       State                      `json:"state"`
	Stage       string                     `json:"stage,omitempty"`
	Completed   int                        `json:"completed"`
	Results     map[string]json.RawMessage `json:"results,omitempty"`
	Error       string                     `json:"error,omitempty"`
	EnqueuedAt  time.Time                  `json:"enqueued_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// TaskStatus is what a poller sees for a task id.
type TaskStatus struct {
	TaskID      string                     `json:"task_id"`
	CollectorID int64                      `json:"collector_id"`
	State       State                      `json:"state"`
	Stage       string                     `json:"stage,omitempty"`
	Results     map[string]json.RawMessage `json:"results,omitempty"`
	Error       string                     `json:"error,omitempty"`
	EnqueuedAt  time.Time                  `json:"enqueued_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
	Collector   *models.CollectorStatus    `json:"collector,omitempty"`
}

// Result decodes the stored result of a finished stage into out.
func (s *TaskStatus) Result(stage string, out any) (bool, error) {
	raw, ok := s.Results[stage]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}
