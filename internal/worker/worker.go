package worker

import (
	"context"
	"errors"
	"time"

	"github.com/vnmchuo/llm-metering/internal/metering"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueFull   = errors.New("job queue full")
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

type JobKind string

const (
	// JobRollover closes the cycle ending at CycleEnd for UserID.
	JobRollover JobKind = "rollover"
	// JobReconcile compares UserID's cached balance with the ledger.
	JobReconcile JobKind = "reconcile"
	// JobMeter retries a usage record whose ledger write timed out or whose
	// multiplier could not be resolved.
	JobMeter JobKind = "meter"
)

type Job struct {
	ID          string          `json:"id"`
	Kind        JobKind         `json:"kind"`
	UserID      string          `json:"user_id"`
	CycleEnd    time.Time       `json:"cycle_end,omitempty"`
	Event       *metering.Event `json:"-"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Result      string          `json:"result,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// LastAttempt reports whether a failure now would end the job.
func (j *Job) LastAttempt() bool {
	return j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts
}

type Queue interface {
	// Enqueue never blocks; it returns ErrQueueFull when the backlog is full.
	Enqueue(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Process(ctx context.Context) error // starts the worker loop
}

// Handler runs one job. The returned string is a short result for display.
type Handler interface {
	Handle(ctx context.Context, job *Job) (string, error)
}
