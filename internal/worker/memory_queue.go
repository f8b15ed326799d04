package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/vnmchuo/llm-metering/internal/telemetry"
)

type QueueOptions struct {
	Workers     int
	MaxAttempts int
	// Backoff is multiplied by the attempt number before a retry.
	Backoff time.Duration
	Buffer  int
	// Retention is how long a done or failed job stays visible to Get.
	Retention time.Duration
}

// MemoryQueue runs jobs in-process. Jobs do not survive a restart, so a meter
// retry still queued at shutdown is lost; its request is then missing from
// the ledger until reconciliation flags the user. Every job kind is
// idempotent so re-enqueueing after a crash is safe.
type MemoryQueue struct {
	handler Handler
	opts    QueueOptions

	mu    sync.RWMutex
	jobs  map[string]*Job
	ready chan string
}

func NewMemoryQueue(handler Handler, opts QueueOptions) *MemoryQueue {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	return &MemoryQueue{
		handler: handler,
		opts:    opts,
		jobs:    make(map[string]*Job),
		ready:   make(chan string, opts.Buffer),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	if job.Kind == "" {
		return fmt.Errorf("%w: job kind is required", ErrPermanent)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	now := time.Now()
	job.Status = JobStatusPending
	job.CreatedAt, job.UpdatedAt = now, now

	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case q.ready <- job.ID:
		cp := *job
		q.jobs[job.ID] = &cp
		telemetry.JobsEnqueued.WithLabelValues(string(job.Kind), "accepted").Inc()
		return nil
	default:
		telemetry.JobsEnqueued.WithLabelValues(string(job.Kind), "rejected").Inc()
		return fmt.Errorf("%w: %d jobs waiting", ErrQueueFull, len(q.ready))
	}
}

func (q *MemoryQueue) Get(ctx context.Context, id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// Process runs the workers until ctx is cancelled.
func (q *MemoryQueue) Process(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-q.ready:
					q.run(ctx, id)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (q *MemoryQueue) run(ctx context.Context, id string) {
	job := q.update(id, func(j *Job) {
		j.Status = JobStatusRunning
		j.Attempts++
	})
	if job == nil {
		return
	}

	result, err := q.handler.Handle(ctx, job)
	if err == nil {
		q.update(id, func(j *Job) {
			j.Status = JobStatusDone
			j.Result = result
			j.LastError = ""
		})
		q.expire(id)
		return
	}

	entry := log.WithFields(log.Fields{
		"job_id":   id,
		"kind":     job.Kind,
		"user_id":  job.UserID,
		"attempts": job.Attempts,
	}).WithError(err)

	if errors.Is(err, ErrPermanent) || job.LastAttempt() {
		q.update(id, func(j *Job) {
			j.Status = JobStatusFailed
			j.LastError = err.Error()
		})
		entry.Error("worker: job failed")
		q.expire(id)
		return
	}

	q.update(id, func(j *Job) {
		j.Status = JobStatusPending
		j.LastError = err.Error()
	})
	delay := q.opts.Backoff * time.Duration(job.Attempts)
	entry.WithField("retry_in", delay.String()).Warn("worker: job will be retried")
	time.AfterFunc(delay, func() {
		select {
		case q.ready <- id:
		case <-ctx.Done():
		}
	})
}

// expire drops a finished job after the retention window.
func (q *MemoryQueue) expire(id string) {
	time.AfterFunc(q.opts.Retention, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if j, ok := q.jobs[id]; ok && (j.Status == JobStatusDone || j.Status == JobStatusFailed) {
			delete(q.jobs, id)
		}
	})
}

func (q *MemoryQueue) update(id string, fn func(*Job)) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil
	}
	fn(job)
	job.UpdatedAt = time.Now()
	cp := *job
	return &cp
}
