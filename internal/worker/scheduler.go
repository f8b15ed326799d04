package worker

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

type UserLister interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// Scheduler periodically enqueues a reconcile job for every user with a balance.
type Scheduler struct {
	queue    Queue
	users    UserLister
	interval time.Duration
}

func NewScheduler(queue Queue, users UserLister, interval time.Duration) *Scheduler {
	return &Scheduler{queue: queue, users: users, interval: interval}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.EnqueueReconcile(ctx)
			if err != nil {
				log.WithError(err).Error("scheduler: failed to enqueue reconcile jobs")
				continue
			}
			log.WithField("jobs", n).Debug("scheduler: reconcile sweep enqueued")
		}
	}
}

func (s *Scheduler) EnqueueReconcile(ctx context.Context) (int, error) {
	ids, err := s.users.ListUserIDs(ctx)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := s.queue.Enqueue(ctx, &Job{Kind: JobReconcile, UserID: id}); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}
