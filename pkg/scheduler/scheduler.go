// Package scheduler runs named periodic jobs on cron schedules with
// seconds granularity and lifecycle-aware contexts.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named periodic task. Schedule returns a cron expression with
// seconds granularity; "@every <duration>" descriptors are accepted.
type Job interface {
	Name() string
	Schedule(ctx context.Context) string
	Run(ctx context.Context)
}

// JobScheduler wraps a cron runner and tracks entries by job name so jobs
// can be rescheduled in place.
type JobScheduler struct {
	cron         *cron.Cron
	lifecycleCtx context.Context

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewJobScheduler builds a scheduler whose jobs observe lifecycleCtx for
// shutdown. A nil location schedules in local time.
func NewJobScheduler(lifecycleCtx context.Context, loc *time.Location) *JobScheduler {
	if loc == nil {
		loc = time.Local
	}
	return &JobScheduler{
		cron:         cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		lifecycleCtx: lifecycleCtx,
		entries:      make(map[string]cron.EntryID),
	}
}

// RescheduleJob registers or replaces a job under its name. The run context
// derives from ctx and is cancelled when the scheduler's lifecycle context
// ends.
func (s *JobScheduler) RescheduleJob(ctx context.Context, job Job) error {
	schedule := job.Schedule(ctx)

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", schedule, job.Name(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[job.Name()]; ok {
		s.cron.Remove(id)
		delete(s.entries, job.Name())
	}

	lifecycleCtx := s.lifecycleCtx
	id, err := s.cron.AddFunc(schedule, func() {
		runCtx, cancel := mergeLifecycle(ctx, lifecycleCtx)
		defer cancel()
		job.Run(runCtx)
	})
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", job.Name(), err)
	}
	s.entries[job.Name()] = id

	slog.DebugContext(ctx, "scheduled job", "job", job.Name(), "schedule", schedule)
	return nil
}

// Start begins dispatching scheduled jobs.
func (s *JobScheduler) Start() {
	s.cron.Start()
}

// Stop halts dispatch; running jobs observe lifecycle cancellation.
func (s *JobScheduler) Stop() {
	s.cron.Stop()
}

// mergeLifecycle derives a context from base that is also cancelled when
// lifecycle ends.
func mergeLifecycle(base, lifecycle context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(base)
	if lifecycle == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(lifecycle, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
