package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSchedulerJob struct {
	name     string
	schedule string
	run      func(context.Context)
}

func (j *testSchedulerJob) Name() string { return j.name }

func (j *testSchedulerJob) Schedule(context.Context) string { return j.schedule }

func (j *testSchedulerJob) Run(ctx context.Context) {
	if j.run != nil {
		j.run(ctx)
	}
}

func TestJobScheduler_RunsEverySecond(t *testing.T) {
	js := NewJobScheduler(context.Background(), nil)

	var once sync.Once
	ranCh := make(chan struct{}, 1)
	job := &testSchedulerJob{
		name:     "test-every-second",
		schedule: "@every 1s",
		run: func(ctx context.Context) {
			once.Do(func() { ranCh <- struct{}{} })
		},
	}

	require.NoError(t, js.RescheduleJob(context.Background(), job))
	js.Start()
	defer js.Stop()

	select {
	case <-ranCh:
	case <-time.After(2500 * time.Millisecond):
		t.Fatal("timed out waiting for scheduled run")
	}
}

func TestJobScheduler_RejectsInvalidSchedule(t *testing.T) {
	js := NewJobScheduler(context.Background(), nil)

	job := &testSchedulerJob{name: "bad", schedule: "not-a-cron"}
	assert.Error(t, js.RescheduleJob(context.Background(), job))
}

func TestJobScheduler_JobObservesLifecycleCancellation(t *testing.T) {
	lifecycleCtx, cancelLifecycle := context.WithCancel(context.Background())
	js := NewJobScheduler(lifecycleCtx, nil)

	startedCh := make(chan struct{}, 1)
	stoppedCh := make(chan struct{}, 1)
	job := &testSchedulerJob{
		name:     "lifecycle-shutdown",
		schedule: "*/1 * * * * *",
		run: func(ctx context.Context) {
			select {
			case startedCh <- struct{}{}:
			default:
			}
			<-ctx.Done()
			select {
			case stoppedCh <- struct{}{}:
			default:
			}
		},
	}

	require.NoError(t, js.RescheduleJob(lifecycleCtx, job))
	js.Start()
	defer js.Stop()

	select {
	case <-startedCh:
	case <-time.After(2500 * time.Millisecond):
		t.Fatal("timed out waiting for scheduled run")
	}

	cancelLifecycle()

	select {
	case <-stoppedCh:
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("scheduled job did not observe lifecycle cancellation")
	}
}

func TestJobScheduler_RescheduleReplacesEntry(t *testing.T) {
	js := NewJobScheduler(context.Background(), nil)

	job := &testSchedulerJob{name: "replace-me", schedule: "@every 1h"}
	require.NoError(t, js.RescheduleJob(context.Background(), job))

	job.schedule = "@every 30m"
	require.NoError(t, js.RescheduleJob(context.Background(), job))

	js.mu.Lock()
	defer js.mu.Unlock()
	assert.Len(t, js.entries, 1)
}
