package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"timesync-connector/internal/domain"
	"timesync-connector/internal/usecase"
)

func TestSchedulerRunsTasksPeriodically(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(zap.NewNop(), nil)
	require.NoError(t, s.Add(&Task{
		Name:     "tick",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) (bool, error) {
			runs.Add(1)
			return false, nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, s.State())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.State())

	// Nothing runs once stopped.
	n := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, runs.Load())
}

func TestSchedulerLifecycleErrors(t *testing.T) {
	s := NewScheduler(zap.NewNop(), nil)
	task := &Task{Name: "t", Interval: time.Hour, Run: func(context.Context) (bool, error) { return false, nil }}

	assert.ErrorIs(t, s.Stop(context.Background()), domain.ErrSchedulerNotRunning)
	assert.ErrorIs(t, s.Trigger(context.Background(), "t"), domain.ErrSchedulerNotRunning)

	require.NoError(t, s.Add(task))
	assert.Error(t, s.Add(&Task{Name: "t", Interval: time.Hour, Run: task.Run}), "duplicate name")
	assert.Error(t, s.Add(&Task{Name: "no-interval", Run: task.Run}))
	assert.Error(t, s.Add(&Task{Interval: time.Hour, Run: task.Run}))

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	assert.ErrorIs(t, s.Start(context.Background()), domain.ErrSchedulerRunning)
	assert.ErrorIs(t, s.Add(&Task{Name: "late", Interval: time.Hour, Run: task.Run}), domain.ErrSchedulerRunning)
	assert.ErrorIs(t, s.Trigger(context.Background(), "unknown"), domain.ErrUnknownTask)
}

func TestTaskNeverRunsConcurrentlyWithItself(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	task := &Task{Name: "slow", Interval: time.Hour, Run: func(context.Context) (bool, error) {
		close(started)
		<-release
		return false, nil
	}}

	done := make(chan error, 1)
	go func() {
		_, err := task.TryRun(context.Background())
		done <- err
	}()
	<-started
	assert.True(t, task.Running())

	_, err := task.TryRun(context.Background())
	assert.ErrorIs(t, err, domain.ErrTaskRunning)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, task.Running())
}

func TestStopWaitsForInFlightRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	var cancelledInside atomic.Bool

	s := NewScheduler(zap.NewNop(), nil)
	require.NoError(t, s.Add(&Task{Name: "batch", Interval: time.Hour, Run: func(runCtx context.Context) (bool, error) {
		close(started)
		<-release
		cancelledInside.Store(runCtx.Err() != nil)
		return false, nil
	}}))
	require.NoError(t, s.Start(ctx))
	<-started

	// Shutdown must not cancel a batch mid-dispatch.
	cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		t.Fatalf("stop returned with a run in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StateStopping, s.State())

	close(release)
	require.NoError(t, <-stopped)
	assert.Equal(t, StateStopped, s.State())
	assert.False(t, cancelledInside.Load())
}

func TestStopGivesUpWhenContextExpires(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	s := NewScheduler(zap.NewNop(), nil)
	require.NoError(t, s.Add(&Task{Name: "stuck", Interval: time.Hour, Run: func(context.Context) (bool, error) {
		close(started)
		<-release
		return false, nil
	}}))
	require.NoError(t, s.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}

func TestFatalErrorStopsTheScheduler(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(zap.NewNop(), nil)
	require.NoError(t, s.Add(&Task{Name: "poll", Interval: time.Millisecond, Run: func(context.Context) (bool, error) {
		runs.Add(1)
		return false, fmt.Errorf("%w: %w", domain.ErrEngineHalted, domain.NewStorageError("record attempt", errors.New("disk full")))
	}}))

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrEngineHalted)
	assert.True(t, domain.IsStorageError(err))
	assert.Equal(t, StateStopped, s.State())
	assert.EqualValues(t, 1, runs.Load())
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	s := NewScheduler(zap.NewNop(), nil)
	var runs atomic.Int32
	require.NoError(t, s.Add(&Task{Name: "t", Interval: time.Hour, Run: func(context.Context) (bool, error) {
		runs.Add(1)
		return false, nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-errc)
	assert.Equal(t, StateStopped, s.State())
}

func TestTriggerSharesTheGuard(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var runs atomic.Int32

	s := NewScheduler(zap.NewNop(), nil)
	require.NoError(t, s.Add(&Task{Name: "poll", Interval: time.Hour, InitialDelay: time.Hour, Run: func(context.Context) (bool, error) {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return false, nil
	}}))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	first := make(chan error, 1)
	go func() { first <- s.Trigger(context.Background(), "poll") }()
	<-started

	assert.ErrorIs(t, s.Trigger(context.Background(), "poll"), domain.ErrTaskRunning)
	close(release)
	require.NoError(t, <-first)
	assert.EqualValues(t, 1, runs.Load())
}

func TestStopWaitsForTriggeredRun(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var finished atomic.Bool

	s := NewScheduler(zap.NewNop(), nil)
	require.NoError(t, s.Add(&Task{Name: "poll", Interval: time.Hour, InitialDelay: time.Hour, Run: func(context.Context) (bool, error) {
		started <- struct{}{}
		<-release
		finished.Store(true)
		return false, nil
	}}))
	require.NoError(t, s.Start(context.Background()))

	triggered := make(chan error, 1)
	go func() { triggered <- s.Trigger(context.Background(), "poll") }()
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	require.Eventually(t, func() bool { return s.State() == StateStopping }, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Trigger(context.Background(), "poll"), domain.ErrSchedulerNotRunning, "no new runs once stopping")

	select {
	case <-stopped:
		t.Fatal("Stop returned while a triggered run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.True(t, finished.Load())
	assert.Equal(t, StateStopped, s.State())
	require.NoError(t, <-triggered)
}

func TestNextDelay(t *testing.T) {
	task := &Task{
		Interval: 10 * time.Second,
		Backoff:  &usecase.RetryPolicy{BaseDelay: 5 * time.Second, Multiplier: 2, MaxDelay: time.Minute},
	}
	failed := errors.New("queue unreachable")

	assert.Equal(t, time.Duration(0), task.nextDelay(true, nil), "drain mode")
	assert.Equal(t, 10*time.Second, task.nextDelay(false, nil))

	assert.Equal(t, 10*time.Second, task.nextDelay(false, failed)) // 5s < interval
	assert.Equal(t, 10*time.Second, task.nextDelay(false, failed)) // 10s
	assert.Equal(t, 20*time.Second, task.nextDelay(false, failed))
	assert.Equal(t, 40*time.Second, task.nextDelay(false, failed))
	assert.Equal(t, time.Minute, task.nextDelay(false, failed))

	// Success resets the failure count.
	assert.Equal(t, 10*time.Second, task.nextDelay(false, nil))
	assert.Equal(t, 10*time.Second, task.nextDelay(false, failed))
}

func TestDrainModeRerunsImmediately(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(zap.NewNop(), nil)
	require.NoError(t, s.Add(&Task{Name: "poll", Interval: time.Hour, Run: func(context.Context) (bool, error) {
		return runs.Add(1) < 3, nil
	}}))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 3, runs.Load())
}

func TestSchedulerRecordsHealth(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHealthTracker(time.Minute, now)
	h.Watch("poll")

	s := NewScheduler(zap.NewNop(), h)
	s.now = func() time.Time { return now }
	var fail atomic.Bool
	fail.Store(true)
	require.NoError(t, s.Add(&Task{Name: "poll", Interval: time.Hour, InitialDelay: time.Hour, Run: func(context.Context) (bool, error) {
		if fail.Load() {
			return false, errors.New("fetch failed")
		}
		return false, nil
	}}))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	assert.Error(t, s.Trigger(context.Background(), "poll"))
	rep := h.Report(now)
	require.Len(t, rep.Tasks, 1)
	assert.Equal(t, 1, rep.Tasks[0].ConsecutiveFailures)
	assert.Equal(t, "fetch failed", rep.Tasks[0].LastError)

	fail.Store(false)
	require.NoError(t, s.Trigger(context.Background(), "poll"))
	rep = h.Report(now)
	assert.Equal(t, 0, rep.Tasks[0].ConsecutiveFailures)
	assert.Equal(t, 2, rep.Tasks[0].Runs)
	assert.Equal(t, now, rep.Tasks[0].LastSuccess)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, isFatal(fmt.Errorf("poll: %w", domain.ErrEngineHalted)))
	assert.True(t, isFatal(&domain.StorageError{Op: "ledger record attempt", Err: errors.New("disk full")}))
	assert.True(t, isFatal(ErrUnhealthy))
	assert.False(t, isFatal(fmt.Errorf("poll: %w: %w", domain.ErrCycleInterrupted, context.DeadlineExceeded)))
	assert.False(t, isFatal(&domain.TransportError{Op: "fetch batch", StatusCode: 503}))
}
