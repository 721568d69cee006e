package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"timesync-connector/internal/domain"
	"timesync-connector/internal/usecase"
)

// State is the scheduler lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// RunFunc performs one run of a task. again asks for the next run to start
// immediately instead of after the interval.
type RunFunc func(ctx context.Context) (again bool, err error)

// Task is a periodic job. A task never runs concurrently with itself: a run
// requested while another is in flight is skipped, not queued.
type Task struct {
	Name         string
	Interval     time.Duration
	Timeout      time.Duration
	InitialDelay time.Duration
	Run          RunFunc
	// Backoff spaces runs out after consecutive failures. Optional.
	Backoff *usecase.RetryPolicy

	running  atomic.Bool
	failures atomic.Int64
}

// TryRun executes the task once unless it is already running. The run is
// detached from ctx cancellation so shutdown never interrupts it; only
// Timeout bounds it.
func (t *Task) TryRun(ctx context.Context) (bool, error) {
	if !t.running.CompareAndSwap(false, true) {
		return false, domain.ErrTaskRunning
	}
	defer t.running.Store(false)

	runCtx := context.WithoutCancel(ctx)
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, t.Timeout)
		defer cancel()
	}
	return t.Run(runCtx)
}

// Running reports whether a run is in flight.
func (t *Task) Running() bool { return t.running.Load() }

func (t *Task) nextDelay(again bool, err error) time.Duration {
	if err != nil {
		n := t.failures.Add(1)
		d := t.Interval
		if t.Backoff != nil {
			if b := t.Backoff.NextDelay(int(n)); b > d {
				d = b
			}
		}
		return d
	}
	t.failures.Store(0)
	if again {
		return 0
	}
	return t.Interval
}

// Scheduler owns the periodic tasks of one connector process and drives
// their lifecycle: Stopped -> Starting -> Running -> Stopping -> Stopped.
type Scheduler struct {
	log    *zap.Logger
	health *HealthTracker
	now    func() time.Time

	mu     sync.Mutex
	state  State
	tasks  []*Task
	stopCh chan struct{}
	fatal  chan error
	wg     sync.WaitGroup
}

func NewScheduler(log *zap.Logger, health *HealthTracker) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{log: log.Named("scheduler"), health: health, now: time.Now}
}

// Add registers a task. Tasks can only be added while stopped.
func (s *Scheduler) Add(t *Task) error {
	if t == nil || t.Run == nil || t.Name == "" {
		return errors.New("scheduler: task needs a name and a run func")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("scheduler: task %s needs a positive interval", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return domain.ErrSchedulerRunning
	}
	for _, existing := range s.tasks {
		if existing.Name == t.Name {
			return fmt.Errorf("scheduler: duplicate task %s", t.Name)
		}
	}
	s.tasks = append(s.tasks, t)
	return nil
}

// Task returns the named task or nil.
func (s *Scheduler) Task(name string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches one loop per task and returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return domain.ErrSchedulerRunning
	}
	s.state = StateStarting
	s.stopCh = make(chan struct{})
	s.fatal = make(chan error, 1)

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.state = StateRunning
	s.log.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
	return nil
}

// Stop stops issuing new runs and waits for in-flight runs to finish or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return domain.ErrSchedulerNotRunning
	}
	s.state = StateStopping
	close(s.stopCh)
	s.mu.Unlock()
	s.log.Info("scheduler stopping, waiting for in-flight runs")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with runs still in flight")
		return ctx.Err()
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.log.Info("scheduler stopped")
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled or a task hits
// a fatal error, then stops. The fatal error, if any, is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	var cause error
	select {
	case <-ctx.Done():
	case cause = <-s.fatal:
		s.log.Error("fatal task failure, shutting down", zap.Error(cause))
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stopTimeout())
	defer cancel()
	if err := s.Stop(stopCtx); err != nil && cause == nil {
		cause = err
	}
	return cause
}

// Trigger runs the named task now, outside its schedule. It shares the
// skip-if-running guard with the scheduled loop.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	if s.state != StateRunning {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (%s)", domain.ErrSchedulerNotRunning, st)
	}
	var t *Task
	for _, c := range s.tasks {
		if c.Name == name {
			t = c
			break
		}
	}
	if t == nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: %w %q", domain.ErrUnknownTask, name)
	}
	// Stop waits for triggered runs like for scheduled ones.
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	_, err := s.run(ctx, t)
	if isFatal(err) {
		s.reportFatal(err)
	}
	return err
}

func (s *Scheduler) loop(ctx context.Context, t *Task) {
	defer s.wg.Done()
	timer := time.NewTimer(t.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if s.State() != StateRunning {
			return
		}

		again, err := s.run(ctx, t)
		if isFatal(err) {
			s.reportFatal(err)
			return
		}
		if errors.Is(err, domain.ErrTaskRunning) {
			timer.Reset(t.Interval)
			continue
		}
		timer.Reset(t.nextDelay(again, err))
	}
}

func (s *Scheduler) run(ctx context.Context, t *Task) (bool, error) {
	start := s.now()
	again, err := t.TryRun(ctx)
	if errors.Is(err, domain.ErrTaskRunning) {
		s.log.Debug("task still running, skipping", zap.String("task", t.Name))
		return false, err
	}
	if s.health != nil {
		s.health.Record(t.Name, err, s.now())
	}
	if err != nil {
		s.log.Warn("task run failed",
			zap.String("task", t.Name),
			zap.Duration("took", s.now().Sub(start)),
			zap.Int64("consecutive_failures", t.failures.Load()+1),
			zap.Error(err),
		)
		return again, err
	}
	s.log.Debug("task run completed", zap.String("task", t.Name), zap.Duration("took", s.now().Sub(start)))
	return again, nil
}

func (s *Scheduler) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

func (s *Scheduler) stopTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := 30 * time.Second
	for _, t := range s.tasks {
		if t.Timeout+5*time.Second > d {
			d = t.Timeout + 5*time.Second
		}
	}
	return d
}

// isFatal reports errors no later run can recover from.
func isFatal(err error) bool {
	return errors.Is(err, domain.ErrEngineHalted) ||
		domain.IsStorageError(err) ||
		errors.Is(err, ErrUnhealthy)
}
