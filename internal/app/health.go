package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"timesync-connector/internal/domain"
)

// ErrUnhealthy stops the process after too many successive failed health
// checks.
var ErrUnhealthy = errors.New("connector unhealthy")

// TaskHealth is what the tracker knows about one task.
type TaskHealth struct {
	Name                string        `json:"name"`
	Runs                int           `json:"runs"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastRun             time.Time     `json:"last_run,omitempty"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	SinceSuccess        time.Duration `json:"-"`
	SinceSuccessText    string        `json:"since_success"`
	Healthy             bool          `json:"healthy"`
}

// HealthReport is the health surface served at /healthz.
type HealthReport struct {
	Healthy  bool               `json:"healthy"`
	State    string             `json:"state"`
	Tasks    []TaskHealth       `json:"tasks"`
	LastPoll *domain.PollResult `json:"last_poll,omitempty"`
}

// HealthTracker records task outcomes. A watched task is unhealthy once it
// has gone longer than maxSinceSuccess without a successful run, counted
// from tracker creation until the first success.
type HealthTracker struct {
	mu              sync.RWMutex
	maxSinceSuccess time.Duration
	started         time.Time
	tasks           map[string]*TaskHealth
	watched         []string
	lastPoll        *domain.PollResult
	onSuccess       func(task string, at time.Time)
}

func NewHealthTracker(maxSinceSuccess time.Duration, started time.Time) *HealthTracker {
	return &HealthTracker{
		maxSinceSuccess: maxSinceSuccess,
		started:         started,
		tasks:           make(map[string]*TaskHealth),
	}
}

// Watch adds a task whose freshness decides overall health.
func (h *HealthTracker) Watch(names ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range names {
		if _, ok := h.tasks[n]; !ok {
			h.tasks[n] = &TaskHealth{Name: n}
		}
		h.watched = append(h.watched, n)
	}
}

// OnSuccess registers a hook called after every successful run.
func (h *HealthTracker) OnSuccess(fn func(task string, at time.Time)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSuccess = fn
}

func (h *HealthTracker) Record(task string, err error, at time.Time) {
	h.mu.Lock()
	th, ok := h.tasks[task]
	if !ok {
		th = &TaskHealth{Name: task}
		h.tasks[task] = th
	}
	th.Runs++
	th.LastRun = at
	if err != nil {
		th.ConsecutiveFailures++
		th.LastError = err.Error()
		h.mu.Unlock()
		return
	}
	th.ConsecutiveFailures = 0
	th.LastError = ""
	th.LastSuccess = at
	hook := h.onSuccess
	h.mu.Unlock()

	if hook != nil {
		hook(task, at)
	}
}

// RecordPoll keeps the counts of the latest poll cycle.
func (h *HealthTracker) RecordPoll(res domain.PollResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastPoll = &res
}

// LastPoll returns the counts of the latest poll cycle, or nil before the
// first one.
func (h *HealthTracker) LastPoll() *domain.PollResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.lastPoll == nil {
		return nil
	}
	p := *h.lastPoll
	return &p
}

// Healthy reports whether every watched task succeeded recently.
func (h *HealthTracker) Healthy(now time.Time) bool {
	return h.Report(now).Healthy
}

func (h *HealthTracker) Report(now time.Time) HealthReport {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rep := HealthReport{Healthy: true}
	watched := make(map[string]bool, len(h.watched))
	for _, n := range h.watched {
		watched[n] = true
	}
	for name, th := range h.tasks {
		t := *th
		ref := t.LastSuccess
		if ref.IsZero() {
			ref = h.started
		}
		t.SinceSuccess = now.Sub(ref)
		t.SinceSuccessText = t.SinceSuccess.Round(time.Second).String()
		t.Healthy = !watched[name] || h.maxSinceSuccess <= 0 || t.SinceSuccess <= h.maxSinceSuccess
		if !t.Healthy {
			rep.Healthy = false
		}
		rep.Tasks = append(rep.Tasks, t)
	}
	sort.Slice(rep.Tasks, func(i, j int) bool { return rep.Tasks[i].Name < rep.Tasks[j].Name })
	if h.lastPoll != nil {
		p := *h.lastPoll
		rep.LastPoll = &p
	}
	return rep
}

// watchdog returns a run func that fails fatally after limit successive
// unhealthy checks.
func watchdog(h *HealthTracker, s *Scheduler, limit int, now func() time.Time) RunFunc {
	var failures int
	return func(_ context.Context) (bool, error) {
		if s.State() == StateRunning && h.Healthy(now()) {
			failures = 0
			return false, nil
		}
		failures++
		if failures >= limit {
			return false, fmt.Errorf("%w: %d successive failed health checks", ErrUnhealthy, failures)
		}
		return false, nil
	}
}
