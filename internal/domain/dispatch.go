package domain

import "time"

// DispatchStatus is the coarse result a processor reports for one group.
type DispatchStatus int

const (
	DispatchSucceeded DispatchStatus = iota
	DispatchRecoverable
	DispatchNonRecoverable
	// DispatchErrored carries a raw error the engine classifies itself.
	DispatchErrored
)

// DispatchResult is returned by a Processor for a single group.
type DispatchResult struct {
	Status DispatchStatus
	Reason string
	Err    error
}

func Succeeded() DispatchResult { return DispatchResult{Status: DispatchSucceeded} }

func RecoverableFailure(reason string) DispatchResult {
	return DispatchResult{Status: DispatchRecoverable, Reason: reason}
}

func NonRecoverableFailure(reason string) DispatchResult {
	return DispatchResult{Status: DispatchNonRecoverable, Reason: reason}
}

// FailedWith leaves classification of err to the retry policy.
func FailedWith(err error) DispatchResult {
	r := DispatchResult{Status: DispatchErrored, Err: err}
	if err != nil {
		r.Reason = err.Error()
	}
	return r
}

// AckStatus is the status reported back to the remote queue.
type AckStatus string

const (
	AckSuccess AckStatus = "SUCCESS"
	AckFailure AckStatus = "FAILURE"
)

// AckOutcome is the payload of a remote acknowledgement.
type AckOutcome struct {
	GroupID string
	Status  AckStatus
	Message string
}

// PollResult aggregates what happened during one poll cycle.
type PollResult struct {
	CycleID      string        `json:"cycle_id"`
	Fetched      int           `json:"fetched"`
	Dispatched   int           `json:"dispatched"`
	Failed       int           `json:"failed"`
	DeadLettered int           `json:"dead_lettered"`
	Skipped      int           `json:"skipped"`
	Deferred     int           `json:"deferred"`
	Acknowledged int           `json:"acknowledged"`
	Duration     time.Duration `json:"duration_ns"`
}

// Full reports whether the remote returned as many groups as were requested,
// which usually means more are waiting.
func (r PollResult) Full(batchSize int) bool {
	return batchSize > 0 && r.Fetched >= batchSize
}

// RefreshResult reports whether a reference refresh replaced the snapshot.
type RefreshResult struct {
	Changed bool   `json:"changed"`
	Version string `json:"version"`
}
