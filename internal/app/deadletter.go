package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"timesync-connector/internal/domain"
	"timesync-connector/internal/ports"
)

const recentDeadLetters = 100

// DeadLetter is a dead-lettered group as kept for operators.
type DeadLetter struct {
	GroupID    string              `json:"group_id"`
	Class      domain.FailureClass `json:"class"`
	Reason     string              `json:"reason"`
	Attempts   int                 `json:"attempts"`
	ReportedAt time.Time           `json:"reported_at"`
}

// deadLetterLog logs every dead letter and keeps the most recent ones for the
// HTTP surface.
type deadLetterLog struct {
	log *zap.Logger
	now func() time.Time

	mu     sync.Mutex
	recent []DeadLetter
}

var _ ports.DeadLetterSink = (*deadLetterLog)(nil)

func newDeadLetterLog(log *zap.Logger) *deadLetterLog {
	return &deadLetterLog{log: log.Named("deadletter"), now: time.Now}
}

func (d *deadLetterLog) Report(_ context.Context, dl *domain.DispatchError) {
	d.log.Error("dead letter: operator action required",
		zap.String("group_id", dl.GroupID),
		zap.String("class", string(dl.Class)),
		zap.String("reason", dl.Reason),
		zap.Int("attempts", dl.Attempts),
	)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = append(d.recent, DeadLetter{
		GroupID:    dl.GroupID,
		Class:      dl.Class,
		Reason:     dl.Reason,
		Attempts:   dl.Attempts,
		ReportedAt: d.now().UTC(),
	})
	if len(d.recent) > recentDeadLetters {
		d.recent = d.recent[len(d.recent)-recentDeadLetters:]
	}
}

// Recent returns dead letters newest first.
func (d *deadLetterLog) Recent() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetter, len(d.recent))
	for i, dl := range d.recent {
		out[len(d.recent)-1-i] = dl
	}
	return out
}
