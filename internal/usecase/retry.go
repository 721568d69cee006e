package usecase

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/url"
	"time"

	"timesync-connector/internal/domain"
)

// RetryPolicy decides whether and when a failed group is retried. The same
// type spaces out poll cycles after consecutive queue failures.
type RetryPolicy struct {
	Ceiling    int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter is the fraction of the computed delay that is randomised, in [0, 1].
	Jitter float64
	// TransientStatus lists 4xx codes the embedder wants retried rather than
	// dead-lettered.
	TransientStatus map[int]bool

	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// DefaultRetryPolicy mirrors the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Ceiling:    5,
		BaseDelay:  30 * time.Second,
		Multiplier: 2,
		MaxDelay:   30 * time.Minute,
		Jitter:     0.2,
	}
}

// NextDelay returns the wait before the given attempt is retried.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	limit := float64(p.MaxDelay)
	if p.MaxDelay > 0 && d > limit {
		d = limit
	}

	if j := clamp(p.Jitter, 0, 1); j > 0 {
		r := p.random()
		d = d - d*j + 2*d*j*r
	}
	if p.MaxDelay > 0 && d > limit {
		d = limit
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt is allowed after attempt
// attempts ended with a failure of the given class. A group therefore reaches
// the dead letter state after exactly Ceiling attempts.
func (p RetryPolicy) ShouldRetry(attempt int, class domain.FailureClass) bool {
	switch class {
	case domain.ClassNonRecoverable, domain.ClassStorage:
		return false
	}
	if p.Ceiling <= 0 {
		return true
	}
	return attempt < p.Ceiling
}

// Classify maps an arbitrary error to a failure class.
func (p RetryPolicy) Classify(err error) domain.FailureClass {
	if err == nil {
		return domain.ClassNone
	}
	if domain.IsStorageError(err) {
		return domain.ClassStorage
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ClassTransport
	}

	var te *domain.TransportError
	if errors.As(err, &te) {
		if te.Recoverable() {
			return domain.ClassTransport
		}
		if p.TransientStatus[te.StatusCode] {
			return domain.ClassRecoverable
		}
		if te.StatusCode >= 400 && te.StatusCode < 500 {
			return domain.ClassNonRecoverable
		}
		return domain.ClassTransport
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return domain.ClassTransport
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return domain.ClassTransport
	}
	return domain.ClassRecoverable
}

func (p RetryPolicy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
