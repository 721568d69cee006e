package usecase

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"timesync-connector/internal/domain"
)

func TestNextDelayGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{BaseDelay: 30 * time.Second, Multiplier: 2, MaxDelay: 3 * time.Minute}

	assert.Equal(t, 30*time.Second, p.NextDelay(0))
	assert.Equal(t, 30*time.Second, p.NextDelay(1))
	assert.Equal(t, time.Minute, p.NextDelay(2))
	assert.Equal(t, 2*time.Minute, p.NextDelay(3))
	assert.Equal(t, 3*time.Minute, p.NextDelay(4))
	assert.Equal(t, 3*time.Minute, p.NextDelay(40))
}

func TestNextDelayJitterStaysInBounds(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Minute, Multiplier: 2, MaxDelay: time.Hour, Jitter: 0.2}

	p.Rand = func() float64 { return 0 }
	assert.Equal(t, 48*time.Second, p.NextDelay(1))
	p.Rand = func() float64 { return 0.5 }
	assert.Equal(t, time.Minute, p.NextDelay(1))
	p.Rand = func() float64 { return 0.999999 }
	d := p.NextDelay(1)
	assert.Greater(t, d, time.Minute)
	assert.LessOrEqual(t, d, 72*time.Second)

	p.Rand = nil
	for i := 0; i < 100; i++ {
		d := p.NextDelay(3)
		assert.GreaterOrEqual(t, d, 192*time.Second)
		assert.LessOrEqual(t, d, 288*time.Second)
	}
}

func TestNextDelayJitterNeverExceedsMax(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Minute, Multiplier: 2, MaxDelay: 2 * time.Minute, Jitter: 0.5, Rand: func() float64 { return 0.99 }}
	assert.Equal(t, 2*time.Minute, p.NextDelay(5))
}

func TestShouldRetry(t *testing.T) {
	p := RetryPolicy{Ceiling: 3}

	tests := []struct {
		attempt int
		class   domain.FailureClass
		want    bool
	}{
		{1, domain.ClassRecoverable, true},
		{2, domain.ClassTransport, true},
		{3, domain.ClassRecoverable, false},
		{4, domain.ClassTransport, false},
		{1, domain.ClassNonRecoverable, false},
		{1, domain.ClassStorage, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.class, tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, p.ShouldRetry(tt.attempt, tt.class))
		})
	}

	assert.True(t, RetryPolicy{}.ShouldRetry(1000, domain.ClassRecoverable), "no ceiling")
}

func TestClassify(t *testing.T) {
	p := RetryPolicy{TransientStatus: map[int]bool{409: true}}

	tests := []struct {
		name string
		err  error
		want domain.FailureClass
	}{
		{"nil", nil, domain.ClassNone},
		{"storage", domain.NewStorageError("write", errors.New("disk full")), domain.ClassStorage},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), domain.ClassTransport},
		{"no response", &domain.TransportError{Op: "fetch", Err: errors.New("refused")}, domain.ClassTransport},
		{"server error", &domain.TransportError{Op: "fetch", StatusCode: 503, Err: errors.New("x")}, domain.ClassTransport},
		{"too many requests", &domain.TransportError{Op: "fetch", StatusCode: 429, Err: errors.New("x")}, domain.ClassTransport},
		{"whitelisted 4xx", &domain.TransportError{Op: "fetch", StatusCode: 409, Err: errors.New("x")}, domain.ClassRecoverable},
		{"client error", &domain.TransportError{Op: "fetch", StatusCode: 422, Err: errors.New("x")}, domain.ClassNonRecoverable},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, domain.ClassTransport},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("eof")}, domain.ClassTransport},
		{"anything else", errors.New("odd"), domain.ClassRecoverable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Classify(tt.err))
		})
	}
}
