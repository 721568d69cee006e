package connectapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"timesync-connector/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:              srv.URL + "/connect/api",
		APIKey:               "secret",
		CallerKey:            "caller-1",
		Timeout:              5 * time.Second,
		MaxRetries:           2,
		RetryInitialInterval: time.Millisecond,
	}, zap.NewNop())
}

const postedGroup = `[{
  "groupId": "g-123",
  "groupName": "Drafting",
  "description": "Contract review",
  "totalDurationSecs": 5400,
  "submittedAt": "2026-03-02T10:15:00Z",
  "callerKey": "caller-1",
  "user": {"externalId": "u-9", "name": "Sam", "email": "sam@example.com"},
  "tags": [{"name": "ACME-1", "path": "/clients/"}],
  "timeRows": [{
    "timeRowId": "r-1",
    "activity": "Word",
    "description": "contract.docx",
    "activityHour": 2026030209,
    "firstObservedInHour": 12,
    "durationSecs": 3600,
    "modifier": "",
    "source": "WT_DESKTOP"
  }]
}]`

func TestFetchBatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/connect/api/postedtime", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, postedGroup)
	})

	groups, err := c.FetchBatch(context.Background(), 25)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	g := groups[0]
	assert.Equal(t, "g-123", g.ID)
	assert.Equal(t, "Drafting", g.Name)
	assert.Equal(t, "Contract review", g.Narrative)
	assert.Equal(t, 90*time.Minute, g.TotalDuration)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC), g.SubmittedAt)
	assert.Equal(t, domain.User{ExternalID: "u-9", Name: "Sam", Email: "sam@example.com"}, g.User)
	assert.Equal(t, []string{"ACME-1"}, g.TagNames())
	require.Len(t, g.Rows, 1)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), g.Rows[0].ActivityHour)
	assert.Equal(t, time.Hour, g.Rows[0].Duration)
	assert.Equal(t, 12, g.Rows[0].FirstObservedInHour)
}

func TestAcknowledgeSendsStatus(t *testing.T) {
	var got rawStatus
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/connect/api/postedtime/status", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	err := c.Acknowledge(context.Background(), domain.AckOutcome{GroupID: "g-1", Status: domain.AckFailure, Message: "unknown client"})
	require.NoError(t, err)
	assert.Equal(t, rawStatus{TimeGroupID: "g-1", Status: "FAILURE", Message: "unknown client", CallerKey: "caller-1"}, got)
}

func TestTransientStatusIsRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "[]")
	})

	groups, err := c.FetchBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, groups)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRetriesAreBounded(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.FetchBatch(context.Background(), 10)
	require.Error(t, err)
	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusInternalServerError, te.StatusCode)
	assert.True(t, te.Recoverable())
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown group", http.StatusBadRequest)
	})

	err := c.Acknowledge(context.Background(), domain.AckOutcome{GroupID: "g-1", Status: domain.AckSuccess})
	require.Error(t, err)
	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadRequest, te.StatusCode)
	assert.False(t, te.Recoverable())
	assert.Contains(t, te.Error(), "unknown group")
	assert.EqualValues(t, 1, calls.Load())
}

func TestMalformedResponse(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"not": "a list"`)
	})

	_, err := c.FetchBatch(context.Background(), 10)
	require.Error(t, err)
	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Error(), "malformed response")
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetchReferenceDataUsesETagAsVersion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/connect/api/reference", r.URL.Path)
		w.Header().Set("ETag", `W/"abc123"`)
		_, _ = io.WriteString(w, `{"tags":[{"name":"ACME-1","path":"/clients/"}],"workCodes":[{"code":"DEV","label":"Development"}]}`)
	})

	snap, err := c.FetchReferenceData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", snap.Version)
	assert.Len(t, snap.Tags, 1)
	assert.Equal(t, []domain.WorkCode{{Code: "DEV", Label: "Development"}}, snap.WorkCodes)
	assert.False(t, snap.FetchedAt.IsZero())
}

func TestUnreachableHostIsATransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url, MaxRetries: 1, RetryInitialInterval: time.Millisecond}, zap.NewNop())
	_, err := c.FetchBatch(context.Background(), 1)
	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, te.StatusCode)
	assert.True(t, te.Recoverable())
}

func TestParseActivityHour(t *testing.T) {
	assert.Equal(t, time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC), parseActivityHour(2026123123))
	assert.True(t, parseActivityHour(0).IsZero())
	assert.True(t, parseActivityHour(123).IsZero())
}
