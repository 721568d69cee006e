package connectapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"timesync-connector/internal/domain"
	"timesync-connector/internal/ports"
)

const (
	DefaultBaseURL = "https://wisetime.com/connect/api"
	userAgent      = "timesync-connector/1"
	maxErrorBody   = 200
)

// Config configures the remote queue client.
type Config struct {
	BaseURL    string
	APIKey     string
	CallerKey  string
	Timeout    time.Duration
	MaxRetries int
	// RetryInitialInterval is the first wait between transport retries.
	RetryInitialInterval time.Duration
	RateLimit            float64 // requests per second, <= 0 disables limiting
	RateBurst            int
}

// Client implements ports.QueueClient over the connect REST API.
type Client struct {
	baseURL    string
	apiKey     string
	callerKey  string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	initial    time.Duration
	log        *zap.Logger
}

var _ ports.QueueClient = (*Client)(nil)

func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 500 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		callerKey:  cfg.CallerKey,
		http:       &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: cfg.MaxRetries,
		initial:    cfg.RetryInitialInterval,
		log:        log.Named("connectapi"),
	}
}

// FetchBatch returns up to limit posted groups, oldest first as the remote
// orders them. GET /postedtime?limit=N
func (c *Client) FetchBatch(ctx context.Context, limit int) ([]domain.PostedGroup, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	var raw []rawTimeGroup
	if _, err := c.do(ctx, "fetch batch", http.MethodGet, "/postedtime", q, nil, &raw); err != nil {
		return nil, err
	}

	out := make([]domain.PostedGroup, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toDomain())
	}
	c.log.Debug("fetched posted groups", zap.Int("count", len(out)), zap.Int("limit", limit))
	return out, nil
}

// Acknowledge reports a group outcome. POST /postedtime/status
func (c *Client) Acknowledge(ctx context.Context, ack domain.AckOutcome) error {
	body := rawStatus{
		TimeGroupID: ack.GroupID,
		Status:      string(ack.Status),
		Message:     ack.Message,
		CallerKey:   c.callerKey,
	}
	_, err := c.do(ctx, "acknowledge", http.MethodPost, "/postedtime/status", nil, body, nil)
	return err
}

// FetchReferenceData returns the full tag and work code set. GET /reference
// The ETag header is used as the version when the body carries none.
func (c *Client) FetchReferenceData(ctx context.Context) (domain.ReferenceSnapshot, error) {
	var raw rawReference
	header, err := c.do(ctx, "fetch reference data", http.MethodGet, "/reference", nil, nil, &raw)
	if err != nil {
		return domain.ReferenceSnapshot{}, err
	}
	snap := domain.ReferenceSnapshot{
		Version:   raw.Version,
		Tags:      raw.Tags,
		WorkCodes: raw.WorkCodes,
		FetchedAt: time.Now().UTC(),
	}
	if snap.Version == "" && header != nil {
		snap.Version = strings.Trim(strings.TrimPrefix(header.Get("ETag"), "W/"), `"`)
	}
	return snap, nil
}

// do performs one logical call with transport retries. Network errors, 5xx,
// 408 and 429 are retried; any other status stops immediately.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) (http.Header, error) {
	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return nil, &domain.TransportError{Op: op, Err: err}
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, &domain.TransportError{Op: op, Err: err}
		}
	}

	var header http.Header
	attempt := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(&domain.TransportError{Op: op, Err: err})
		}

		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
		if err != nil {
			return backoff.Permanent(&domain.TransportError{Op: op, Err: err})
		}
		c.setHeaders(req, payload != nil)

		resp, err := c.http.Do(req)
		if err != nil {
			return &domain.TransportError{Op: op, Err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			te := newTransportError(op, resp.StatusCode, snippet)
			if te.Recoverable() {
				return te
			}
			return backoff.Permanent(te)
		}

		header = resp.Header
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return backoff.Permanent(&domain.TransportError{
				Op:         op,
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("malformed response: %w", err),
			})
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initial
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxRetries)), ctx)

	err = backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		c.log.Debug("retrying remote call", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		var te *domain.TransportError
		if !errors.As(err, &te) {
			err = &domain.TransportError{Op: op, Err: err}
		}
		return nil, err
	}
	return header, nil
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
}

func newTransportError(op string, status int, body []byte) *domain.TransportError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody] + "..."
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &domain.TransportError{Op: op, StatusCode: status, Err: errors.New(msg)}
}
