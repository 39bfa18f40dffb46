// Package downstream calls the automation webhook. It knows nothing about
// deduplication: one Execute is one logical send with bounded retries.
package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrTimeout is returned when an attempt exceeds the per-attempt timeout.
	ErrTimeout = errors.New("downstream: timed out")

	// ErrStatus is wrapped by StatusError for non-2xx responses.
	ErrStatus = errors.New("downstream: non-success status")

	// ErrInvalidBody is returned when a 2xx response is not JSON.
	ErrInvalidBody = errors.New("downstream: response is not JSON")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("downstream: status %d body=%q", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Options configures an Executor. Zero values take the defaults below.
type Options struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
}

const (
	DefaultTimeout   = 40 * time.Second
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 8 * time.Second
	maxBodyBytes     = 1 << 20
	maxErrorBody     = 512
)

// Call is one logical send.
type Call struct {
	SessionID string
	Content   string
	RequestID string

	// OnRetry, if set, runs before each retry with the 1-based retry number
	// and the error that caused it.
	OnRetry func(retry int, err error)
}

// Executor performs calls against the webhook URL.
type Executor struct {
	opts   Options
	client *http.Client
	log    zerolog.Logger

	// Sleep waits between attempts. Replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error

	// Rand returns a value in [0, 1) used for jitter.
	Rand func() float64

	// Observe, if set, is called after every attempt with its result label
	// and duration.
	Observe func(result string, d time.Duration)
}

// New returns an Executor. hc may be nil; the per-attempt timeout is
// enforced through the request context, not the client.
func New(opts Options, hc *http.Client, log zerolog.Logger) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &Executor{
		opts:   opts,
		client: hc,
		log:    log,
		Sleep:  sleepContext,
		Rand:   rand.Float64,
	}
}

// Execute sends call, retrying timeouts, transport errors and non-2xx
// responses up to MaxRetries more times. It returns the JSON body of the
// first successful attempt, or the last error.
func (e *Executor) Execute(ctx context.Context, call Call) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if call.OnRetry != nil {
				call.OnRetry(attempt, lastErr)
			}
			delay := e.Backoff(attempt)
			e.log.Warn().
				Err(lastErr).
				Str("request_id", call.RequestID).
				Int("retry", attempt).
				Dur("delay", delay).
				Msg("retrying downstream call")
			if err := e.Sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("downstream: %w (last error: %v)", err, lastErr)
			}
		}

		body, err := e.attempt(ctx, call)
		if err == nil {
			return body, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Backoff returns the delay before the given 1-based retry: BaseDelay
// doubled per retry, capped at MaxDelay, then spread by +/- Jitter.
func (e *Executor) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := float64(e.opts.BaseDelay) * math.Pow(2, float64(retry-1))
	if d > float64(e.opts.MaxDelay) {
		d = float64(e.opts.MaxDelay)
	}
	if e.opts.Jitter > 0 {
		d *= 1 + (e.Rand()*2-1)*e.opts.Jitter
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

func (e *Executor) attempt(ctx context.Context, call Call) (json.RawMessage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	start := time.Now()
	body, err := e.do(attemptCtx, call)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s", ErrTimeout, e.opts.Timeout)
	}
	if e.Observe != nil {
		e.Observe(resultLabel(err), time.Since(start))
	}
	return body, err
}

func (e *Executor) do(ctx context.Context, call Call) (json.RawMessage, error) {
	u, err := url.Parse(e.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("downstream: parse url: %w", err)
	}
	q := u.Query()
	q.Set("sessionId", call.SessionID)
	q.Set("content", call.Content)
	q.Set("requestId", call.RequestID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("downstream: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", call.RequestID)

	rsp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downstream: send: %w", err)
	}
	defer rsp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(rsp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("downstream: read body: %w", err)
	}
	if rsp.StatusCode < 200 || rsp.StatusCode > 299 {
		raw := strings.TrimSpace(string(body))
		if len(raw) > maxErrorBody {
			raw = raw[:maxErrorBody]
		}
		return nil, &StatusError{Code: rsp.StatusCode, Body: raw}
	}
	if !json.Valid(body) {
		return nil, ErrInvalidBody
	}
	return json.RawMessage(body), nil
}

func retryable(err error) bool {
	return !errors.Is(err, ErrInvalidBody)
}

func resultLabel(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &se):
		return "status"
	case errors.Is(err, ErrInvalidBody):
		return "invalid_body"
	default:
		return "transport"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
