// Package coordinator admits each logical request at most once. It composes
// the lease layer, the duplicate scanner, the ledger claim and the
// downstream executor into one request-handling protocol.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/dedupe"
	"github.com/zulandar/signalbox/internal/downstream"
	"github.com/zulandar/signalbox/internal/fingerprint"
	"github.com/zulandar/signalbox/internal/lease"
	"github.com/zulandar/signalbox/internal/ledger"
	"github.com/zulandar/signalbox/internal/metrics"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/notify"
)

const (
	maxSessionIDLen = 128
	maxKeyLen       = 128
	maxContentBytes = 32 << 10
	alertTimeout    = 10 * time.Second
)

// Request is one inbound send.
type Request struct {
	SessionID      string
	Content        string
	IdempotencyKey string

	// RequestID is the correlation id. Generated when empty.
	RequestID string
}

// Response is a successful outcome. Cached is true when Result was read
// from a prior completed attempt instead of a new downstream call.
type Response struct {
	RequestID string
	EntryID   uint
	Cached    bool
	Result    json.RawMessage
}

// Executor performs the side-effecting downstream call.
type Executor interface {
	Execute(ctx context.Context, call downstream.Call) (json.RawMessage, error)
}

// Options tunes the protocol. Zero values take the package defaults.
type Options struct {
	Window        time.Duration
	LeaseTTL      time.Duration
	RenewInterval time.Duration
	Retention     time.Duration
	Lookback      time.Duration
	StaleAfter    time.Duration
	StoreTimeout  time.Duration

	// InstanceID prefixes lease holders so they identify this process.
	InstanceID string

	// Now is shared by the fingerprint generator and the scanner.
	Now func() time.Time
}

// Defaults applied by New.
const (
	DefaultRetention    = 24 * time.Hour
	DefaultLookback     = 90 * time.Second
	DefaultStaleAfter   = 120 * time.Second
	DefaultStoreTimeout = 5 * time.Second
)

func (o *Options) applyDefaults() {
	if o.Window <= 0 {
		o.Window = fingerprint.DefaultWindow
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = lease.DefaultTTL
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Lookback <= 0 {
		o.Lookback = DefaultLookback
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = DefaultStoreTimeout
	}
	if o.InstanceID == "" {
		o.InstanceID = uuid.NewString()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Deps are the collaborators of a Coordinator. Leases may be nil, in which
// case only the ledger's unique constraints protect against duplicates.
type Deps struct {
	Ledger   *ledger.Ledger
	Leases   lease.Manager
	Executor Executor
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Coordinator runs the request-handling protocol.
type Coordinator struct {
	ledger   *ledger.Ledger
	leases   lease.Manager
	exec     Executor
	scanner  *dedupe.Scanner
	fp       *fingerprint.Generator
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      zerolog.Logger
	opts     Options

	alerts sync.WaitGroup
}

// New validates deps and returns a Coordinator.
func New(deps Deps, opts Options) (*Coordinator, error) {
	if deps.Ledger == nil {
		return nil, fmt.Errorf("coordinator: ledger is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("coordinator: executor is required")
	}
	opts.applyDefaults()
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	scanner := &dedupe.Scanner{
		Store:      deps.Ledger,
		Retention:  opts.Retention,
		Lookback:   opts.Lookback,
		StaleAfter: opts.StaleAfter,
		Now:        opts.Now,
	}
	if deps.Leases != nil {
		leases := deps.Leases
		scanner.Leased = func(ctx context.Context, sessionID, contentHash string) (bool, error) {
			holder, err := leases.Holder(ctx, lease.Key{SessionID: sessionID, ContentHash: contentHash})
			return holder != "", err
		}
	}
	return &Coordinator{
		ledger:   deps.Ledger,
		leases:   deps.Leases,
		exec:     deps.Executor,
		scanner:  scanner,
		fp:       &fingerprint.Generator{Window: opts.Window, Now: opts.Now},
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		opts:     opts,
	}, nil
}

// Handle runs one request through the protocol. Every non-success outcome,
// including duplicates, is returned as *Error.
func (c *Coordinator) Handle(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	log := c.log.With().
		Str("session_id", req.SessionID).
		Str("request_id", req.RequestID).
		Str("idempotency_key", req.IdempotencyKey).
		Logger()

	resp, err := c.handle(ctx, req, log)

	outcome := outcomeOf(resp, err)
	latency := time.Since(start)
	if c.metrics != nil {
		c.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
		c.metrics.RequestLatencyMS.WithLabelValues(outcome).Observe(float64(latency.Milliseconds()))
	}
	evt := log.Info()
	switch KindOf(err) {
	case StorageError, DownstreamError, DownstreamTimeout:
		evt = log.Error().Err(err)
	}
	evt.Str("outcome", outcome).Int64("latency_ms", latency.Milliseconds()).Msg("request handled")

	return resp, err
}

func outcomeOf(resp *Response, err error) string {
	if err != nil {
		return string(KindOf(err))
	}
	if resp.Cached {
		return string(DuplicateCompleted)
	}
	return "completed"
}

func (c *Coordinator) handle(ctx context.Context, req Request, log zerolog.Logger) (*Response, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	contentHash := fingerprint.ContentHash(req.Content)
	key := lease.Key{SessionID: req.SessionID, ContentHash: contentHash}
	holder := c.opts.InstanceID + "/" + req.RequestID

	leased, err := c.acquire(ctx, key, holder, log)
	if err != nil {
		return nil, err
	}
	if leased {
		defer c.release(ctx, key, holder, log)
	}

	if resp, err := c.scan(ctx, req, contentHash, log); resp != nil || err != nil {
		return resp, err
	}

	entry, err := c.claim(ctx, req, contentHash)
	if err != nil {
		return nil, err
	}
	log = log.With().Uint("entry_id", entry.ID).Logger()

	// Past this point the claim is ours; a caller disconnect must not
	// abandon the downstream call or the ledger update.
	execCtx := context.WithoutCancel(ctx)
	if leased {
		renewCtx, stopRenew := context.WithCancel(execCtx)
		renewErr := lease.StartRenewal(renewCtx, c.leases, key, holder, c.opts.LeaseTTL, c.opts.RenewInterval)
		defer func() {
			stopRenew()
			select {
			case err := <-renewErr:
				log.Warn().Err(err).Msg("lease renewal stopped")
			default:
			}
		}()
	}

	return c.execute(execCtx, req, entry, log)
}

func validate(req Request) error {
	var problems []string
	session := strings.TrimSpace(req.SessionID)
	switch {
	case session == "":
		problems = append(problems, "sessionId is required")
	case session != req.SessionID:
		problems = append(problems, "sessionId must not have surrounding whitespace")
	case len(req.SessionID) > maxSessionIDLen:
		problems = append(problems, "sessionId exceeds "+strconv.Itoa(maxSessionIDLen)+" bytes")
	}
	content := fingerprint.Normalize(req.Content)
	switch {
	case content == "":
		problems = append(problems, "content is required")
	case len(content) > maxContentBytes:
		problems = append(problems, "content exceeds "+strconv.Itoa(maxContentBytes)+" bytes")
	}
	switch {
	case strings.TrimSpace(req.IdempotencyKey) == "":
		problems = append(problems, "idempotencyKey is required")
	case len(req.IdempotencyKey) > maxKeyLen:
		problems = append(problems, "idempotencyKey exceeds "+strconv.Itoa(maxKeyLen)+" bytes")
	case strings.Contains(req.IdempotencyKey, "#"):
		problems = append(problems, "idempotencyKey must not contain '#'")
	}
	if len(problems) > 0 {
		return newError(InvalidInput, strings.Join(problems, "; "), nil)
	}
	return nil
}

// storeCtx bounds a store call made on behalf of ctx.
func (c *Coordinator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.StoreTimeout)
}

// detachedStoreCtx bounds a store call that must run even if ctx is done.
func (c *Coordinator) detachedStoreCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.opts.StoreTimeout)
}

// acquire reports whether the lease was granted. A store failure degrades
// to ledger-only protection; a lease held elsewhere rejects the request.
func (c *Coordinator) acquire(ctx context.Context, key lease.Key, holder string, log zerolog.Logger) (bool, error) {
	if c.leases == nil {
		return false, nil
	}
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	granted, err := c.leases.Acquire(sctx, key, holder, c.opts.LeaseTTL)
	switch {
	case err != nil:
		c.countLease("acquire", "error")
		log.Warn().Err(err).Str("kind", string(LeaseUnavailable)).Msg("lease acquire failed; continuing with ledger-only protection")
		return false, nil
	case !granted:
		c.countLease("acquire", "denied")
		return false, newError(LeaseHeld, "request is already being processed elsewhere", nil)
	default:
		c.countLease("acquire", "granted")
		return true, nil
	}
}

func (c *Coordinator) release(ctx context.Context, key lease.Key, holder string, log zerolog.Logger) {
	sctx, cancel := c.detachedStoreCtx(ctx)
	defer cancel()

	released, err := c.leases.Release(sctx, key, holder)
	switch {
	case err != nil:
		c.countLease("release", "error")
		log.Warn().Err(err).Msg("lease release failed")
	case !released:
		c.countLease("release", "not_held")
		log.Warn().Msg("lease was no longer held at release")
	default:
		c.countLease("release", "released")
	}
}

func (c *Coordinator) countLease(op, result string) {
	if c.metrics == nil {
		return
	}
	if op == "acquire" {
		c.metrics.LeaseAcquireTotal.WithLabelValues(result).Inc()
		return
	}
	c.metrics.LeaseReleaseTotal.WithLabelValues(result).Inc()
}

// scan returns a response or error when a prior attempt decides the
// outcome, and nil, nil when the request should be claimed.
func (c *Coordinator) scan(ctx context.Context, req Request, contentHash string, log zerolog.Logger) (*Response, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	m, err := c.scanner.Scan(sctx, req.IdempotencyKey, req.SessionID, contentHash)
	if err != nil {
		return nil, newError(StorageError, "duplicate scan failed", err)
	}
	if len(m.Reclaimed) > 0 {
		if c.metrics != nil {
			c.metrics.ReclaimedTotal.Add(float64(len(m.Reclaimed)))
		}
		log.Warn().Interface("entry_ids", m.Reclaimed).Msg("reclaimed stale entries inline")
	}

	switch m.Disposition {
	case dedupe.Completed:
		var result json.RawMessage
		if m.Entry.Result != nil {
			result = json.RawMessage(*m.Entry.Result)
		}
		return &Response{RequestID: req.RequestID, EntryID: m.Entry.ID, Cached: true, Result: result}, nil
	case dedupe.InProgress:
		return nil, newError(DuplicateInProgress,
			fmt.Sprintf("request is in progress (matched by %s)", m.Source), nil)
	case dedupe.PriorFailure:
		msg := "previous attempt failed"
		if m.Entry.ErrorMessage != nil {
			msg = *m.Entry.ErrorMessage
		}
		return nil, newError(DuplicatePriorFailure, msg, nil)
	}
	return nil, nil
}

func (c *Coordinator) claim(ctx context.Context, req Request, contentHash string) (*models.LedgerEntry, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	res, err := c.ledger.InsertClaim(sctx, ledger.Claim{
		Fingerprint:    c.fp.Fingerprint(req.SessionID, req.Content),
		IdempotencyKey: req.IdempotencyKey,
		SessionID:      req.SessionID,
		ContentHash:    contentHash,
		RequestID:      req.RequestID,
		Retention:      c.opts.Retention,
	})
	if err != nil {
		return nil, newError(StorageError, "ledger claim failed", err)
	}
	if res.Outcome == ledger.DuplicateConflict {
		return nil, newError(DuplicateConflict, "duplicate request, try again later", nil)
	}
	return res.Entry, nil
}

func (c *Coordinator) execute(ctx context.Context, req Request, entry *models.LedgerEntry, log zerolog.Logger) (*Response, error) {
	if c.metrics != nil {
		c.metrics.InFlight.Inc()
		defer c.metrics.InFlight.Dec()
	}

	result, err := c.exec.Execute(ctx, downstream.Call{
		SessionID: req.SessionID,
		Content:   req.Content,
		RequestID: req.RequestID,
		OnRetry: func(retry int, cause error) {
			sctx, cancel := c.detachedStoreCtx(ctx)
			defer cancel()
			if err := c.ledger.RecordRetry(sctx, entry.ID); err != nil {
				log.Warn().Err(err).Int("retry", retry).Msg("record retry failed")
			}
		},
	})
	if err != nil {
		kind := DownstreamError
		if errors.Is(err, downstream.ErrTimeout) {
			kind = DownstreamTimeout
		}
		c.fail(ctx, entry, err, log)
		c.alert(notify.Alert{
			Title:    "Downstream call failed",
			Body:     err.Error(),
			Severity: notify.SeverityError,
			Fields: []notify.Field{
				{Name: "Session", Value: req.SessionID, Short: true},
				{Name: "Request", Value: req.RequestID, Short: true},
			},
		}, log)
		return nil, newError(kind, "downstream call failed", err)
	}

	sctx, cancel := c.detachedStoreCtx(ctx)
	defer cancel()
	if err := c.ledger.FinalizeSuccess(sctx, entry.ID, string(result)); err != nil {
		log.Warn().Err(err).Msg("recording result failed; returning it anyway")
	}
	return &Response{RequestID: req.RequestID, EntryID: entry.ID, Result: result}, nil
}

func (c *Coordinator) fail(ctx context.Context, entry *models.LedgerEntry, cause error, log zerolog.Logger) {
	sctx, cancel := c.detachedStoreCtx(ctx)
	defer cancel()
	if err := c.ledger.FinalizeFailure(sctx, entry.ID, cause.Error()); err != nil {
		log.Error().Err(err).Msg("recording failure failed")
	}
}

// alert delivers asynchronously; Close waits for pending deliveries.
func (c *Coordinator) alert(a notify.Alert, log zerolog.Logger) {
	if _, ok := c.notifier.(notify.Nop); ok {
		return
	}
	c.alerts.Add(1)
	go func() {
		defer c.alerts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := c.notifier.Notify(ctx, a); err != nil {
			log.Warn().Err(err).Msg("alert delivery failed")
		}
	}()
}

// Close waits for in-flight alert deliveries.
func (c *Coordinator) Close() {
	c.alerts.Wait()
}

// Status returns the ledger entry currently holding idempotencyKey within
// the retention window.
func (c *Coordinator) Status(ctx context.Context, idempotencyKey string) (*models.LedgerEntry, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, newError(InvalidInput, "idempotencyKey is required", nil)
	}
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	entry, err := c.ledger.FindByIdempotencyKey(sctx, idempotencyKey, c.opts.Retention)
	if err != nil {
		return nil, newError(StorageError, "status lookup failed", err)
	}
	if entry == nil {
		return nil, newError(NotFound, "no request recorded for this key", nil)
	}
	return entry, nil
}
