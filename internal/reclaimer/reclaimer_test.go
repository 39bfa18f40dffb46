package reclaimer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/lease"
	"github.com/zulandar/signalbox/internal/ledger"
	"github.com/zulandar/signalbox/internal/metrics"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/notify"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	alerts []notify.Alert
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, a notify.Alert) error {
	r.alerts = append(r.alerts, a)
	return r.err
}

func newTestReclaimer(t *testing.T) (*Reclaimer, *testClock, *recordingNotifier) {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := ledger.New(gdb)
	l.Now = clock.Now
	lm := lease.NewSQLManager(gdb)
	lm.Now = clock.Now
	rec := &recordingNotifier{}
	return &Reclaimer{
		Ledger:     l,
		Leases:     lm,
		Notifier:   rec,
		Metrics:    metrics.New(),
		Log:        zerolog.Nop(),
		StaleAfter: 120 * time.Second,
		Retention:  24 * time.Hour,
	}, clock, rec
}

func seed(t *testing.T, r *Reclaimer, n int) *models.LedgerEntry {
	t.Helper()
	res, err := r.Ledger.InsertClaim(context.Background(), ledger.Claim{
		Fingerprint:    "fp-" + string(rune('a'+n)),
		IdempotencyKey: "key-" + string(rune('a'+n)),
		SessionID:      "S",
		ContentHash:    "h",
	})
	if err != nil || res.Outcome != ledger.Inserted {
		t.Fatalf("seed = %v, %v", res.Outcome, err)
	}
	return res.Entry
}

func TestRunOnce_Empty(t *testing.T) {
	r, _, rec := newTestReclaimer(t)
	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep != (Report{}) {
		t.Errorf("report = %+v, want zero", rep)
	}
	if len(rec.alerts) != 0 {
		t.Errorf("alerts = %d, want 0", len(rec.alerts))
	}
}

func TestRunOnce_ReclaimsStale(t *testing.T) {
	r, clock, rec := newTestReclaimer(t)
	ctx := context.Background()

	stale := seed(t, r, 0)
	clock.Advance(121 * time.Second)
	fresh := seed(t, r, 1)

	rep, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Reclaimed != 1 {
		t.Errorf("Reclaimed = %d, want 1", rep.Reclaimed)
	}

	got, _ := r.Ledger.Get(ctx, stale.ID)
	if got.Status != models.StatusFailed {
		t.Errorf("stale status = %q, want failed", got.Status)
	}
	got, _ = r.Ledger.Get(ctx, fresh.ID)
	if got.Status != models.StatusProcessing {
		t.Errorf("fresh status = %q, want processing", got.Status)
	}

	if len(rec.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(rec.alerts))
	}
	if !strings.Contains(rec.alerts[0].Title, "Reclaimed 1") || rec.alerts[0].Severity != notify.SeverityWarning {
		t.Errorf("alert = %+v", rec.alerts[0])
	}

	// A second pass finds nothing and never completes the reclaimed entry.
	rep, _ = r.RunOnce(ctx)
	if rep.Reclaimed != 0 {
		t.Errorf("second Reclaimed = %d, want 0", rep.Reclaimed)
	}
	if err := r.Ledger.FinalizeSuccess(ctx, stale.ID, `{}`); !errors.Is(err, ledger.ErrNotProcessing) {
		t.Errorf("FinalizeSuccess after reclaim = %v, want ErrNotProcessing", err)
	}
}

func TestRunOnce_SweepsLeasesAndPurges(t *testing.T) {
	r, clock, _ := newTestReclaimer(t)
	ctx := context.Background()

	done := seed(t, r, 0)
	r.Ledger.FinalizeSuccess(ctx, done.ID, `{}`)
	r.Leases.Acquire(ctx, lease.Key{SessionID: "S", ContentHash: "h"}, "holder", time.Minute)
	clock.Advance(25 * time.Hour)

	rep, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.LeasesExpired != 1 || rep.Purged != 1 {
		t.Errorf("report = %+v, want 1 lease expired and 1 purged", rep)
	}
	if _, err := r.Ledger.Get(ctx, done.ID); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("purged entry still present: %v", err)
	}
}

func TestRunOnce_AlertFailureIsNotAnError(t *testing.T) {
	r, clock, rec := newTestReclaimer(t)
	rec.err = errors.New("webhook down")
	seed(t, r, 0)
	clock.Advance(time.Hour)

	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Reclaimed != 1 {
		t.Errorf("Reclaimed = %d, want 1", rep.Reclaimed)
	}
}

type brokenLeases struct{ lease.Manager }

func (brokenLeases) SweepExpired(context.Context) (int64, error) {
	return 0, errors.New("lease store down")
}

func (brokenLeases) Holder(context.Context, lease.Key) (string, error) {
	return "", errors.New("lease store down")
}

func TestRunOnce_ContinuesAfterStepFailure(t *testing.T) {
	r, clock, _ := newTestReclaimer(t)
	r.Leases = brokenLeases{}
	seed(t, r, 0)
	clock.Advance(time.Hour)

	rep, err := r.RunOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "sweep leases") {
		t.Errorf("error = %v, want sweep failure", err)
	}
	if rep.Reclaimed != 1 {
		t.Errorf("Reclaimed = %d, want 1 despite sweep failure", rep.Reclaimed)
	}
}

func TestRunOnce_SkipsEntryWhileLeaseHeld(t *testing.T) {
	r, clock, rec := newTestReclaimer(t)
	ctx := context.Background()

	entry := seed(t, r, 0)
	clock.Advance(121 * time.Second)
	// The claiming caller is still alive and renewing its lease.
	if ok, _ := r.Leases.Acquire(ctx, lease.Key{SessionID: "S", ContentHash: "h"}, "live", time.Minute); !ok {
		t.Fatal("Acquire should succeed")
	}

	rep, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Reclaimed != 0 || rep.Skipped != 1 {
		t.Errorf("report = %+v, want 0 reclaimed and 1 skipped", rep)
	}
	if got, _ := r.Ledger.Get(ctx, entry.ID); got.Status != models.StatusProcessing {
		t.Errorf("status = %q, want processing while leased", got.Status)
	}
	if len(rec.alerts) != 0 {
		t.Errorf("alerts = %d, want 0", len(rec.alerts))
	}

	// The holder died: once its lease lapses the entry is timed out.
	clock.Advance(2 * time.Minute)
	rep, err = r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Reclaimed != 1 {
		t.Errorf("Reclaimed = %d, want 1 after lease expiry", rep.Reclaimed)
	}
}

func TestRunOnce_KeepsIdempotencyKey(t *testing.T) {
	r, clock, _ := newTestReclaimer(t)
	ctx := context.Background()

	entry := seed(t, r, 0)
	clock.Advance(121 * time.Second)
	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := r.Ledger.FindByIdempotencyKey(ctx, entry.IdempotencyKey, 24*time.Hour)
	if err != nil || got == nil || got.ID != entry.ID {
		t.Fatalf("FindByIdempotencyKey = %+v, %v; want entry %d", got, err, entry.ID)
	}
	if got.Status != models.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

// deadlineLeases records whether each store call carried a deadline.
type deadlineLeases struct {
	lease.Manager
	mu      sync.Mutex
	missing []string
}

func (d *deadlineLeases) check(ctx context.Context, op string) {
	if _, ok := ctx.Deadline(); !ok {
		d.mu.Lock()
		d.missing = append(d.missing, op)
		d.mu.Unlock()
	}
}

func (d *deadlineLeases) SweepExpired(ctx context.Context) (int64, error) {
	d.check(ctx, "sweep")
	return d.Manager.SweepExpired(ctx)
}

func (d *deadlineLeases) Holder(ctx context.Context, key lease.Key) (string, error) {
	d.check(ctx, "holder")
	return d.Manager.Holder(ctx, key)
}

func TestRunOnce_BoundsStoreCalls(t *testing.T) {
	r, clock, _ := newTestReclaimer(t)
	dl := &deadlineLeases{Manager: r.Leases}
	r.Leases = dl
	r.StoreTimeout = time.Second
	seed(t, r, 0)
	clock.Advance(time.Hour)

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(dl.missing) != 0 {
		t.Errorf("store calls without deadline: %v", dl.missing)
	}
}

func TestRunOnce_RequiresLedger(t *testing.T) {
	r := &Reclaimer{}
	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Error("expected error without ledger")
	}
}

func TestDefaults(t *testing.T) {
	r := &Reclaimer{}
	if r.staleAfter() != DefaultStaleAfter || r.retention() != DefaultRetention {
		t.Errorf("defaults = %s/%s", r.staleAfter(), r.retention())
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	r, _, _ := newTestReclaimer(t)
	r.Schedule = "every minute"
	if err := r.Start(context.Background()); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	r, _, _ := newTestReclaimer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestCronParser(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"* * * * *", false},
		{"*/5 * * * *", false},
		{"0 3 * * 1", false},
		{"* * * * * *", true},
		{"bogus", true},
	}
	for _, tt := range tests {
		_, err := cronParser.Parse(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}
