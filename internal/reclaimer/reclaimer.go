// Package reclaimer cleans up after abandoned work: it sweeps expired
// leases, fails processing entries that went stale, and purges terminal
// entries past retention. Every step is a conditional statement, so any
// number of instances may run it concurrently.
package reclaimer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/lease"
	"github.com/zulandar/signalbox/internal/ledger"
	"github.com/zulandar/signalbox/internal/metrics"
	"github.com/zulandar/signalbox/internal/notify"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

const (
	DefaultSchedule     = "* * * * *"
	DefaultStaleAfter   = 120 * time.Second
	DefaultRetention    = 24 * time.Hour
	DefaultStoreTimeout = 5 * time.Second
	alertTimeout        = 10 * time.Second
)

// Report summarizes one pass.
type Report struct {
	LeasesExpired int64
	Reclaimed     int64
	// Skipped counts stale entries left alone because their lease is
	// still held, meaning the caller that claimed them is alive.
	Skipped int64
	Purged  int64
}

// Reclaimer runs cleanup passes. Leases, Notifier and Metrics are optional.
type Reclaimer struct {
	Ledger   *ledger.Ledger
	Leases   lease.Manager
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Log      zerolog.Logger

	StaleAfter   time.Duration
	Retention    time.Duration
	StoreTimeout time.Duration
	Schedule     string
}

func (r *Reclaimer) staleAfter() time.Duration {
	if r.StaleAfter > 0 {
		return r.StaleAfter
	}
	return DefaultStaleAfter
}

// storeCtx bounds a single store call.
func (r *Reclaimer) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (r *Reclaimer) retention() time.Duration {
	if r.Retention > 0 {
		return r.Retention
	}
	return DefaultRetention
}

// RunOnce performs one pass. A failing step does not stop the others; their
// errors are joined.
func (r *Reclaimer) RunOnce(ctx context.Context) (Report, error) {
	if r.Ledger == nil {
		return Report{}, fmt.Errorf("reclaimer: ledger is required")
	}
	var rep Report
	var errs []error

	if r.Leases != nil {
		sctx, cancel := r.storeCtx(ctx)
		n, err := r.Leases.SweepExpired(sctx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("reclaimer: sweep leases: %w", err))
		}
		rep.LeasesExpired = n
	}

	if err := r.timeOutStale(ctx, &rep); err != nil {
		errs = append(errs, fmt.Errorf("reclaimer: reclaim stale: %w", err))
	}

	sctx, cancel := r.storeCtx(ctx)
	n, err := r.Ledger.Purge(sctx, r.retention())
	cancel()
	if err != nil {
		errs = append(errs, fmt.Errorf("reclaimer: purge: %w", err))
	}
	rep.Purged = n

	if r.Metrics != nil {
		r.Metrics.LeasesExpiredTotal.Add(float64(rep.LeasesExpired))
		r.Metrics.ReclaimedTotal.Add(float64(rep.Reclaimed))
		r.Metrics.PurgedTotal.Add(float64(rep.Purged))
	}

	if rep.Reclaimed > 0 {
		r.Log.Warn().
			Int64("reclaimed", rep.Reclaimed).
			Dur("stale_after", r.staleAfter()).
			Msg("failed stale processing entries")
		r.alert(ctx, rep)
	}
	if rep.LeasesExpired > 0 || rep.Purged > 0 || rep.Skipped > 0 {
		r.Log.Info().
			Int64("leases_expired", rep.LeasesExpired).
			Int64("skipped_leased", rep.Skipped).
			Int64("purged", rep.Purged).
			Msg("cleanup pass")
	}

	return rep, errors.Join(errs...)
}

// timeOutStale fails stale processing entries whose lease has lapsed. An
// entry whose (session, content) lease is still held belongs to a caller
// that is renewing it, so it is skipped. A lease lookup failure does not
// block the time out.
func (r *Reclaimer) timeOutStale(ctx context.Context, rep *Report) error {
	sctx, cancel := r.storeCtx(ctx)
	stale, err := r.Ledger.FindStale(sctx, r.staleAfter())
	cancel()
	if err != nil {
		return err
	}

	for _, e := range stale {
		if r.Leases != nil {
			sctx, cancel := r.storeCtx(ctx)
			holder, err := r.Leases.Holder(sctx, lease.Key{SessionID: e.SessionID, ContentHash: e.ContentHash})
			cancel()
			if err != nil {
				r.Log.Warn().Err(err).Uint("entry_id", e.ID).Msg("lease lookup failed; timing out entry")
			} else if holder != "" {
				r.Log.Debug().Uint("entry_id", e.ID).Str("holder", holder).Msg("stale entry still leased; skipping")
				rep.Skipped++
				continue
			}
		}

		sctx, cancel := r.storeCtx(ctx)
		ok, err := r.Ledger.TimeOutEntry(sctx, e.ID, r.staleAfter())
		cancel()
		if err != nil {
			return err
		}
		if ok {
			rep.Reclaimed++
		}
	}
	return nil
}

func (r *Reclaimer) alert(ctx context.Context, rep Report) {
	if r.Notifier == nil {
		return
	}
	actx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()
	err := r.Notifier.Notify(actx, notify.Alert{
		Title:    fmt.Sprintf("Reclaimed %d stale request(s)", rep.Reclaimed),
		Body:     fmt.Sprintf("Entries still processing after %s were marked failed.", r.staleAfter()),
		Severity: notify.SeverityWarning,
		Fields: []notify.Field{
			{Name: "Reclaimed", Value: strconv.FormatInt(rep.Reclaimed, 10), Short: true},
			{Name: "Leases expired", Value: strconv.FormatInt(rep.LeasesExpired, 10), Short: true},
		},
	})
	if err != nil {
		r.Log.Warn().Err(err).Msg("reclaim alert delivery failed")
	}
}

// Start runs RunOnce on Schedule until ctx is cancelled, then waits for a
// running pass to finish. Overlapping passes are skipped.
func (r *Reclaimer) Start(ctx context.Context) error {
	schedule := r.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("reclaimer: parse schedule %q: %w", schedule, err)
	}

	logger := cronLogger{log: r.Log}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(sched, cron.FuncJob(func() {
		if _, err := r.RunOnce(ctx); err != nil {
			r.Log.Error().Err(err).Msg("reclaim pass failed")
		}
	}))

	r.Log.Info().Str("schedule", schedule).Msg("reclaimer started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.Log.Info().Msg("reclaimer stopped")
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
