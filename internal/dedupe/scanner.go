// Package dedupe resolves whether an incoming request repeats one already
// recorded in the ledger, before any new claim is attempted.
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/models"
)

// Disposition is the scanner's verdict for a request.
type Disposition int

const (
	// None means no prior attempt applies; the caller should claim.
	None Disposition = iota
	// Completed means a prior attempt succeeded; return its result.
	Completed
	// InProgress means a prior attempt is still running.
	InProgress
	// PriorFailure means the same idempotency key already failed.
	PriorFailure
)

func (d Disposition) String() string {
	switch d {
	case None:
		return "none"
	case Completed:
		return "completed"
	case InProgress:
		return "in_progress"
	case PriorFailure:
		return "prior_failure"
	default:
		return "unknown"
	}
}

// Source names the lookup that produced a match.
const (
	SourceIdempotencyKey = "idempotency_key"
	SourceSessionContent = "session_content"
)

// Store is the subset of the ledger the scanner reads and reclaims through.
type Store interface {
	FindByIdempotencyKey(ctx context.Context, key string, retention time.Duration) (*models.LedgerEntry, error)
	FindRecentDuplicate(ctx context.Context, sessionID, contentHash string, lookback time.Duration) (*models.LedgerEntry, error)
	ReclaimEntry(ctx context.Context, id uint, staleAfter time.Duration) (bool, error)
	Get(ctx context.Context, id uint) (*models.LedgerEntry, error)
}

// Match is the result of Scan. Entry is the matched ledger entry, if any.
// Reclaimed lists entries this scan failed inline because they were stale.
type Match struct {
	Disposition Disposition
	Source      string
	Entry       *models.LedgerEntry
	Reclaimed   []uint
}

// Scanner applies the lookup order: exact idempotency key within
// Retention, then session and content within Lookback.
type Scanner struct {
	Store      Store
	Retention  time.Duration
	Lookback   time.Duration
	StaleAfter time.Duration

	// Leased, if set, reports whether someone holds an unexpired lease on a
	// session and content pair. A stale entry for a pair other than the
	// request's own is left in progress while its lease is held.
	Leased func(ctx context.Context, sessionID, contentHash string) (bool, error)

	// Now must agree with the store's clock. Defaults to UTC wall time.
	Now func() time.Time
}

func (s *Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Scan returns the first matching disposition. A stale processing entry is
// reclaimed inline and the scan falls through to the next lookup.
func (s *Scanner) Scan(ctx context.Context, idempotencyKey, sessionID, contentHash string) (Match, error) {
	var m Match

	byKey, err := s.Store.FindByIdempotencyKey(ctx, idempotencyKey, s.Retention)
	if err != nil {
		return m, fmt.Errorf("dedupe: scan key: %w", err)
	}
	if byKey != nil {
		d, err := s.classify(ctx, byKey, sessionID, contentHash, &m)
		if err != nil {
			return m, err
		}
		if d != None {
			m.Disposition, m.Source = d, SourceIdempotencyKey
			return m, nil
		}
	}

	recent, err := s.Store.FindRecentDuplicate(ctx, sessionID, contentHash, s.Lookback)
	if err != nil {
		return m, fmt.Errorf("dedupe: scan session content: %w", err)
	}
	if recent != nil {
		d, err := s.classify(ctx, recent, sessionID, contentHash, &m)
		if err != nil {
			return m, err
		}
		// A failure under a different key does not block new work.
		if d != None && d != PriorFailure {
			m.Disposition, m.Source = d, SourceSessionContent
			return m, nil
		}
	}

	m.Disposition, m.Entry = None, nil
	return m, nil
}

// classify maps entry to a disposition, reclaiming it inline when stale.
// It sets m.Entry to the entry as last read. sessionID and contentHash are
// the incoming request's; the caller already holds or bypassed that lease.
func (s *Scanner) classify(ctx context.Context, entry *models.LedgerEntry, sessionID, contentHash string, m *Match) (Disposition, error) {
	m.Entry = entry
	switch entry.Status {
	case models.StatusCompleted:
		return Completed, nil
	case models.StatusFailed:
		return PriorFailure, nil
	}

	if !s.stale(entry) || s.leasedElsewhere(ctx, entry, sessionID, contentHash) {
		return InProgress, nil
	}

	ok, err := s.Store.ReclaimEntry(ctx, entry.ID, s.StaleAfter)
	if err != nil {
		return None, fmt.Errorf("dedupe: reclaim %d: %w", entry.ID, err)
	}
	if ok {
		m.Reclaimed = append(m.Reclaimed, entry.ID)
		return None, nil
	}

	// Lost the race: someone finalized or reclaimed it first.
	current, err := s.Store.Get(ctx, entry.ID)
	if err != nil {
		return None, fmt.Errorf("dedupe: reread %d: %w", entry.ID, err)
	}
	m.Entry = current
	switch current.Status {
	case models.StatusCompleted:
		return Completed, nil
	case models.StatusProcessing:
		return InProgress, nil
	}
	if current.IdempotencyKey != entry.IdempotencyKey {
		// Reclaimed by another caller; its slots are free.
		return None, nil
	}
	return PriorFailure, nil
}

// leasedElsewhere reports whether entry belongs to another pair whose lease
// is still held. Lookup errors count as not leased.
func (s *Scanner) leasedElsewhere(ctx context.Context, entry *models.LedgerEntry, sessionID, contentHash string) bool {
	if s.Leased == nil || (entry.SessionID == sessionID && entry.ContentHash == contentHash) {
		return false
	}
	held, err := s.Leased(ctx, entry.SessionID, entry.ContentHash)
	return err == nil && held
}

func (s *Scanner) stale(entry *models.LedgerEntry) bool {
	if s.StaleAfter <= 0 || entry.ProcessingStartedAt == nil {
		return false
	}
	return s.now().Sub(*entry.ProcessingStartedAt) > s.StaleAfter
}
