// Package ledger is the durable record of admitted requests. Every mutation
// is a single conditional statement; the unique indexes on fingerprint and
// idempotency_key decide whether a claim is new.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no entry matches the given id.
	ErrNotFound = errors.New("ledger: entry not found")

	// ErrNotProcessing is returned by finalize operations when the entry has
	// already left the processing state, e.g. because it was reclaimed.
	ErrNotProcessing = errors.New("ledger: entry is not processing")
)

// Outcome tags the result of InsertClaim.
type Outcome int

const (
	Inserted Outcome = iota + 1
	DuplicateConflict
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case DuplicateConflict:
		return "duplicate_conflict"
	default:
		return "unknown"
	}
}

// Claim holds the identity of a new attempt.
type Claim struct {
	Fingerprint    string
	IdempotencyKey string
	SessionID      string
	ContentHash    string
	RequestID      string

	// Retention bounds how long the idempotency key stays reserved. A
	// terminal entry older than Retention gives its key up to a new claim.
	Retention time.Duration
}

// InsertResult is the tagged result of InsertClaim. Entry is set only when
// Outcome is Inserted.
type InsertResult struct {
	Outcome Outcome
	Entry   *models.LedgerEntry
}

// Ledger wraps the ledger_entries table.
type Ledger struct {
	db *gorm.DB

	// Now is the clock for timestamps and age cutoffs. Defaults to UTC wall time.
	Now func() time.Time
}

// New returns a Ledger backed by gdb.
func New(gdb *gorm.DB) *Ledger {
	return &Ledger{db: gdb}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// InsertClaim inserts a processing entry for c. A uniqueness violation on
// either fingerprint or idempotency key is reported as DuplicateConflict,
// not as an error.
func (l *Ledger) InsertClaim(ctx context.Context, c Claim) (InsertResult, error) {
	if c.Fingerprint == "" {
		return InsertResult{}, fmt.Errorf("ledger: fingerprint is required")
	}
	if c.IdempotencyKey == "" {
		return InsertResult{}, fmt.Errorf("ledger: idempotency key is required")
	}

	res, err := l.insert(ctx, c)
	if err != nil || res.Outcome == Inserted || c.Retention <= 0 {
		return res, err
	}

	// The key may be held by an entry past retention that has not been
	// purged yet. Release it and try once more.
	released, err := l.releaseExpiredKey(ctx, c.IdempotencyKey, c.Retention)
	if err != nil {
		return InsertResult{}, err
	}
	if !released {
		return res, nil
	}
	return l.insert(ctx, c)
}

func (l *Ledger) insert(ctx context.Context, c Claim) (InsertResult, error) {
	now := l.now()
	retention := c.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	entry := &models.LedgerEntry{
		Fingerprint:         c.Fingerprint,
		IdempotencyKey:      c.IdempotencyKey,
		SessionID:           c.SessionID,
		ContentHash:         c.ContentHash,
		RequestID:           c.RequestID,
		Status:              models.StatusProcessing,
		CreatedAt:           now,
		ProcessingStartedAt: &now,
		ExpiresAt:           now.Add(retention),
	}
	if err := l.db.WithContext(ctx).Create(entry).Error; err != nil {
		if db.IsDuplicateKey(err) {
			return InsertResult{Outcome: DuplicateConflict}, nil
		}
		return InsertResult{}, fmt.Errorf("ledger: insert claim: %w", err)
	}
	return InsertResult{Outcome: Inserted, Entry: entry}, nil
}

func (l *Ledger) releaseExpiredKey(ctx context.Context, key string, retention time.Duration) (bool, error) {
	cutoff := l.now().Add(-retention)
	var ids []uint
	if err := l.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("idempotency_key = ? AND created_at < ? AND status IN ?",
			key, cutoff, []string{models.StatusCompleted, models.StatusFailed}).
		Pluck("id", &ids).Error; err != nil {
		return false, fmt.Errorf("ledger: find expired key: %w", err)
	}
	if len(ids) == 0 {
		return false, nil
	}
	result := l.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("id = ? AND idempotency_key = ?", ids[0], key).
		Update("idempotency_key", l.suffixed("idempotency_key", ids[0]))
	if result.Error != nil {
		return false, fmt.Errorf("ledger: release key of %d: %w", ids[0], result.Error)
	}
	return result.RowsAffected == 1, nil
}

// suffixed returns an expression that appends "#<id>" to column. Rewriting
// a unique column this way frees the original value for a new claim.
func (l *Ledger) suffixed(column string, id uint) interface{} {
	suffix := "#" + strconv.FormatUint(uint64(id), 10)
	if l.db.Dialector.Name() == "mysql" {
		return gorm.Expr("CONCAT("+column+", ?)", suffix)
	}
	return gorm.Expr(column+" || ?", suffix)
}

// Get returns the entry with the given id.
func (l *Ledger) Get(ctx context.Context, id uint) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := l.db.WithContext(ctx).First(&entry, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get %d: %w", id, err)
	}
	return &entry, nil
}

// FindByIdempotencyKey returns the entry holding key that was created within
// retention, or nil if there is none.
func (l *Ledger) FindByIdempotencyKey(ctx context.Context, key string, retention time.Duration) (*models.LedgerEntry, error) {
	q := l.db.WithContext(ctx).Where("idempotency_key = ?", key)
	if retention > 0 {
		q = q.Where("created_at >= ?", l.now().Add(-retention))
	}
	var rows []models.LedgerEntry
	if err := q.Order("id DESC").Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: find by key: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// FindRecentDuplicate returns the newest processing or completed entry for
// the session and content created within lookback, or nil.
func (l *Ledger) FindRecentDuplicate(ctx context.Context, sessionID, contentHash string, lookback time.Duration) (*models.LedgerEntry, error) {
	var rows []models.LedgerEntry
	err := l.db.WithContext(ctx).
		Where("session_id = ? AND content_hash = ? AND created_at >= ? AND status IN ?",
			sessionID, contentHash, l.now().Add(-lookback),
			[]string{models.StatusProcessing, models.StatusCompleted}).
		Order("created_at DESC").Order("id DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: find recent duplicate: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// FinalizeSuccess marks a processing entry completed with result.
func (l *Ledger) FinalizeSuccess(ctx context.Context, id uint, result string) error {
	now := l.now()
	res := l.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("id = ? AND status = ?", id, models.StatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.StatusCompleted,
			"completed_at":  now,
			"result":        result,
			"error_message": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("ledger: finalize success %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ledger: finalize success %d: %w", id, ErrNotProcessing)
	}
	return nil
}

// FinalizeFailure marks a processing entry failed. The fingerprint slot is
// released so new work for the same content can be admitted; the idempotency
// key is kept so an exact replay surfaces errorMessage.
func (l *Ledger) FinalizeFailure(ctx context.Context, id uint, errorMessage string) error {
	now := l.now()
	res := l.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("id = ? AND status = ?", id, models.StatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.StatusFailed,
			"completed_at":  now,
			"error_message": errorMessage,
			"result":        nil,
			"fingerprint":   l.suffixed("fingerprint", id),
		})
	if res.Error != nil {
		return fmt.Errorf("ledger: finalize failure %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ledger: finalize failure %d: %w", id, ErrNotProcessing)
	}
	return nil
}

// RecordRetry increments retry_count on a processing entry.
func (l *Ledger) RecordRetry(ctx context.Context, id uint) error {
	res := l.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("id = ? AND status = ?", id, models.StatusProcessing).
		Update("retry_count", gorm.Expr("retry_count + 1"))
	if res.Error != nil {
		return fmt.Errorf("ledger: record retry %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ledger: record retry %d: %w", id, ErrNotProcessing)
	}
	return nil
}

// TimeoutMessage is the error recorded on entries failed by reclamation.
func TimeoutMessage(staleAfter time.Duration) string {
	return fmt.Sprintf("timed out: still processing after %s", staleAfter)
}

// ReclaimEntry fails a single processing entry older than staleAfter and
// releases both its fingerprint and its idempotency key, so the caller that
// found it can claim the same key again. It reports false if the entry is
// fresh or no longer processing.
func (l *Ledger) ReclaimEntry(ctx context.Context, id uint, staleAfter time.Duration) (bool, error) {
	return l.timeOut(ctx, id, staleAfter, true)
}

// TimeOutEntry fails a single processing entry older than staleAfter. Only
// the fingerprint is released; the idempotency key stays with the entry so
// a replay of that key surfaces the timeout instead of running again.
func (l *Ledger) TimeOutEntry(ctx context.Context, id uint, staleAfter time.Duration) (bool, error) {
	return l.timeOut(ctx, id, staleAfter, false)
}

func (l *Ledger) timeOut(ctx context.Context, id uint, staleAfter time.Duration, releaseKey bool) (bool, error) {
	cutoff := l.now().Add(-staleAfter)
	updates := map[string]interface{}{
		"status":        models.StatusFailed,
		"completed_at":  l.now(),
		"error_message": TimeoutMessage(staleAfter),
		"result":        nil,
		"fingerprint":   l.suffixed("fingerprint", id),
	}
	if releaseKey {
		updates["idempotency_key"] = l.suffixed("idempotency_key", id)
	}
	res := l.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("id = ? AND status = ? AND processing_started_at < ?", id, models.StatusProcessing, cutoff).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("ledger: reclaim %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// FindStale returns processing entries whose processing started more than
// staleAfter ago, oldest first.
func (l *Ledger) FindStale(ctx context.Context, staleAfter time.Duration) ([]models.LedgerEntry, error) {
	var rows []models.LedgerEntry
	if err := l.db.WithContext(ctx).
		Where("status = ? AND processing_started_at < ?", models.StatusProcessing, l.now().Add(-staleAfter)).
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: find stale: %w", err)
	}
	return rows, nil
}

// ReclaimStale times out every processing entry older than staleAfter and
// returns how many transitions this call performed. Each row is updated
// conditionally on its status, so concurrent callers never double count.
func (l *Ledger) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	stale, err := l.FindStale(ctx, staleAfter)
	if err != nil {
		return 0, err
	}

	var reclaimed int64
	for _, e := range stale {
		ok, err := l.TimeOutEntry(ctx, e.ID, staleAfter)
		if err != nil {
			return reclaimed, err
		}
		if ok {
			reclaimed++
		}
	}
	return reclaimed, nil
}

// Purge deletes terminal entries created more than olderThan ago.
func (l *Ledger) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("ledger: purge age must be positive")
	}
	res := l.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]string{models.StatusCompleted, models.StatusFailed}, l.now().Add(-olderThan)).
		Delete(&models.LedgerEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("ledger: purge: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CountByStatus returns the number of entries in each status.
func (l *Ledger) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	if err := l.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: count by status: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
