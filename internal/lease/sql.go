package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLManager stores leases in the relational store's leases table.
type SQLManager struct {
	db *gorm.DB

	// Now is the clock used for expiry decisions. Defaults to UTC wall time.
	Now func() time.Time
}

// NewSQLManager returns a SQLManager. Acquire only touches the row for its
// own key; expired rows for other keys are left to SweepExpired.
func NewSQLManager(db *gorm.DB) *SQLManager {
	return &SQLManager{db: db}
}

func (m *SQLManager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// Acquire inserts a new lease row. If the row exists, it succeeds only by
// takeover: a single conditional UPDATE that matches only when the existing
// lease has already expired. RowsAffected is the ground truth either way, so
// two callers that both observe an expired lease cannot both win.
func (m *SQLManager) Acquire(ctx context.Context, key Key, holder string, ttl time.Duration) (bool, error) {
	if err := validate(key, holder); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	tx := m.db.WithContext(ctx)
	now := m.now()

	row := models.Lease{
		SessionID:   key.SessionID,
		ContentHash: key.ContentHash,
		Holder:      holder,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "content_hash"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return false, fmt.Errorf("lease: acquire %s: %w", key, result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	// Takeover of an expired lease.
	result = tx.Model(&models.Lease{}).
		Where("session_id = ? AND content_hash = ? AND expires_at < ?", key.SessionID, key.ContentHash, now).
		Updates(map[string]interface{}{
			"holder":      holder,
			"acquired_at": now,
			"expires_at":  now.Add(ttl),
		})
	if result.Error != nil {
		return false, fmt.Errorf("lease: takeover %s: %w", key, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Renew pushes the expiry of an unexpired lease owned by holder.
func (m *SQLManager) Renew(ctx context.Context, key Key, holder string, ttl time.Duration) (bool, error) {
	if err := validate(key, holder); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.now()
	result := m.db.WithContext(ctx).Model(&models.Lease{}).
		Where("session_id = ? AND content_hash = ? AND holder = ? AND expires_at >= ?",
			key.SessionID, key.ContentHash, holder, now).
		Update("expires_at", now.Add(ttl))
	if result.Error != nil {
		return false, fmt.Errorf("lease: renew %s: %w", key, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Release deletes the lease only when holder matches, so a caller whose TTL
// lapsed cannot remove a lease someone else has since taken over.
func (m *SQLManager) Release(ctx context.Context, key Key, holder string) (bool, error) {
	if err := validate(key, holder); err != nil {
		return false, err
	}
	result := m.db.WithContext(ctx).
		Where("session_id = ? AND content_hash = ? AND holder = ?", key.SessionID, key.ContentHash, holder).
		Delete(&models.Lease{})
	if result.Error != nil {
		return false, fmt.Errorf("lease: release %s: %w", key, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// SweepExpired deletes every expired lease.
func (m *SQLManager) SweepExpired(ctx context.Context) (int64, error) {
	result := m.db.WithContext(ctx).Where("expires_at < ?", m.now()).Delete(&models.Lease{})
	if result.Error != nil {
		return 0, fmt.Errorf("lease: sweep: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Holder returns the holder of the unexpired lease on key, or "" if the key
// is free.
func (m *SQLManager) Holder(ctx context.Context, key Key) (string, error) {
	var rows []models.Lease
	if err := m.db.WithContext(ctx).
		Where("session_id = ? AND content_hash = ? AND expires_at >= ?", key.SessionID, key.ContentHash, m.now()).
		Limit(1).Find(&rows).Error; err != nil {
		return "", fmt.Errorf("lease: holder %s: %w", key, err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0].Holder, nil
}

// Get returns the current lease row for key, or nil if none exists.
func (m *SQLManager) Get(ctx context.Context, key Key) (*models.Lease, error) {
	var rows []models.Lease
	if err := m.db.WithContext(ctx).
		Where("session_id = ? AND content_hash = ?", key.SessionID, key.ContentHash).
		Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("lease: get %s: %w", key, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
