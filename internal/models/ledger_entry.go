package models

import "time"

// Ledger entry lifecycle states.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// LedgerEntry is the durable record of one admitted request attempt.
// Fingerprint and IdempotencyKey are unique; the storage layer rejects a
// second claim on either. Result is set only once Status is completed and
// ErrorMessage only once Status is failed.
type LedgerEntry struct {
	ID                  uint       `gorm:"primaryKey;autoIncrement"`
	Fingerprint         string     `gorm:"size:160;not null;uniqueIndex"`
	IdempotencyKey      string     `gorm:"size:160;not null;uniqueIndex"`
	SessionID           string     `gorm:"size:128;not null;index:idx_ledger_session_content,priority:1"`
	ContentHash         string     `gorm:"size:64;not null;index:idx_ledger_session_content,priority:2"`
	RequestID           string     `gorm:"size:64"`
	Status              string     `gorm:"size:16;not null;default:pending;index"`
	CreatedAt           time.Time  `gorm:"not null;index:idx_ledger_session_content,priority:3"`
	ProcessingStartedAt *time.Time `gorm:"index"`
	CompletedAt         *time.Time `gorm:"index"`
	ExpiresAt           time.Time  `gorm:"not null"`
	RetryCount          int        `gorm:"not null;default:0"`
	Result              *string    `gorm:"type:text"`
	ErrorMessage        *string    `gorm:"type:text"`
}

// Terminal reports whether the entry has reached completed or failed.
func (e *LedgerEntry) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}
