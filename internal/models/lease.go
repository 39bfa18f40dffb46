package models

import "time"

// Lease is a short-lived exclusive claim on a (session, content) pair. At most
// one unexpired row exists per key; an expired row may be taken over in place.
type Lease struct {
	SessionID   string    `gorm:"primaryKey;size:128"`
	ContentHash string    `gorm:"primaryKey;size:64"`
	Holder      string    `gorm:"size:128;not null"`
	AcquiredAt  time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null;index"`
}
