// Package lease provides short-lived exclusive claims on a (session, content)
// pair. Leases serialize concurrent attempts before any durable ledger record
// exists; they are a best-effort layer, and the ledger's unique constraints
// remain the hard backstop.
package lease

import (
	"context"
	"fmt"
	"time"
)

// DefaultTTL is the lease lifetime used when none is given.
const DefaultTTL = 2 * time.Minute

// Key identifies the resource a lease guards.
type Key struct {
	SessionID   string
	ContentHash string
}

func (k Key) String() string {
	return k.SessionID + "/" + k.ContentHash
}

// Manager is implemented by every lease backend.
type Manager interface {
	// Acquire grants the lease to holder if no unexpired lease exists for key.
	// An expired lease is taken over atomically.
	Acquire(ctx context.Context, key Key, holder string, ttl time.Duration) (bool, error)

	// Renew extends a lease still held, unexpired, by holder.
	Renew(ctx context.Context, key Key, holder string, ttl time.Duration) (bool, error)

	// Release removes the lease only if holder owns it.
	Release(ctx context.Context, key Key, holder string) (bool, error)

	// Holder returns who holds the unexpired lease on key, or "" if nobody does.
	Holder(ctx context.Context, key Key) (string, error)

	// SweepExpired deletes expired leases and reports how many were removed.
	SweepExpired(ctx context.Context) (int64, error)
}

func validate(key Key, holder string) error {
	if key.SessionID == "" {
		return fmt.Errorf("lease: sessionID is required")
	}
	if key.ContentHash == "" {
		return fmt.Errorf("lease: contentHash is required")
	}
	if holder == "" {
		return fmt.Errorf("lease: holder is required")
	}
	return nil
}

// StartRenewal launches a goroutine that renews the lease every interval
// until ctx is cancelled. Each renewal is bounded so it cannot outlive the
// lease it is extending. The returned channel receives an error and the
// goroutine exits if a renewal fails or the lease is no longer held.
func StartRenewal(ctx context.Context, m Manager, key Key, holder string, ttl, interval time.Duration) <-chan error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if interval <= 0 {
		interval = ttl / 3
	}
	// A renewal that lands after the previous expiry is useless.
	renewTimeout := ttl - interval
	if renewTimeout <= 0 {
		renewTimeout = interval
	}

	errCh := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rctx, cancel := context.WithTimeout(ctx, renewTimeout)
				ok, err := m.Renew(rctx, key, holder, ttl)
				cancel()
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					errCh <- fmt.Errorf("lease: renew %s: %w", key, err)
					return
				}
				if !ok {
					errCh <- fmt.Errorf("lease: renew %s: no longer held by %s", key, holder)
					return
				}
			}
		}
	}()

	return errCh
}
