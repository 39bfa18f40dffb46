// Package fingerprint derives the deterministic identity of a logical chat
// request from its session, its content and a coarse wall-clock bucket.
//
// Clients compute the same digest before sending to suppress obvious
// double-sends locally, so the algorithm here is part of the wire contract:
//
//	bucket := unix - unix%windowSeconds
//	digest := hex(sha256(sessionID + "|" + trim(content) + "|" + bucket))
//
// Two sends of identical content that straddle a bucket boundary get
// different fingerprints. The lease and the session+content lookback cover
// that gap; the fingerprint is the secondary signal.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// DefaultWindow is the bucket width used when none is configured.
const DefaultWindow = 90 * time.Second

// Normalize returns the content form every hash in this package is computed over.
func Normalize(content string) string {
	return strings.TrimSpace(content)
}

// ContentHash returns the hex SHA-256 of the normalized content. It has no
// time component and keys both leases and the session+content lookback.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(Normalize(content)))
	return hex.EncodeToString(sum[:])
}

// BucketStart rounds t down to the start of its window, in Unix seconds.
// Windows under one second are treated as one second.
func BucketStart(t time.Time, window time.Duration) int64 {
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	epoch := t.Unix()
	return epoch - epoch%secs
}

// Generate computes the fingerprint for sessionID and content at instant now.
func Generate(sessionID, content string, window time.Duration, now time.Time) string {
	var b strings.Builder
	b.WriteString(sessionID)
	b.WriteByte('|')
	b.WriteString(Normalize(content))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(BucketStart(now, window), 10))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Generator binds a window width and clock so callers only pass the request.
type Generator struct {
	Window time.Duration
	Now    func() time.Time
}

// NewGenerator returns a Generator using the wall clock. A non-positive
// window falls back to DefaultWindow.
func NewGenerator(window time.Duration) *Generator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Generator{Window: window, Now: time.Now}
}

// Fingerprint computes the digest for the current bucket.
func (g *Generator) Fingerprint(sessionID, content string) string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return Generate(sessionID, content, g.Window, now())
}
