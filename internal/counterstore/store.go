// Package counterstore provides the shared counter and flag store every
// component coordinates through: atomic increments with bounded expiry,
// never in-process shared variables. Two backends exist, one on the main
// SQLite file (crash-tolerant default) and one on memcached.
package counterstore

import (
	"context"
	"fmt"
	"time"
)

// Store is the cross-process counter/flag store. All operations are atomic;
// TTLs bound every key so stale state ages out on its own.
type Store interface {
	// Increment adds delta to the key and returns the new value. The TTL is
	// applied when the key is created (or had expired); an existing live
	// key keeps its original expiry.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Get returns the current value and whether the key exists and is live.
	Get(ctx context.Context, key string) (int64, bool, error)
	// Set overwrites the key with the value and TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Well-known keys. Dates and minute buckets are rendered in UTC so every
// process agrees on boundaries.
const (
	KeyConsecutiveSends  = "dispatch:consecutive_sends"
	KeyConsecutiveErrors = "dispatch:consecutive_errors"
	KeyHaltUntil         = "dispatch:halt_until"
	KeyTotalSent         = "dispatch:total_sent"
	KeyTotalFailed       = "dispatch:total_failed"
)

// DailySentKey is the per-day send counter key.
func DailySentKey(t time.Time) string {
	return "dispatch:sent:" + t.UTC().Format("2006-01-02")
}

// FailureBucketKey buckets failures per minute for the rolling-window check.
func FailureBucketKey(t time.Time) string {
	return fmt.Sprintf("dispatch:failures:%d", t.UTC().Unix()/60)
}

// UntilEndOfDay returns the TTL that expires a daily counter shortly after
// the UTC day boundary.
func UntilEndOfDay(t time.Time) time.Duration {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return midnight.Sub(t) + time.Hour
}
