// Package meta tracks per-record access statistics, priorities and expiry.
package meta

import (
	"maps"
	"time"

	contextstore "github.com/wolfeidau/context-store"
)

// State is the lifecycle state of a resident record.
type State string

const (
	StateActive  State = "active"
	StateWarm    State = "warm"
	StateExpired State = "expired"
)

// minAge floors record age when computing frequency.
const minAge = time.Millisecond

// Record is the metadata kept for one context record.
type Record struct {
	ID             contextstore.Hash
	Size           int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	Priority       int
	TTLExpiry      time.Time // zero means no expiry
	Tags           map[string]string
}

// FrequencyScore returns accesses per second since creation.
func (r Record) FrequencyScore(now time.Time) float64 {
	age := max(now.Sub(r.CreatedAt), minAge)
	return float64(r.AccessCount) / age.Seconds()
}

// Expired reports whether the record's TTL has passed at now.
func (r Record) Expired(now time.Time) bool {
	return !r.TTLExpiry.IsZero() && !now.Before(r.TTLExpiry)
}

// Pinned reports whether priority exceeds threshold.
func (r Record) Pinned(threshold int) bool {
	return r.Priority > threshold
}

func (r Record) clone() Record {
	r.Tags = maps.Clone(r.Tags)
	return r
}
