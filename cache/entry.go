package cache

import "time"

// Entry is one stored cache value together with its bookkeeping metadata.
// Backends own their entries; callers must treat a returned *Entry as
// read-only.
type Entry struct {
	Key            string
	Value          any
	ExpiresAt      time.Time // zero means no expiry
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	SizeBytes      int64
	Tags           []string
	Namespace      string
}

// Expired reports whether the entry's TTL has elapsed as of now.
// Entries without an expiry never expire.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}

// TTLRemaining returns the time left before the entry expires, or
// NoExpiry when the entry has no expiry. An already expired entry
// returns zero.
func (e *Entry) TTLRemaining(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return NoExpiry
	}
	remaining := e.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (e *Entry) touch(now time.Time) {
	e.LastAccessedAt = now
	e.AccessCount++
}

// Stats is a point-in-time snapshot of a backend's counters. All counters
// are monotonically non-decreasing except Size and MemoryBytes, which track
// current occupancy.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Sets          int64   `json:"sets"`
	Deletes       int64   `json:"deletes"`
	Evictions     int64   `json:"evictions"`
	Errors        int64   `json:"errors"`
	Size          int64   `json:"size"`
	MaxSize       int64   `json:"max_size"`
	MemoryBytes   int64   `json:"memory_bytes"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Backend       string  `json:"backend"`
	StampedeJoins int64   `json:"stampede_joins"`
}

// HitRatio returns hits/(hits+misses), or 0 when there has been no traffic.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// estimateSize returns a best-effort byte estimate for a value. It is used
// only for the in-process memory accounting, so precision matters less than
// being cheap and never panicking.
func estimateSize(v any) int64 {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(val))
	case []byte:
		return int64(len(val))
	case bool, int8, uint8:
		return 1
	case int16, uint16:
		return 2
	case int32, uint32, float32:
		return 4
	case int, int64, uint, uint64, float64, time.Duration:
		return 8
	case []string:
		var n int64
		for _, s := range val {
			n += int64(len(s))
		}
		return n
	case map[string]any:
		var n int64
		for k, item := range val {
			n += int64(len(k)) + estimateSize(item)
		}
		return n
	case []any:
		var n int64
		for _, item := range val {
			n += estimateSize(item)
		}
		return n
	default:
		// Opaque values (structs, pointers) get a flat estimate.
		return 64
	}
}
