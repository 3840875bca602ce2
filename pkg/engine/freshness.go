package engine

import (
	"fmt"
	"strings"
	"time"
)

// FreshnessKind enumerates how a declaration judges a cached value.
type FreshnessKind int

const (
	// FreshnessCached accepts any value fetched or confirmed earlier in the
	// session. Values seeded from a previous session never satisfy it.
	FreshnessCached FreshnessKind = iota

	// FreshnessMaxAge accepts a value no older than a duration, measured
	// against the session clock.
	FreshnessMaxAge

	// FreshnessRefresh requires a value read during the current pass.
	FreshnessRefresh
)

// Freshness is the staleness requirement of a declaration.
type Freshness struct {
	Kind   FreshnessKind
	MaxAge time.Duration
}

// Cached returns a requirement satisfied by any value known in the session.
func Cached() Freshness {
	return Freshness{Kind: FreshnessCached}
}

// MaxAge returns a requirement satisfied iff now - entry.Timestamp <= d.
// MaxAge(0) rejects seeded values but accepts a value read earlier in the
// same session, since session reads are stamped with the session clock.
func MaxAge(d time.Duration) Freshness {
	if d < 0 {
		d = 0
	}
	return Freshness{Kind: FreshnessMaxAge, MaxAge: d}
}

// Refresh returns a requirement that forces a read in every pass.
func Refresh() Freshness {
	return Freshness{Kind: FreshnessRefresh}
}

// ParseFreshness parses "cached", "any", "now", "refresh", "session" or a Go
// duration such as "5m".
func ParseFreshness(s string) (Freshness, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "cached":
		return Cached(), nil
	case "now", "refresh":
		return Refresh(), nil
	case "session", "0":
		return MaxAge(0), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return Freshness{}, fmt.Errorf("invalid freshness %q: %w", s, err)
	}
	return MaxAge(d), nil
}

// Satisfied reports whether entry is acceptable at session time now in pass.
func (f Freshness) Satisfied(entry Entry, now time.Time, pass int) bool {
	switch f.Kind {
	case FreshnessRefresh:
		return entry.Pass == pass
	case FreshnessMaxAge:
		return now.Sub(entry.Timestamp) <= f.MaxAge
	default:
		return entry.Pass > 0
	}
}

// String implements fmt.Stringer.
func (f Freshness) String() string {
	switch f.Kind {
	case FreshnessRefresh:
		return "refresh"
	case FreshnessMaxAge:
		return "max-age=" + f.MaxAge.String()
	default:
		return "cached"
	}
}
