// Package dedupe implements the keyed sliding-window filter applied to
// triggers: content dedupe within a TTL, plus a per-edge minimum interval
// between accepted triggers.
package dedupe

import (
	"sync"
	"time"
)

// Suppression reasons reported in Decision.Reason.
const (
	ReasonDedupe      = "dedupe_ttl"
	ReasonMinInterval = "min_interval"
)

// DefaultMaxKeys bounds the dedupe map when Options.MaxKeys is unset.
const DefaultMaxKeys = 10000

// Options configures a Filter.
type Options struct {
	// TTL is the dedupe window. 0 disables content dedupe.
	TTL time.Duration
	// MinInterval is the minimum gap between two accepted triggers from the
	// same edge. 0 disables rate limiting.
	MinInterval time.Duration
	// MaxKeys bounds remembered dedupe keys.
	MaxKeys int
	// Fields selects fingerprint fields per event type.
	Fields map[string][]string
}

// Decision is the filter's verdict on one trigger.
type Decision struct {
	Accepted bool
	Reason   string
	Key      string
}

// Filter is safe for concurrent use. Each Decide is one check-then-write
// under a single lock, so two racing equivalent triggers cannot both pass.
type Filter struct {
	mu           sync.Mutex
	seen         map[string]time.Time // dedupe key -> accepted at
	lastAccepted map[string]time.Time // edge id -> accepted at

	ttl         time.Duration
	minInterval time.Duration
	maxKeys     int
	fp          *Fingerprinter
}

// New creates a Filter.
func New(opts Options) *Filter {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Filter{
		seen:         make(map[string]time.Time),
		lastAccepted: make(map[string]time.Time),
		ttl:          opts.TTL,
		minInterval:  opts.MinInterval,
		maxKeys:      maxKeys,
		fp:           NewFingerprinter(opts.Fields),
	}
}

// Fingerprinter exposes the key derivation used by this filter.
func (f *Filter) Fingerprinter() *Fingerprinter {
	return f.fp
}

// Decide checks a trigger received at now and records it if accepted.
func (f *Filter) Decide(edgeID, eventType string, payload map[string]any, now time.Time) Decision {
	key := f.fp.Key(edgeID, eventType, payload)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ttl > 0 {
		if at, ok := f.seen[key]; ok {
			if now.Sub(at) < f.ttl {
				return Decision{Reason: ReasonDedupe, Key: key}
			}
			delete(f.seen, key)
		}
	}

	if f.minInterval > 0 {
		if at, ok := f.lastAccepted[edgeID]; ok && now.Sub(at) < f.minInterval {
			return Decision{Reason: ReasonMinInterval, Key: key}
		}
	}

	if f.ttl > 0 {
		f.seen[key] = now
	}
	f.lastAccepted[edgeID] = now
	if len(f.seen) > f.maxKeys || len(f.lastAccepted) > f.maxKeys {
		f.evict(now)
	}
	return Decision{Accepted: true, Key: key}
}

// evict drops expired keys, then the oldest ones until under the bound.
// Must be called with f.mu held.
func (f *Filter) evict(now time.Time) {
	for k, at := range f.seen {
		if now.Sub(at) >= f.ttl {
			delete(f.seen, k)
		}
	}
	for id, at := range f.lastAccepted {
		if now.Sub(at) >= f.minInterval {
			delete(f.lastAccepted, id)
		}
	}
	for len(f.seen) > f.maxKeys {
		var oldestKey string
		var oldest time.Time
		for k, at := range f.seen {
			if oldestKey == "" || at.Before(oldest) {
				oldestKey, oldest = k, at
			}
		}
		delete(f.seen, oldestKey)
	}
}

// Size returns how many dedupe keys are remembered.
func (f *Filter) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// Reset forgets everything.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = make(map[string]time.Time)
	f.lastAccepted = make(map[string]time.Time)
}
