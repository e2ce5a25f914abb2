// Package noncestore tracks consumed payment nonces for the lifetime of
// the process. Consumption is permanent: a nonce stays marked even when
// the settlement it guarded later reverts on chain.
package noncestore

import (
	"strings"
	"sync"
)

// Arbiter is an in-memory at-most-once guard keyed by payer and nonce.
type Arbiter struct {
	mu   sync.Mutex
	used map[string]struct{}
}

// NewArbiter creates an empty arbiter.
func NewArbiter() *Arbiter {
	return &Arbiter{used: make(map[string]struct{})}
}

// Key builds the arbiter key for a payer and nonce. Both sides are
// lowercased so address casing and hex casing cannot split entries.
func Key(payer, nonce string) string {
	return strings.ToLower(payer) + "|" + strings.ToLower(nonce)
}

// Has reports whether the key has been consumed. Used by verify, which
// must never consume.
func (a *Arbiter) Has(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.used[key]
	return ok
}

// CheckAndMark atomically consumes the key. It returns true exactly once
// per key across all callers; settle paths gate transaction submission
// on that first true.
func (a *Arbiter) CheckAndMark(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.used[key]; ok {
		return false
	}
	a.used[key] = struct{}{}
	return true
}
