// Package consent answers whether a beneficiary has opted out of data sharing.
package consent

import (
	"context"
	"strings"
	"sync"
	"time"
)

// PolicyType is the consent policy a beneficiary recorded.
type PolicyType string

const (
	PolicyOptIn  PolicyType = "OPTIN"
	PolicyOptOut PolicyType = "OPTOUT"
)

// Result is one consent decision on file for a beneficiary.
type Result struct {
	ConsentID   string
	Active      bool
	PolicyType  PolicyType
	ConsentDate time.Time
}

// Lookup fetches every consent result recorded for an MBI.
type Lookup interface {
	GetConsent(ctx context.Context, mbi string) ([]Result, error)
}

// IsOptedOut applies the opt-out rule: the most recent result decides, and it
// must be active, an opt-out and already in effect at now.
func IsOptedOut(results []Result, now time.Time) bool {
	if len(results) == 0 {
		return false
	}
	latest := results[0]
	for _, r := range results[1:] {
		if r.ConsentDate.After(latest.ConsentDate) {
			latest = r
		}
	}
	return latest.Active &&
		latest.PolicyType == PolicyOptOut &&
		!latest.ConsentDate.After(now)
}

// MemoryLookup is an in-memory Lookup for development and tests.
type MemoryLookup struct {
	mu      sync.RWMutex
	results map[string][]Result
}

func NewMemoryLookup() *MemoryLookup {
	return &MemoryLookup{results: make(map[string][]Result)}
}

// Add records a result for mbi.
func (m *MemoryLookup) Add(mbi string, r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToUpper(mbi)
	m.results[key] = append(m.results[key], r)
}

func (m *MemoryLookup) GetConsent(_ context.Context, mbi string) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.results[strings.ToUpper(mbi)]
	out := make([]Result, len(src))
	copy(out, src)
	return out, nil
}
