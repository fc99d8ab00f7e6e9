// Package ownership describes the read-only facts the redemption engine needs
// from the target platform: which catalog ids the account already owns and
// its billing region.
package ownership

import (
	"context"
	"strings"
)

// Facts is a snapshot of ownership data for one account.
type Facts struct {
	Owned  map[uint32]struct{}
	Region string // ISO country code, empty when unknown
}

// Owns reports whether the catalog id is in the snapshot.
func (f Facts) Owns(appID uint32) bool {
	if appID == 0 || f.Owned == nil {
		return false
	}
	_, ok := f.Owned[appID]
	return ok
}

// Provider supplies ownership facts.
type Provider interface {
	Facts(ctx context.Context) (Facts, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Facts, error)

// Facts calls f.
func (f ProviderFunc) Facts(ctx context.Context) (Facts, error) {
	return f(ctx)
}

// Static serves a fixed snapshot, typically from configuration.
type Static struct {
	facts Facts
}

// NewStatic creates a provider over a fixed list of owned ids and a region.
func NewStatic(owned []uint32, region string) *Static {
	set := make(map[uint32]struct{}, len(owned))
	for _, id := range owned {
		set[id] = struct{}{}
	}
	return &Static{facts: Facts{Owned: set, Region: strings.ToUpper(strings.TrimSpace(region))}}
}

// Facts returns the configured snapshot.
func (s *Static) Facts(context.Context) (Facts, error) {
	return s.facts, nil
}
