// Package redeem decides which key records to reveal and performs the
// reveals for one account.
package redeem

import (
	"strings"

	"github.com/tendant/keyclaim/pkg/domain"
	"github.com/tendant/keyclaim/pkg/ownership"
)

// Policy holds the per-account redemption toggles. It is read once per pass
// and never mutated by the engine.
type Policy struct {
	// IgnoreRegion skips the region check entirely.
	IgnoreRegion bool
	// RevealIgnoringRegion reveals region-blocked keys but withholds them.
	RevealIgnoringRegion bool
	// GiftOwned reveals owned titles as gift links instead of skipping them.
	GiftOwned     bool
	SkipUnknown   bool
	RequireExpiry bool

	BlacklistApps  []uint32
	BlacklistNames []string

	WithholdApps     []uint32
	WithholdAutoPaid bool
}

// Evaluate classifies every record. It is pure: identical inputs yield
// identical classifications.
func Evaluate(records []*domain.KeyRecord, facts ownership.Facts, p Policy) []domain.Classification {
	out := make([]domain.Classification, 0, len(records))
	for _, r := range records {
		out = append(out, Classify(r, facts, p))
	}
	return out
}

// Classify applies the checks to one record in precedence order; the first
// failing check decides the verdict.
func Classify(r *domain.KeyRecord, facts ownership.Facts, p Policy) domain.Classification {
	c := domain.Classification{Record: r}

	switch {
	case r.Revealed():
		c.Verdict = domain.VerdictTerminal
		return c
	case r.IsExpired:
		c.Verdict = domain.VerdictExpired
		return c
	case r.IsSoldOut:
		c.Verdict = domain.VerdictSoldOut
		return c
	case r.AppID == 0 && p.SkipUnknown:
		c.Verdict = domain.VerdictUnknownApp
		return c
	}

	regionBypassed := false
	if !p.IgnoreRegion && !RegionAllowed(r, facts.Region) {
		if !p.RevealIgnoringRegion {
			c.Verdict = domain.VerdictRegionBlocked
			return c
		}
		regionBypassed = true
	}

	if p.RequireExpiry && r.ExpiryDate == nil {
		c.Verdict = domain.VerdictNoExpiry
		return c
	}
	if p.blacklisted(r) {
		c.Verdict = domain.VerdictBlacklisted
		return c
	}

	owned := facts.Owns(r.AppID)
	if owned && !p.GiftOwned {
		c.Verdict = domain.VerdictOwned
		return c
	}

	c.Verdict = domain.VerdictEligible
	c.AsGift = owned
	c.Withheld = regionBypassed ||
		containsApp(p.WithholdApps, r.AppID) ||
		(r.AutoPaid && p.WithholdAutoPaid)
	return c
}

// RegionAllowed reports whether a key with the record's region lists can be
// activated from region. An unknown region passes only keys without any
// region restriction.
func RegionAllowed(r *domain.KeyRecord, region string) bool {
	if len(r.DisallowedRegions) == 0 && len(r.ExclusiveRegions) == 0 {
		return true
	}
	if region == "" {
		return false
	}
	if containsFold(r.DisallowedRegions, region) {
		return false
	}
	if len(r.ExclusiveRegions) > 0 && !containsFold(r.ExclusiveRegions, region) {
		return false
	}
	return true
}

func (p Policy) blacklisted(r *domain.KeyRecord) bool {
	if containsApp(p.BlacklistApps, r.AppID) {
		return true
	}
	return containsFold(p.BlacklistNames, r.MachineName) || containsFold(p.BlacklistNames, r.DisplayName)
}

func containsApp(ids []uint32, id uint32) bool {
	if id == 0 {
		return false
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}
