package domain

import (
	"strconv"
	"time"
)

// KeyRecord is one third-party key entry within an order.
type KeyRecord struct {
	OrderID           string     `json:"order_id"`
	DisplayName       string     `json:"display_name"`
	MachineName       string     `json:"machine_name"`
	KeyType           string     `json:"key_type,omitempty"`
	AppID             uint32     `json:"app_id,omitempty"` // 0 when the catalog id is unknown
	RevealedValue     string     `json:"revealed_value,omitempty"`
	IsExpired         bool       `json:"is_expired,omitempty"`
	ExpiryDate        *time.Time `json:"expiry_date,omitempty"`
	IsSoldOut         bool       `json:"is_sold_out,omitempty"`
	KeyIndex          int        `json:"key_index"`
	IsGiftOnly        bool       `json:"is_gift_only,omitempty"`
	DisallowedRegions []string   `json:"disallowed_regions,omitempty"`
	ExclusiveRegions  []string   `json:"exclusive_regions,omitempty"`

	// AutoPaid marks records of a period paid early by this agent.
	AutoPaid bool `json:"auto_paid,omitempty"`
}

// Revealed reports whether the record holds a value. Revealed records are
// terminal and never sent to the storefront again.
func (r *KeyRecord) Revealed() bool {
	return r.RevealedValue != ""
}

// Key identifies the record within the account inventory.
func (r *KeyRecord) Key() string {
	return r.OrderID + "/" + r.MachineName + "/" + strconv.Itoa(r.KeyIndex)
}

// Verdict is the outcome of evaluating a record against ownership and policy.
type Verdict string

const (
	VerdictTerminal      Verdict = "terminal"
	VerdictExpired       Verdict = "expired"
	VerdictSoldOut       Verdict = "sold_out"
	VerdictUnknownApp    Verdict = "unknown_app"
	VerdictRegionBlocked Verdict = "region_blocked"
	VerdictNoExpiry      Verdict = "no_expiry"
	VerdictBlacklisted   Verdict = "blacklisted"
	VerdictOwned         Verdict = "owned"
	VerdictEligible      Verdict = "eligible"
)

// Pending reports whether a record with this verdict keeps the retry loop
// alive: remote state may still change for it.
func (v Verdict) Pending() bool {
	return v == VerdictEligible || v == VerdictSoldOut
}

// Classification is the evaluation result for a single record.
type Classification struct {
	Record   *KeyRecord
	Verdict  Verdict
	AsGift   bool
	Withheld bool
}

// RedemptionOutcome reports a reveal attempt. AlreadyRevealed marks a key
// that was terminal before the pass and needed no storefront call.
type RedemptionOutcome struct {
	Record          *KeyRecord
	Succeeded       bool
	AsGift          bool
	Withheld        bool
	AlreadyRevealed bool
	FailureReason   string
}

// NewlyRevealed reports whether the outcome is a reveal made by this pass.
func (o RedemptionOutcome) NewlyRevealed() bool {
	return o.Succeeded && !o.AlreadyRevealed
}
