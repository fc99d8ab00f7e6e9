package domain

import "time"

// SessionCookie is the storefront authentication cookie kept between runs.
type SessionCookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain,omitempty"`
	Path     string     `json:"path,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
	HttpOnly bool       `json:"http_only,omitempty"`
}

// IsValid checks if the cookie carries a value and has not expired at now.
func (c *SessionCookie) IsValid(now time.Time) bool {
	if c == nil || c.Value == "" {
		return false
	}
	if c.Expires != nil && !now.Before(*c.Expires) {
		return false
	}
	return true
}

// State is the durable per-account document: the session cookie plus the
// last known key inventory.
type State struct {
	Cookie    *SessionCookie `json:"cookie,omitempty"`
	LastLogin *time.Time     `json:"last_login,omitempty"`

	// OrderIDs lists orders whose detail was fetched at least once.
	OrderIDs []string     `json:"order_ids,omitempty"`
	Records  []*KeyRecord `json:"records,omitempty"`

	// AutoPaidOrders holds gamekeys created by early payment of a period.
	AutoPaidOrders []string `json:"auto_paid_orders,omitempty"`
}

// HasOrder reports whether the order detail was fetched before.
func (s *State) HasOrder(id string) bool {
	for _, known := range s.OrderIDs {
		if known == id {
			return true
		}
	}
	return false
}

// IsAutoPaid reports whether id was created by early payment.
func (s *State) IsAutoPaid(id string) bool {
	for _, paid := range s.AutoPaidOrders {
		if paid == id {
			return true
		}
	}
	return false
}

// OrderSettled reports whether every known record of the order is revealed.
// Orders without records count as settled.
func (s *State) OrderSettled(id string) bool {
	for _, r := range s.Records {
		if r.OrderID == id && !r.Revealed() {
			return false
		}
	}
	return true
}
