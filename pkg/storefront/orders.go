package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/keyclaim/pkg/domain"
)

const (
	orderListPath   = "/api/v1/user/order"
	orderDetailPath = "/api/v1/order/"
	orderBulkPath   = "/api/v1/orders"

	// DefaultChunkSize is the number of ids per bulk query.
	DefaultChunkSize = 40
)

// Order is the detail payload of one order.
type Order struct {
	Gamekey string `json:"gamekey"`
	Product struct {
		HumanName   string `json:"human_name"`
		MachineName string `json:"machine_name"`
		Category    string `json:"category"`
	} `json:"product"`
	TpkdDict struct {
		AllTpks []Tpk `json:"all_tpks"`
	} `json:"tpkd_dict"`
}

// Tpk is a third-party key entry as the API reports it.
type Tpk struct {
	KeyType             string   `json:"key_type"`
	HumanName           string   `json:"human_name"`
	MachineName         string   `json:"machine_name"`
	SteamAppID          appID    `json:"steam_app_id"`
	RedeemedKeyVal      string   `json:"redeemed_key_val"`
	IsExpired           bool     `json:"is_expired"`
	ExpirationDate      apiTime  `json:"expiration_date"`
	SoldOut             bool     `json:"sold_out"`
	IsGift              bool     `json:"is_gift"`
	KeyIndex            int      `json:"keyindex"`
	DisallowedCountries []string `json:"disallowed_countries"`
	ExclusiveCountries  []string `json:"exclusive_countries"`
}

// Record converts the entry into a key record of order.
func (t Tpk) Record(orderID string) *domain.KeyRecord {
	return &domain.KeyRecord{
		OrderID:           orderID,
		DisplayName:       t.HumanName,
		MachineName:       t.MachineName,
		KeyType:           t.KeyType,
		AppID:             uint32(t.SteamAppID),
		RevealedValue:     t.RedeemedKeyVal,
		IsExpired:         t.IsExpired,
		ExpiryDate:        t.ExpirationDate.ptr(),
		IsSoldOut:         t.SoldOut,
		KeyIndex:          t.KeyIndex,
		IsGiftOnly:        t.IsGift,
		DisallowedRegions: t.DisallowedCountries,
		ExclusiveRegions:  t.ExclusiveCountries,
	}
}

// Keys returns the key records of o for platform. Entries of other key
// types are dropped.
func (o *Order) Keys(platform string) []*domain.KeyRecord {
	var out []*domain.KeyRecord
	for _, t := range o.TpkdDict.AllTpks {
		if !strings.EqualFold(t.KeyType, platform) {
			continue
		}
		out = append(out, t.Record(o.Gamekey))
	}
	return out
}

// ListOrderIDs returns the gamekeys of all orders. An empty list is valid.
func (c *Client) ListOrderIDs(ctx context.Context) ([]string, error) {
	if !c.LoggedIn() {
		return nil, domain.ErrLoggedOut
	}
	var entries []struct {
		Gamekey string `json:"gamekey"`
	}
	if err := c.getJSON(ctx, orderListPath, nil, &entries); err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Gamekey != "" {
			ids = append(ids, e.Gamekey)
		}
	}
	return ids, nil
}

// FetchOrder fetches the detail of one order with all key entries.
func (c *Client) FetchOrder(ctx context.Context, id string) (*Order, error) {
	if !c.LoggedIn() {
		return nil, domain.ErrLoggedOut
	}
	if c.isExcluded(id) {
		return nil, domain.ErrExcludedOrder
	}
	var order Order
	query := url.Values{"all_tpkds": {"true"}}
	if err := c.getJSON(ctx, orderDetailPath+url.PathEscape(id), query, &order); err != nil {
		return nil, err
	}
	if order.Gamekey == "" {
		order.Gamekey = id
	}
	return &order, nil
}

// FetchOrders fetches the details of ids using the configured strategy.
// Failed items are logged and left out of the result; one bad order never
// aborts the batch.
func (c *Client) FetchOrders(ctx context.Context, ids []string) map[string]*Order {
	ids = c.filterExcluded(ids)
	if c.bulk {
		return c.fetchBulk(ctx, ids)
	}
	return c.fetchIndividually(ctx, ids)
}

// FetchKeyRecords fetches ids and returns the platform key records per order.
// Orders that failed to load are absent from the map.
func (c *Client) FetchKeyRecords(ctx context.Context, ids []string) map[string][]*domain.KeyRecord {
	orders := c.FetchOrders(ctx, ids)
	out := make(map[string][]*domain.KeyRecord, len(orders))
	for id, o := range orders {
		out[id] = o.Keys(c.platform)
	}
	return out
}

func (c *Client) fetchIndividually(ctx context.Context, ids []string) map[string]*Order {
	out := make(map[string]*Order, len(ids))
	for i, id := range ids {
		if i > 0 && c.delay > 0 {
			if err := c.sleep(ctx, c.delay); err != nil {
				return out
			}
		}
		order, err := c.FetchOrder(ctx, id)
		if err != nil {
			c.logger.Warn("failed to fetch order", "order", id, "error", err)
			if domain.IsSessionLost(err) || ctx.Err() != nil {
				return out
			}
			continue
		}
		out[id] = order
	}
	return out
}

func (c *Client) fetchBulk(ctx context.Context, ids []string) map[string]*Order {
	out := make(map[string]*Order, len(ids))
	if !c.LoggedIn() {
		c.logger.Warn("bulk fetch skipped", "error", domain.ErrLoggedOut)
		return out
	}
	for start := 0; start < len(ids); start += c.chunkSize {
		end := min(start+c.chunkSize, len(ids))
		chunk := ids[start:end]

		orders, err := c.fetchChunk(ctx, chunk)
		if err != nil {
			c.logger.Warn("dropping order chunk", "first", chunk[0], "size", len(chunk), "error", err)
			if domain.IsSessionLost(err) || ctx.Err() != nil {
				return out
			}
			continue
		}
		for id, o := range orders {
			out[id] = o
		}
	}
	return out
}

func (c *Client) fetchChunk(ctx context.Context, chunk []string) (map[string]*Order, error) {
	query := url.Values{"all_tpkds": {"true"}}
	for _, id := range chunk {
		query.Add("gamekeys", id)
	}
	var raw map[string]json.RawMessage
	if err := c.getJSON(ctx, orderBulkPath, query, &raw); err != nil {
		return nil, err
	}

	orders := make(map[string]*Order, len(raw))
	for id, msg := range raw {
		if string(msg) == "null" {
			continue
		}
		var o Order
		if err := json.Unmarshal(msg, &o); err != nil {
			c.logger.Warn("skipping unparsable order", "order", id, "error", err)
			continue
		}
		if o.Gamekey == "" {
			o.Gamekey = id
		}
		orders[id] = &o
	}
	return orders, nil
}

func (c *Client) isExcluded(id string) bool {
	_, ok := c.excluded[id]
	return ok
}

func (c *Client) filterExcluded(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if c.isExcluded(id) {
			c.logger.Info("skipping excluded order", "order", id)
			continue
		}
		out = append(out, id)
	}
	return out
}

// appID accepts numbers, numeric strings and null.
type appID uint32

func (a *appID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*a = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("app id %q: %w", s, err)
	}
	*a = appID(v)
	return nil
}

var apiTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// apiTime accepts the date layouts seen in order payloads.
type apiTime struct {
	t   time.Time
	set bool
}

func (a *apiTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*a = apiTime{}
		return nil
	}
	for _, layout := range apiTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*a = apiTime{t: t.UTC(), set: true}
			return nil
		}
	}
	return errors.New("unrecognized date " + strconv.Quote(s))
}

func (a apiTime) ptr() *time.Time {
	if !a.set {
		return nil
	}
	t := a.t
	return &t
}
