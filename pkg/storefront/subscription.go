package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/tendant/keyclaim/pkg/domain"
)

const (
	paidPeriodsPath  = "/api/v1/subscriptions/humble_monthly/subscription_products_with_gamekeys"
	payEarlyPath     = "/subscription/payearly"
	payStatusPath    = "/subscription/payearly/status"
	periodPagePrefix = "/membership/"
	chooseContent    = "/humbler/choosecontent"

	// periodDataID marks the embedded JSON block on a period page.
	periodDataID = "webpack-monthly-product-data"

	// DefaultParentID is the selection group used by current period pages.
	DefaultParentID = "initial"
)

// PeriodFor derives the period identifiers for the month containing t.
func PeriodFor(t time.Time) domain.PeriodInfo {
	month := strings.ToLower(t.Month().String())
	year := strconv.Itoa(t.Year())
	return domain.PeriodInfo{
		Slug:      month + "-" + year,
		ProductID: month + "_" + year + "_choice",
	}
}

// PaidPeriod is one entry of the paid-periods list.
type PaidPeriod struct {
	PeriodSlug string `json:"periodSlug"`
	PeriodKey  string `json:"periodKey"`
	Gamekey    string `json:"gamekey"`
	Title      string `json:"title"`
}

// Slug returns whichever period identifier the entry carries.
func (p PaidPeriod) Slug() string {
	if p.PeriodSlug != "" {
		return p.PeriodSlug
	}
	return p.PeriodKey
}

// PaidPeriods lists the periods the account has paid for.
func (c *Client) PaidPeriods(ctx context.Context) ([]PaidPeriod, error) {
	if !c.LoggedIn() {
		return nil, domain.ErrLoggedOut
	}
	var raw json.RawMessage
	if err := c.getJSON(ctx, paidPeriodsPath, nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to list paid periods: %w", err)
	}

	var periods []PaidPeriod
	if err := json.Unmarshal(raw, &periods); err == nil {
		return periods, nil
	}
	var paged struct {
		Products []PaidPeriod `json:"products"`
	}
	if err := json.Unmarshal(raw, &paged); err != nil {
		return nil, fmt.Errorf("%w: paid periods: %v", domain.ErrMalformedPayload, err)
	}
	return paged.Products, nil
}

// CurrentUnpaidPeriod returns the current period when it is not known to be
// paid, or nil. The result is speculative: paying an already paid period
// is declined by the server and PayEarly reports that as no job.
func (c *Client) CurrentUnpaidPeriod(ctx context.Context) (*domain.PeriodInfo, error) {
	current := PeriodFor(c.now())
	paid, err := c.PaidPeriods(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range paid {
		if p.Slug() == current.Slug && p.Gamekey != "" {
			return nil, nil
		}
	}
	return &current, nil
}

// ChoiceOrders returns the paid periods that have an order.
func (c *Client) ChoiceOrders(ctx context.Context) ([]domain.ChoiceOrder, error) {
	paid, err := c.PaidPeriods(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.ChoiceOrder
	for _, p := range paid {
		if p.Gamekey == "" || p.Slug() == "" {
			continue
		}
		out = append(out, domain.ChoiceOrder{OrderID: p.Gamekey, PeriodSlug: p.Slug(), DisplayName: p.Title})
	}
	return out, nil
}

// PayEarly starts early payment of a period and returns the job id. An
// empty id with a nil error means the server declined, typically because
// the period is already paid.
func (c *Client) PayEarly(ctx context.Context, productID, slug string) (string, error) {
	if !c.LoggedIn() {
		return "", domain.ErrLoggedOut
	}
	token, err := c.preventionToken(ctx)
	if err != nil {
		return "", err
	}
	form := url.Values{
		"csrf_token": {token},
		"product_id": {productID},
	}
	var reply struct {
		Success bool   `json:"success"`
		JobID   string `json:"jobId"`
		Errors  any    `json:"errors"`
	}
	referer := c.resolve(periodPagePrefix+slug, nil).String()
	if err := c.postForm(ctx, payEarlyPath, form, referer, &reply); err != nil {
		return "", fmt.Errorf("failed to start early payment: %w", err)
	}
	if !reply.Success || reply.JobID == "" {
		c.logger.Info("early payment declined", "period", slug, "errors", reply.Errors)
		return "", nil
	}
	return reply.JobID, nil
}

// PollUnit is the backoff step of PollPayment: attempt N waits N units.
const PollUnit = time.Second

// PollPayment polls an early payment job until it yields an order gamekey,
// fails permanently or maxAttempts polls were made.
func (c *Client) PollPayment(ctx context.Context, jobID string, maxAttempts int) (string, error) {
	if !c.LoggedIn() {
		return "", domain.ErrLoggedOut
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.sleep(ctx, time.Duration(attempt)*PollUnit); err != nil {
			return "", err
		}

		var status struct {
			Success    bool   `json:"success"`
			InProgress bool   `json:"inProgress"`
			Gamekey    string `json:"gamekey"`
			Reason     string `json:"reason"`
		}
		err := c.getJSON(ctx, payStatusPath, url.Values{"job_id": {jobID}}, &status)
		if err != nil {
			c.logger.Warn("payment status poll failed", "job", jobID, "attempt", attempt, "error", err)
			if domain.IsSessionLost(err) {
				return "", err
			}
			continue
		}

		switch {
		case status.Success && status.Gamekey != "":
			return status.Gamekey, nil
		case !status.Success && !status.InProgress:
			return "", fmt.Errorf("%w: %s", domain.ErrPaymentFailed, status.Reason)
		}
	}
	return "", fmt.Errorf("%w: job %s after %d polls", domain.ErrPaymentTimeout, jobID, maxAttempts)
}

// periodData mirrors the embedded JSON block of a period page.
type periodData struct {
	ContentChoiceOptions *struct {
		Gamekey           string `json:"gamekey"`
		Title             string `json:"title"`
		UsesChoices       bool   `json:"usesChoices"`
		CanRedeemGames    bool   `json:"canRedeemGames"`
		ContentChoiceData *struct {
			GameData map[string]struct {
				Title string `json:"title"`
				Tpkds []Tpk  `json:"tpkds"`
			} `json:"game_data"`
			DisplayOrder []string `json:"display_order"`
		} `json:"contentChoiceData"`
		ContentChoicesMade map[string]struct {
			ChoicesMade []string `json:"choices_made"`
		} `json:"contentChoicesMade"`
	} `json:"contentChoiceOptions"`
}

// FetchPeriod loads and parses the selection state of a period page.
func (c *Client) FetchPeriod(ctx context.Context, slug string) (*domain.ChoiceModel, error) {
	if !c.LoggedIn() {
		return nil, domain.ErrLoggedOut
	}
	path := periodPagePrefix + url.PathEscape(slug)
	resp, err := c.send(ctx, call{method: http.MethodGet, path: path})
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, &StatusError{Method: http.MethodGet, Path: path, Code: resp.status}
	}
	return ParsePeriodPage(resp.body, c.platform)
}

// ParsePeriodPage extracts the selection model from a period page body.
func ParsePeriodPage(body []byte, platform string) (*domain.ChoiceModel, error) {
	block, ok := findScriptByID(body, periodDataID)
	if !ok {
		return nil, domain.ErrDataBlockAbsent
	}
	var data periodData
	if err := json.Unmarshal(block, &data); err != nil {
		return nil, fmt.Errorf("%w: period data: %v", domain.ErrMalformedPayload, err)
	}

	opts := data.ContentChoiceOptions
	if opts == nil {
		return &domain.ChoiceModel{Legacy: true}, nil
	}
	model := &domain.ChoiceModel{
		Gamekey:           opts.Gamekey,
		Title:             opts.Title,
		SelectionRequired: opts.UsesChoices,
		CanRedeem:         opts.CanRedeemGames,
		ParentID:          DefaultParentID,
		Items:             make(map[string]*domain.ChoiceItem),
	}
	if opts.ContentChoiceData == nil || len(opts.ContentChoiceData.DisplayOrder) == 0 {
		model.Legacy = true
		return model, nil
	}

	model.DisplayOrder = opts.ContentChoiceData.DisplayOrder
	for id, g := range opts.ContentChoiceData.GameData {
		item := &domain.ChoiceItem{ID: id, Title: g.Title}
		for _, t := range g.Tpkds {
			if strings.EqualFold(t.KeyType, platform) {
				item.Keys = append(item.Keys, t.Record(opts.Gamekey))
			}
		}
		model.Items[id] = item
	}
	if made, ok := opts.ContentChoicesMade[model.ParentID]; ok {
		model.Chosen = made.ChoicesMade
	}
	return model, nil
}

// findScriptByID returns the text of the <script> element with the id.
func findScriptByID(body []byte, id string) ([]byte, bool) {
	z := html.NewTokenizer(bytes.NewReader(body))
	inBlock := false
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return nil, false
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "script" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "id" && string(val) == id {
					inBlock = true
				}
				if !more {
					break
				}
			}
		case html.TextToken:
			if inBlock {
				return bytes.TrimSpace(z.Text()), true
			}
		case html.EndTagToken:
			if inBlock {
				return nil, false
			}
		}
	}
}

// ChooseContent selects items of a period. A reply saying the items were
// already chosen counts as success.
func (c *Client) ChooseContent(ctx context.Context, gamekey, parentID string, itemIDs []string) error {
	if !c.LoggedIn() {
		return domain.ErrLoggedOut
	}
	form := url.Values{
		"gamekey":           {gamekey},
		"parent_identifier": {parentID},
	}
	for _, id := range itemIDs {
		form.Add("chosen_identifiers[]", id)
	}
	var reply struct {
		Success bool                       `json:"success"`
		Errors  map[string]json.RawMessage `json:"errors"`
	}
	if err := c.postForm(ctx, chooseContent, form, "", &reply); err != nil {
		return fmt.Errorf("failed to choose content: %w", err)
	}
	if reply.Success {
		return nil
	}
	if _, already := reply.Errors["dummy"]; already {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrChoiceRejected, errorKeys(reply.Errors))
}

func errorKeys(m map[string]json.RawMessage) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return strings.Join(keys, ",")
}
