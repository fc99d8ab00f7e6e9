package storefront

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/tendant/keyclaim/pkg/domain"
)

const (
	redeemKeyPath = "/humbler/redeemkey"
	giftPath      = "/gift"
)

type revealReply struct {
	Success  *bool  `json:"success"`
	Key      string `json:"key"`
	GiftKey  string `json:"giftkey"`
	Error    string `json:"error"`
	ErrorMsg string `json:"error_msg"`
}

// Reveal asks the storefront to disclose the key at keyIndex of an order.
// With asGift the storefront issues a claim token instead and Reveal returns
// the shareable claim URL.
func (c *Client) Reveal(ctx context.Context, machineName, orderID string, keyIndex int, asGift bool) (string, error) {
	if !c.LoggedIn() {
		return "", domain.ErrLoggedOut
	}
	form := url.Values{
		"keytype":  {machineName},
		"key":      {orderID},
		"keyindex": {strconv.Itoa(keyIndex)},
	}
	if asGift {
		form.Set("gift", "true")
	}
	referer := c.resolve(probePath, nil).String()

	var reply revealReply
	if err := c.postForm(ctx, redeemKeyPath, form, referer, &reply); err != nil {
		return "", fmt.Errorf("failed to reveal %s: %w", machineName, err)
	}
	if reply.Success != nil && !*reply.Success {
		msg := reply.ErrorMsg
		if msg == "" {
			msg = reply.Error
		}
		return "", fmt.Errorf("%w: %s", domain.ErrRevealRejected, msg)
	}

	if asGift {
		if reply.GiftKey == "" {
			return "", fmt.Errorf("%w: reveal reply without gift key", domain.ErrMalformedPayload)
		}
		claim := c.resolve(giftPath, url.Values{"key": {reply.GiftKey}})
		return claim.String(), nil
	}
	if reply.Key == "" {
		return "", fmt.Errorf("%w: reveal reply without key", domain.ErrMalformedPayload)
	}
	return reply.Key, nil
}
