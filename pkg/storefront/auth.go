package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tendant/keyclaim/pkg/domain"
)

const (
	processLoginPath = "/processlogin"

	// TwoFactorWindow bounds how long a code submission is retried.
	TwoFactorWindow = 30 * time.Second
	// TwoFactorInterval separates code submissions.
	TwoFactorInterval = 3 * time.Second
)

// twoFactorMarkers appear in the login reply when a second factor is needed.
var twoFactorMarkers = [][]byte{
	[]byte("humble_guard_required"),
	[]byte("two_factor_required"),
}

// Credentials are the account login inputs. Code is optional.
type Credentials struct {
	Username string
	Password string
	Code     string
}

type loginReply struct {
	Success *bool               `json:"success"`
	Goto    string              `json:"goto"`
	Errors  map[string][]string `json:"errors"`
}

// LoggedIn reports the session state.
func (c *Client) LoggedIn() bool {
	return c.loggedIn.Load()
}

// SessionCookie returns the current session cookie, or nil.
func (c *Client) SessionCookie() *domain.SessionCookie {
	return c.recorder.current()
}

// Restore loads a stored session cookie and probes the session. It returns
// true only when the probe succeeds without a login redirect.
func (c *Client) Restore(ctx context.Context, cookie *domain.SessionCookie) bool {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	if !cookie.IsValid(c.now()) {
		return false
	}

	ck := &http.Cookie{
		Name:     cookie.Name,
		Value:    cookie.Value,
		Path:     "/",
		HttpOnly: cookie.HttpOnly,
		Secure:   cookie.Secure && c.base.Scheme == "https",
	}
	if cookie.Expires != nil {
		ck.Expires = *cookie.Expires
	}
	c.jar.SetCookies(c.base, []*http.Cookie{ck})
	c.recorder.set(cookie)

	ok := c.probe(ctx)
	c.loggedIn.Store(ok)
	if ok {
		c.logger.Info("session restored")
	} else {
		c.logger.Info("stored session rejected")
	}
	return ok
}

// Verify checks the session against an authenticated-only page. A failure
// moves the client to the logged out state.
func (c *Client) Verify(ctx context.Context) bool {
	ok := c.probe(ctx)
	c.loggedIn.Store(ok)
	return ok
}

func (c *Client) probe(ctx context.Context) bool {
	resp, err := c.send(ctx, call{method: http.MethodGet, path: probePath})
	if err != nil {
		c.logger.Debug("session probe failed", "error", err)
		return false
	}
	return resp.ok()
}

// Login authenticates with the storefront. Attempts for one client are
// serialized. On success the session cookie is available from SessionCookie.
func (c *Client) Login(ctx context.Context, creds Credentials) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	c.loggedIn.Store(false)

	page, err := c.send(ctx, call{method: http.MethodGet, path: loginPath})
	if err != nil {
		return fmt.Errorf("failed to load login page: %w", err)
	}
	if !page.ok() {
		return &StatusError{Method: http.MethodGet, Path: loginPath, Code: page.status}
	}

	token, err := c.tokens.Extract(page.body)
	if err != nil {
		return err
	}

	form := url.Values{
		"username":                 {creds.Username},
		"password":                 {creds.Password},
		loginTokenField:            {token},
		"goto":                     {"/home/library"},
		"qs":                       {""},
		"access_token":             {""},
		"access_token_provider_id": {""},
	}

	needsCode, err := c.submitLogin(ctx, form)
	if err != nil {
		return err
	}

	if needsCode {
		code := creds.Code
		if code == "" && c.twoFactor != nil {
			c.logger.Info("two-factor code requested")
			code, err = c.twoFactor.Code(ctx)
			if err != nil {
				c.logger.Warn("no two-factor code available", "error", err)
				code = ""
			}
		}
		if code == "" {
			return domain.ErrTwoFactorRequired
		}
		if err := c.submitCode(ctx, form, code); err != nil {
			return err
		}
	}

	if !c.probe(ctx) {
		return domain.ErrSessionProbeFailed
	}
	c.loggedIn.Store(true)
	c.logger.Info("logged in")
	return nil
}

// submitLogin posts the form. It reports whether a second factor is needed.
func (c *Client) submitLogin(ctx context.Context, form url.Values) (bool, error) {
	resp, err := c.send(ctx, call{
		method:  http.MethodPost,
		path:    processLoginPath,
		form:    form,
		xhr:     true,
		referer: c.resolve(loginPath, nil).String(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to submit credentials: %w", err)
	}
	if needsSecondFactor(resp.body) {
		return true, nil
	}
	if loginAccepted(resp) {
		return false, nil
	}
	if resp.status >= 500 {
		return false, &StatusError{Method: http.MethodPost, Path: processLoginPath, Code: resp.status}
	}
	return false, domain.ErrInvalidCredentials
}

// submitCode resends the credentials with the code. The endpoint rejects
// transiently right after a code is issued, so rejections are retried every
// TwoFactorInterval until TwoFactorWindow elapses.
func (c *Client) submitCode(ctx context.Context, form url.Values, code string) error {
	withCode := url.Values{}
	for k, v := range form {
		withCode[k] = v
	}
	withCode.Set("code", code)
	withCode.Set("guard", code)

	deadline := c.now().Add(TwoFactorWindow)
	for attempt := 1; ; attempt++ {
		resp, err := c.send(ctx, call{
			method:  http.MethodPost,
			path:    processLoginPath,
			form:    withCode,
			xhr:     true,
			referer: c.resolve(loginPath, nil).String(),
		})
		switch {
		case err != nil && !errors.Is(err, domain.ErrTransport):
			return fmt.Errorf("failed to submit two-factor code: %w", err)
		case err == nil && !needsSecondFactor(resp.body) && loginAccepted(resp):
			return nil
		}

		c.logger.Info("two-factor code not accepted yet", "attempt", attempt)
		if !c.now().Add(TwoFactorInterval).Before(deadline) {
			return domain.ErrTwoFactorRejected
		}
		if err := c.sleep(ctx, TwoFactorInterval); err != nil {
			return err
		}
	}
}

func needsSecondFactor(body []byte) bool {
	for _, m := range twoFactorMarkers {
		if bytes.Contains(body, m) {
			return true
		}
	}
	return false
}

func loginAccepted(resp *response) bool {
	if !resp.ok() {
		return false
	}
	var reply loginReply
	if err := json.Unmarshal(resp.body, &reply); err != nil {
		// Some deployments answer with a plain redirect page.
		return true
	}
	if reply.Success != nil {
		return *reply.Success
	}
	return len(reply.Errors) == 0
}
