// Package storefront is an authenticated client for the storefront's
// undocumented web API: login with two-factor handling, order and key
// inventory, subscription periods and key reveal.
//
// A Client owns its cookie jar and is not safe for concurrent use by more
// than one pipeline; callers run one account's calls sequentially.
package storefront

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/tendant/keyclaim/pkg/clock"
	"github.com/tendant/keyclaim/pkg/domain"
)

const (
	// DefaultBaseURL is the storefront origin.
	DefaultBaseURL = "https://www.humblebundle.com"

	// DefaultPlatform is the key type redeemed on the target platform.
	DefaultPlatform = "steam"

	sessionCookieName = "_simpleauth_sess"
	csrfCookieName    = "csrf_cookie"
	csrfHeaderName    = "CSRF-Prevention-Token"

	loginPath   = "/login"
	probePath   = "/home/keys"
	contentPath = "/"

	defaultTimeout = 30 * time.Second
	maxBodySize    = 16 << 20
)

// CodeSource supplies a two-factor code on demand.
type CodeSource interface {
	Code(ctx context.Context) (string, error)
}

// Config holds client configuration.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Platform  string

	// ExcludedOrders are never fetched: their detail payload is broken at
	// the source.
	ExcludedOrders []string

	// BulkFetch switches FetchOrders to chunked multi-id queries.
	BulkFetch     bool
	BulkChunkSize int
	// FetchDelay separates individual order fetches.
	FetchDelay time.Duration

	// TwoFactor is asked for a code when login requires one and none was
	// passed in the credentials.
	TwoFactor CodeSource

	Logger    *slog.Logger
	Sleep     clock.Sleeper
	Now       clock.Now
	Transport http.RoundTripper
}

// Client talks to one storefront account.
type Client struct {
	base      *url.URL
	http      *http.Client
	jar       http.CookieJar
	recorder  *cookieRecorder
	profile   headerProfile
	tokens    *TokenExtractor
	platform  string
	excluded  map[string]struct{}
	bulk      bool
	chunkSize int
	delay     time.Duration
	twoFactor CodeSource
	logger    *slog.Logger
	sleep     clock.Sleeper
	now       clock.Now

	loginMu  sync.Mutex
	loggedIn atomic.Bool
}

// New creates a client with an empty cookie jar.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Platform == "" {
		cfg.Platform = DefaultPlatform
	}
	if cfg.BulkChunkSize <= 0 {
		cfg.BulkChunkSize = DefaultChunkSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = clock.Sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	recorder := &cookieRecorder{next: cfg.Transport, name: sessionCookieName, now: cfg.Now}
	excluded := make(map[string]struct{}, len(cfg.ExcludedOrders))
	for _, id := range cfg.ExcludedOrders {
		excluded[id] = struct{}{}
	}

	return &Client{
		base: base,
		http: &http.Client{
			Jar:       jar,
			Timeout:   cfg.Timeout,
			Transport: recorder,
		},
		jar:       jar,
		recorder:  recorder,
		profile:   newHeaderProfile(cfg.UserAgent, base),
		tokens:    NewTokenExtractor(loginTokenField),
		platform:  cfg.Platform,
		excluded:  excluded,
		bulk:      cfg.BulkFetch,
		chunkSize: cfg.BulkChunkSize,
		delay:     cfg.FetchDelay,
		twoFactor: cfg.TwoFactor,
		logger:    cfg.Logger,
		sleep:     cfg.Sleep,
		now:       cfg.Now,
	}, nil
}

// BaseURL returns the storefront origin.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// call describes one request.
type call struct {
	method   string
	path     string
	query    url.Values
	form     url.Values
	xhr      bool
	mutating bool
	referer  string
}

type response struct {
	status int
	body   []byte
	url    *url.URL
}

func (r *response) ok() bool {
	return r.status >= 200 && r.status < 300
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d", e.Method, e.Path, e.Code)
}

// Unwrap classifies server-side failures and throttling as transport errors,
// retried on the next pass.
func (e *StatusError) Unwrap() error {
	if e.Code >= 500 || e.Code == http.StatusTooManyRequests {
		return domain.ErrTransport
	}
	return nil
}

func (c *Client) resolve(path string, query url.Values) *url.URL {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return &u
}

func (c *Client) send(ctx context.Context, cl call) (*response, error) {
	target := c.resolve(cl.path, cl.query)

	var body io.Reader
	if cl.form != nil {
		body = strings.NewReader(cl.form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if cl.form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	}

	referer := cl.referer
	if referer == "" && (cl.xhr || cl.mutating) {
		referer = c.resolve(contentPath, nil).String()
	}
	if cl.xhr || cl.mutating {
		c.profile.applyXHR(req, referer)
	} else {
		c.profile.applyNavigate(req, referer)
	}

	if cl.mutating {
		token, err := c.preventionToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set(csrfHeaderName, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %v", domain.ErrTransport, cl.method, cl.path, err)
	}
	defer resp.Body.Close()

	data, err := decodeBody(resp.Header.Get("Content-Encoding"), io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", domain.ErrTransport, cl.path, err)
	}

	out := &response{status: resp.StatusCode, body: data, url: resp.Request.URL}
	if cl.path != loginPath && isLoginRedirect(out.url) {
		c.loggedIn.Store(false)
		return out, fmt.Errorf("%w: %s %s", domain.ErrLoginRedirect, cl.method, cl.path)
	}
	return out, nil
}

// getJSON fetches path and decodes a 2xx JSON body into v.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	resp, err := c.send(ctx, call{method: http.MethodGet, path: path, query: query, xhr: true})
	if err != nil {
		return err
	}
	if !resp.ok() {
		return &StatusError{Method: http.MethodGet, Path: path, Code: resp.status}
	}
	if err := json.Unmarshal(resp.body, v); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrMalformedPayload, path, err)
	}
	return nil
}

// postForm submits a mutating form and decodes a JSON reply into v. Non-2xx
// replies are still decoded when possible since the API reports business
// failures in the body.
func (c *Client) postForm(ctx context.Context, path string, form url.Values, referer string, v any) error {
	resp, err := c.send(ctx, call{method: http.MethodPost, path: path, form: form, mutating: true, referer: referer})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.body, v); err != nil {
		if !resp.ok() {
			return &StatusError{Method: http.MethodPost, Path: path, Code: resp.status}
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrMalformedPayload, path, err)
	}
	return nil
}

// preventionToken returns the CSRF prevention value from its cookie, first
// visiting a content page when the cookie has not been issued yet.
func (c *Client) preventionToken(ctx context.Context) (string, error) {
	if token := c.cookieValue(csrfCookieName); token != "" {
		return token, nil
	}
	if _, err := c.send(ctx, call{method: http.MethodGet, path: contentPath}); err != nil {
		return "", err
	}
	if token := c.cookieValue(csrfCookieName); token != "" {
		return token, nil
	}
	return "", domain.ErrPreventionTokenMiss
}

func (c *Client) cookieValue(name string) string {
	for _, ck := range c.jar.Cookies(c.base) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func isLoginRedirect(u *url.URL) bool {
	return u != nil && (u.Path == loginPath || strings.HasPrefix(u.Path, loginPath+"/"))
}

// cookieRecorder keeps the full attributes of the session cookie, which the
// standard jar does not expose, as it passes through every hop.
type cookieRecorder struct {
	next http.RoundTripper
	name string
	now  clock.Now

	mu     sync.Mutex
	cookie *domain.SessionCookie
}

func (r *cookieRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.next.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	for _, ck := range resp.Cookies() {
		if ck.Name != r.name {
			continue
		}
		r.observe(req.URL, ck)
	}
	return resp, nil
}

func (r *cookieRecorder) observe(u *url.URL, ck *http.Cookie) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ck.Value == "" || ck.MaxAge < 0 {
		r.cookie = nil
		return
	}

	sc := &domain.SessionCookie{
		Name:     ck.Name,
		Value:    ck.Value,
		Domain:   ck.Domain,
		Path:     ck.Path,
		Secure:   ck.Secure,
		HttpOnly: ck.HttpOnly,
	}
	if sc.Domain == "" {
		sc.Domain = u.Hostname()
	}
	if sc.Path == "" {
		sc.Path = "/"
	}
	switch {
	case ck.MaxAge > 0:
		exp := r.now().Add(time.Duration(ck.MaxAge) * time.Second)
		sc.Expires = &exp
	case !ck.Expires.IsZero():
		exp := ck.Expires
		sc.Expires = &exp
	}
	r.cookie = sc
}

func (r *cookieRecorder) set(sc *domain.SessionCookie) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cookie = sc
}

func (r *cookieRecorder) current() *domain.SessionCookie {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cookie == nil {
		return nil
	}
	cp := *r.cookie
	return &cp
}
