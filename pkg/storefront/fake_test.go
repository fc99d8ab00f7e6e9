package storefront

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testUser     = "user@example.com"
	testPassword = "hunter2"
	testToken    = "tok-1"
	testSession  = "sess-1"
	testCSRF     = "csrf-1"
	testCode     = "424242"
)

// fakeStorefront is an in-process stand-in for the storefront API.
type fakeStorefront struct {
	t   *testing.T
	srv *httptest.Server

	mu             sync.Mutex
	loginPage      string
	requireCode    bool
	codeRejections int
	codeAttempts   int
	lastLoginForm  url.Values
	sessionValid   bool
	orderList      []string
	orders         map[string]string
	bulkCalls      [][]string
	revealReply    func(form url.Values) string
	revealForms    []url.Values
	revealCSRF     []string
	paidPeriods    string
	payReply       string
	payForms       []url.Values
	payStatuses    []string
	statusPolls    int
	periodPages    map[string]string
	chooseReply    string
	chooseForms    []url.Values
	requests       []string
}

func newFakeStorefront(t *testing.T) *fakeStorefront {
	t.Helper()
	fs := &fakeStorefront{
		t:            t,
		loginPage:    `<html><form><input type="hidden" name="_le_csrf_token" value="` + testToken + `"></form></html>`,
		sessionValid: true,
		orders:       map[string]string{},
		periodPages:  map[string]string{},
		paidPeriods:  `[]`,
		chooseReply:  `{"success": true}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", fs.handleHome)
	mux.HandleFunc("GET /login", fs.handleLoginPage)
	mux.HandleFunc("POST /processlogin", fs.handleProcessLogin)
	mux.HandleFunc("GET /home/keys", fs.authed(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>keys</html>")
	}))
	mux.HandleFunc("GET /api/v1/user/order", fs.authed(fs.handleOrderList))
	mux.HandleFunc("GET /api/v1/order/{id}", fs.authed(fs.handleOrder))
	mux.HandleFunc("GET /api/v1/orders", fs.authed(fs.handleBulk))
	mux.HandleFunc("POST /humbler/redeemkey", fs.authed(fs.handleReveal))
	mux.HandleFunc("GET /api/v1/subscriptions/humble_monthly/subscription_products_with_gamekeys", fs.authed(fs.handlePaid))
	mux.HandleFunc("POST /subscription/payearly", fs.authed(fs.handlePayEarly))
	mux.HandleFunc("GET /subscription/payearly/status", fs.authed(fs.handlePayStatus))
	mux.HandleFunc("GET /membership/{slug}", fs.authed(fs.handlePeriod))
	mux.HandleFunc("POST /humbler/choosecontent", fs.authed(fs.handleChoose))

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.requests = append(fs.requests, r.Method+" "+r.URL.Path)
		fs.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeStorefront) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		valid := fs.sessionValid
		fs.mu.Unlock()
		ck, err := r.Cookie(sessionCookieName)
		if err != nil || ck.Value != testSession || !valid {
			http.Redirect(w, r, "/login?goto="+r.URL.Path, http.StatusFound)
			return
		}
		next(w, r)
	}
}

func (fs *fakeStorefront) handleHome(w http.ResponseWriter, r *http.Request) {
	if _, err := r.Cookie(csrfCookieName); err != nil {
		http.SetCookie(w, &http.Cookie{Name: csrfCookieName, Value: testCSRF, Path: "/"})
	}
	io.WriteString(w, "<html>home</html>")
}

func (fs *fakeStorefront) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	io.WriteString(w, fs.loginPage)
}

func (fs *fakeStorefront) handleProcessLogin(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.lastLoginForm = r.PostForm

	if r.PostForm.Get("username") != testUser || r.PostForm.Get("password") != testPassword ||
		r.PostForm.Get(loginTokenField) != testToken {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"success": false, "errors": {"username": ["Invalid login"]}}`)
		return
	}
	if fs.requireCode {
		code := r.PostForm.Get("code")
		if code == "" {
			io.WriteString(w, `{"humble_guard_required": true}`)
			return
		}
		fs.codeAttempts++
		if fs.codeRejections > 0 || code != testCode {
			fs.codeRejections--
			io.WriteString(w, `{"humble_guard_required": true, "errors": {"guard": ["Invalid code"]}}`)
			return
		}
	}
	fs.sessionValid = true
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: testSession, Path: "/", HttpOnly: true, MaxAge: 3600})
	io.WriteString(w, `{"success": true, "goto": "/home/library"}`)
}

func (fs *fakeStorefront) handleOrderList(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entries := make([]map[string]string, 0, len(fs.orderList))
	for _, id := range fs.orderList {
		entries = append(entries, map[string]string{"gamekey": id})
	}
	json.NewEncoder(w).Encode(entries)
}

func (fs *fakeStorefront) handleOrder(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	raw, ok := fs.orders[r.PathValue("id")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	io.WriteString(w, raw)
}

func (fs *fakeStorefront) handleBulk(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["gamekeys"]
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.bulkCalls = append(fs.bulkCalls, ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		raw, ok := fs.orders[id]
		if !ok {
			raw = "null"
		}
		parts = append(parts, fmt.Sprintf("%q: %s", id, raw))
	}
	io.WriteString(w, "{"+strings.Join(parts, ",")+"}")
}

func (fs *fakeStorefront) handleReveal(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.revealForms = append(fs.revealForms, r.PostForm)
	fs.revealCSRF = append(fs.revealCSRF, r.Header.Get(csrfHeaderName))
	if fs.revealReply == nil {
		io.WriteString(w, `{"success": true, "key": "AAAAA-BBBBB-CCCCC"}`)
		return
	}
	io.WriteString(w, fs.revealReply(r.PostForm))
}

func (fs *fakeStorefront) handlePaid(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	io.WriteString(w, fs.paidPeriods)
}

func (fs *fakeStorefront) handlePayEarly(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.payForms = append(fs.payForms, r.PostForm)
	io.WriteString(w, fs.payReply)
}

func (fs *fakeStorefront) handlePayStatus(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	i := fs.statusPolls
	fs.statusPolls++
	if i >= len(fs.payStatuses) {
		i = len(fs.payStatuses) - 1
	}
	io.WriteString(w, fs.payStatuses[i])
}

func (fs *fakeStorefront) handlePeriod(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	page, ok := fs.periodPages[r.PathValue("slug")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	io.WriteString(w, page)
}

func (fs *fakeStorefront) handleChoose(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.chooseForms = append(fs.chooseForms, r.PostForm)
	io.WriteString(w, fs.chooseReply)
}

func (fs *fakeStorefront) countRequests(prefix string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for _, r := range fs.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

// fakeClock advances on every Sleep so retry loops finish instantly.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, fs *fakeStorefront, clk *fakeClock, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL: fs.srv.URL,
		Logger:  testLogger(),
		Sleep:   clk.Sleep,
		Now:     clk.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func loggedInClient(t *testing.T, fs *fakeStorefront, clk *fakeClock, mutate ...func(*Config)) *Client {
	t.Helper()
	c := newTestClient(t, fs, clk, mutate...)
	if err := c.Login(context.Background(), Credentials{Username: testUser, Password: testPassword}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	return c
}

func tpkJSON(machine string, appID int, revealed string) string {
	return fmt.Sprintf(`{"key_type": "steam", "human_name": %q, "machine_name": %q, "steam_app_id": %d, "redeemed_key_val": %q, "keyindex": 0}`,
		strings.ToUpper(machine), machine, appID, revealed)
}

func orderJSON(gamekey string, tpks ...string) string {
	return fmt.Sprintf(`{"gamekey": %q, "product": {"human_name": "Bundle %s"}, "tpkd_dict": {"all_tpks": [%s]}}`,
		gamekey, gamekey, strings.Join(tpks, ","))
}

func (fs *fakeStorefront) loginForm() url.Values {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lastLoginForm
}

func (fs *fakeStorefront) attempts() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.codeAttempts
}
