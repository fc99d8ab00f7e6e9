package storefront

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tendant/keyclaim/pkg/domain"
)

type codeFunc func(ctx context.Context) (string, error)

func (f codeFunc) Code(ctx context.Context) (string, error) { return f(ctx) }

func TestLogin_Success(t *testing.T) {
	fs := newFakeStorefront(t)
	clk := newFakeClock()
	c := newTestClient(t, fs, clk)

	if err := c.Login(context.Background(), Credentials{Username: testUser, Password: testPassword}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if !c.LoggedIn() {
		t.Error("LoggedIn() = false after successful login")
	}

	ck := c.SessionCookie()
	if ck == nil || ck.Value != testSession {
		t.Fatalf("SessionCookie() = %+v, want value %q", ck, testSession)
	}
	if ck.Expires == nil || !ck.Expires.Equal(clk.Now().Add(time.Hour)) {
		t.Errorf("cookie expiry = %v, want now+1h", ck.Expires)
	}
	if got := fs.loginForm().Get(loginTokenField); got != testToken {
		t.Errorf("submitted token = %q, want %q", got, testToken)
	}
	if got := fs.loginForm().Get("goto"); got != "/home/library" {
		t.Errorf("goto = %q", got)
	}
}

func TestLogin_Failures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(fs *fakeStorefront)
		creds   Credentials
		wantErr error
	}{
		{
			name:    "token missing from login page",
			setup:   func(fs *fakeStorefront) { fs.loginPage = "<html>maintenance</html>" },
			creds:   Credentials{Username: testUser, Password: testPassword},
			wantErr: domain.ErrCsrfNotFound,
		},
		{
			name:    "wrong password",
			creds:   Credentials{Username: testUser, Password: "nope"},
			wantErr: domain.ErrInvalidCredentials,
		},
		{
			name:    "second factor without a code",
			setup:   func(fs *fakeStorefront) { fs.requireCode = true },
			creds:   Credentials{Username: testUser, Password: testPassword},
			wantErr: domain.ErrTwoFactorRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStorefront(t)
			if tt.setup != nil {
				tt.setup(fs)
			}
			c := newTestClient(t, fs, newFakeClock())

			err := c.Login(context.Background(), tt.creds)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Login() error = %v, want %v", err, tt.wantErr)
			}
			if c.LoggedIn() {
				t.Error("LoggedIn() = true after failed login")
			}
		})
	}
}

func TestLogin_CodeFromSource(t *testing.T) {
	fs := newFakeStorefront(t)
	fs.requireCode = true
	asked := 0
	c := newTestClient(t, fs, newFakeClock(), func(cfg *Config) {
		cfg.TwoFactor = codeFunc(func(context.Context) (string, error) {
			asked++
			return testCode, nil
		})
	})

	if err := c.Login(context.Background(), Credentials{Username: testUser, Password: testPassword}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if asked != 1 {
		t.Errorf("code source asked %d times, want 1", asked)
	}
	if got := fs.loginForm().Get("code"); got != testCode {
		t.Errorf("submitted code = %q", got)
	}
}

func TestLogin_CodeRetriedWhileTransientlyRejected(t *testing.T) {
	fs := newFakeStorefront(t)
	fs.requireCode = true
	fs.codeRejections = 2
	clk := newFakeClock()
	c := newTestClient(t, fs, clk)

	err := c.Login(context.Background(), Credentials{Username: testUser, Password: testPassword, Code: testCode})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if got := fs.attempts(); got != 3 {
		t.Errorf("code attempts = %d, want 3", got)
	}
	sleeps := clk.Sleeps()
	if len(sleeps) != 2 {
		t.Fatalf("sleeps = %v, want 2", sleeps)
	}
	for _, d := range sleeps {
		if d != TwoFactorInterval {
			t.Errorf("sleep = %v, want %v", d, TwoFactorInterval)
		}
	}
}

func TestLogin_CodeRejectedAfterWindow(t *testing.T) {
	fs := newFakeStorefront(t)
	fs.requireCode = true
	fs.codeRejections = 1000
	clk := newFakeClock()
	c := newTestClient(t, fs, clk)
	start := clk.Now()

	err := c.Login(context.Background(), Credentials{Username: testUser, Password: testPassword, Code: testCode})
	if !errors.Is(err, domain.ErrTwoFactorRejected) {
		t.Fatalf("Login() error = %v, want ErrTwoFactorRejected", err)
	}
	if got := fs.attempts(); got != 10 {
		t.Errorf("code attempts = %d, want 10", got)
	}
	if elapsed := clk.Now().Sub(start); elapsed >= TwoFactorWindow {
		t.Errorf("retried for %v, want less than %v", elapsed, TwoFactorWindow)
	}
}

func TestRestore(t *testing.T) {
	fs := newFakeStorefront(t)
	clk := newFakeClock()
	first := loggedInClient(t, fs, clk)
	stored := first.SessionCookie()

	t.Run("valid cookie", func(t *testing.T) {
		c := newTestClient(t, fs, clk)
		if !c.Restore(context.Background(), stored) {
			t.Fatal("Restore() = false, want true")
		}
		if !c.LoggedIn() {
			t.Error("LoggedIn() = false after restore")
		}
	})

	t.Run("expired cookie is not probed", func(t *testing.T) {
		expired := *stored
		past := clk.Now().Add(-time.Minute)
		expired.Expires = &past
		before := fs.countRequests("GET /home/keys")

		c := newTestClient(t, fs, clk)
		if c.Restore(context.Background(), &expired) {
			t.Fatal("Restore() = true for expired cookie")
		}
		if after := fs.countRequests("GET /home/keys"); after != before {
			t.Errorf("probe requests = %d, want none", after-before)
		}
	})

	t.Run("nil cookie", func(t *testing.T) {
		c := newTestClient(t, fs, clk)
		if c.Restore(context.Background(), nil) {
			t.Fatal("Restore(nil) = true")
		}
	})

	t.Run("server rejected session", func(t *testing.T) {
		fs.mu.Lock()
		fs.sessionValid = false
		fs.mu.Unlock()
		defer func() {
			fs.mu.Lock()
			fs.sessionValid = true
			fs.mu.Unlock()
		}()

		c := newTestClient(t, fs, clk)
		if c.Restore(context.Background(), stored) {
			t.Fatal("Restore() = true for rejected session")
		}
		if c.LoggedIn() {
			t.Error("LoggedIn() = true")
		}
	})
}

func TestVerify_LoginRedirectLogsOut(t *testing.T) {
	fs := newFakeStorefront(t)
	c := loggedInClient(t, fs, newFakeClock())

	fs.mu.Lock()
	fs.sessionValid = false
	fs.mu.Unlock()

	if c.Verify(context.Background()) {
		t.Fatal("Verify() = true, want false")
	}
	if c.LoggedIn() {
		t.Error("LoggedIn() = true after failed verify")
	}
	if _, err := c.ListOrderIDs(context.Background()); !errors.Is(err, domain.ErrLoggedOut) {
		t.Errorf("ListOrderIDs() error = %v, want ErrLoggedOut", err)
	}
}

func TestLoginRedirectDuringCall(t *testing.T) {
	fs := newFakeStorefront(t)
	c := loggedInClient(t, fs, newFakeClock())

	fs.mu.Lock()
	fs.sessionValid = false
	fs.mu.Unlock()

	_, err := c.ListOrderIDs(context.Background())
	if !errors.Is(err, domain.ErrLoginRedirect) {
		t.Fatalf("ListOrderIDs() error = %v, want ErrLoginRedirect", err)
	}
	if !domain.IsSessionLost(err) {
		t.Error("IsSessionLost() = false")
	}
	if c.LoggedIn() {
		t.Error("LoggedIn() = true after redirect")
	}
}
