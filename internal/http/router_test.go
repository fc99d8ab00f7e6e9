package http

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tendant/keyclaim/internal/account"
	"github.com/tendant/keyclaim/internal/auth"
	"github.com/tendant/keyclaim/internal/config"
)

type stubController struct{}

func (stubController) Accounts() []account.Status { return []account.Status{{Name: "alice"}} }
func (stubController) Account(name string) (account.Status, error) {
	if name != "alice" {
		return account.Status{}, account.ErrUnknownAccount
	}
	return account.Status{Name: name}, nil
}
func (stubController) SubmitCode(string, string) error { return nil }
func (stubController) Trigger(string) error            { return nil }

func TestNewRouter(t *testing.T) {
	tokens := auth.NewTokenService(auth.TokenConfig{Secret: []byte("secret"), Issuer: "keyclaim"})
	reader, _ := tokens.Issue("viewer", []string{auth.ScopeRead}, time.Hour)
	writer, _ := tokens.Issue("operator", []string{auth.ScopeRead, auth.ScopeWrite}, time.Hour)

	router := NewRouter(RouterConfig{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Tokens:          tokens,
		Accounts:        stubController{},
		RateLimitConfig: config.RateLimitConfig{Enabled: false},
		SecurityHeaders: config.SecurityHeadersConfig{Enabled: true, ContentTypeOptions: "nosniff"},
		Validation:      config.ValidationConfig{MaxRequestBodySize: 1024},
	})

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
	}{
		{"health is public", http.MethodGet, "/health", "", http.StatusOK},
		{"list needs a token", http.MethodGet, "/v1/accounts", "", http.StatusUnauthorized},
		{"list with read scope", http.MethodGet, "/v1/accounts", reader, http.StatusOK},
		{"get unknown", http.MethodGet, "/v1/accounts/bob", reader, http.StatusNotFound},
		{"redeem needs write scope", http.MethodPost, "/v1/accounts/alice/redeem", reader, http.StatusForbidden},
		{"redeem with write scope", http.MethodPost, "/v1/accounts/alice/redeem", writer, http.StatusAccepted},
		{"unknown route", http.MethodGet, "/v1/nothing", writer, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("Status code = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
				t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
			}
		})
	}
}
