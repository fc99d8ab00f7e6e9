package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tendant/keyclaim/internal/auth"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"", slog.LevelInfo},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMint(t *testing.T) {
	t.Setenv("CONTROL_JWT_SECRET", "mint-secret")
	t.Setenv("CONTROL_JWT_ISSUER", "keyclaim-test")

	var out bytes.Buffer
	if err := mint(&out, "ops", " read , ", time.Hour); err != nil {
		t.Fatalf("mint() error = %v", err)
	}

	tokens := auth.NewTokenService(auth.TokenConfig{Secret: []byte("mint-secret"), Issuer: "keyclaim-test"})
	claims, err := tokens.Validate(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("minted token rejected: %v", err)
	}
	if claims.Subject != "ops" {
		t.Errorf("subject = %q", claims.Subject)
	}
	if !claims.HasScope(auth.ScopeRead) || claims.HasScope(auth.ScopeWrite) {
		t.Errorf("scopes = %v, want only read", claims.Scope)
	}
}

func TestMint_NeedsSecret(t *testing.T) {
	t.Setenv("CONTROL_JWT_SECRET", "")
	if err := mint(&bytes.Buffer{}, "ops", "read", 0); err == nil {
		t.Error("mint() should fail without a secret")
	}
}
