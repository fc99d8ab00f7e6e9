package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestError(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusConflict, "account not running")

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"error":"account not running"}` {
		t.Errorf("body = %s", body)
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Code string `json:"code"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"code":"123456"}`))
	if err := DecodeJSON(req, &v); err != nil || v.Code != "123456" {
		t.Errorf("DecodeJSON() = %v, code %q", err, v.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"code":"1","extra":true}`))
	if err := DecodeJSON(req, &v); err == nil {
		t.Error("DecodeJSON() accepted an unknown field")
	}
}

func TestIsBodyTooLarge(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"code":"0123456789"}`))
	req.Body = http.MaxBytesReader(rec, req.Body, 4)

	var v map[string]string
	err := DecodeJSON(req, &v)
	if !IsBodyTooLarge(err) {
		t.Errorf("IsBodyTooLarge(%v) = false", err)
	}
	if IsBodyTooLarge(nil) {
		t.Error("IsBodyTooLarge(nil) = true")
	}
}
