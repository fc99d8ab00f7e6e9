package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tendant/keyclaim/internal/auth"
	"github.com/tendant/keyclaim/internal/config"
	"github.com/tendant/keyclaim/internal/http/features/accounts"
	"github.com/tendant/keyclaim/internal/http/middleware"
	"github.com/tendant/keyclaim/internal/httputil"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Logger          *slog.Logger
	Tokens          *auth.TokenService
	Accounts        accounts.Controller
	RateLimitConfig config.RateLimitConfig
	SecurityHeaders config.SecurityHeadersConfig
	Validation      config.ValidationConfig
}

// NewRouter creates the control API router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply global middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.Recover(cfg.Logger))
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders(cfg.SecurityHeaders))
	r.Use(middleware.RequestSizeLimit(cfg.Validation.MaxRequestBodySize))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	rateLimiters := middleware.CreateRateLimiters(cfg.RateLimitConfig, cfg.Logger)
	authn := middleware.Auth(cfg.Tokens)
	read := func(next http.Handler) http.Handler {
		return rateLimiters["read"](authn(middleware.RequireScope(auth.ScopeRead)(next)))
	}
	write := func(next http.Handler) http.Handler {
		return rateLimiters["write"](authn(middleware.RequireScope(auth.ScopeWrite)(next)))
	}

	accountsHandler := accounts.NewHandler(cfg.Logger, cfg.Accounts)
	accountsHandler.RegisterRoutes(r, read, write)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.Error(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httputil.Error(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}
