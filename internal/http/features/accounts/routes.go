package accounts

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers account control routes. read and write wrap the
// routes of the matching access level.
func (h *Handler) RegisterRoutes(r chi.Router, read, write func(http.Handler) http.Handler) {
	r.With(read).Get("/v1/accounts", h.List)
	r.With(read).Get("/v1/accounts/{name}", h.Get)
	r.With(write).Post("/v1/accounts/{name}/two-factor", h.SubmitCode)
	r.With(write).Post("/v1/accounts/{name}/redeem", h.Redeem)
}
