package accounts

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/keyclaim/internal/account"
	"github.com/tendant/keyclaim/internal/httputil"
	"github.com/tendant/keyclaim/internal/twofactor"
)

// Controller is what the handler needs from the running accounts.
type Controller interface {
	Accounts() []account.Status
	Account(name string) (account.Status, error)
	SubmitCode(name, code string) error
	Trigger(name string) error
}

// Handler handles account control endpoints.
type Handler struct {
	logger     *slog.Logger
	controller Controller
}

// NewHandler creates a new accounts handler.
func NewHandler(logger *slog.Logger, controller Controller) *Handler {
	return &Handler{logger: logger, controller: controller}
}

// ListResponse lists account statuses.
type ListResponse struct {
	Accounts []account.Status `json:"accounts"`
}

// CodeRequest carries a two-factor code.
type CodeRequest struct {
	Code string `json:"code"`
}

// AcceptedResponse acknowledges an asynchronous request.
type AcceptedResponse struct {
	Status string `json:"status"`
}

// List returns every account.
// GET /v1/accounts
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, ListResponse{Accounts: h.controller.Accounts()})
}

// Get returns one account.
// GET /v1/accounts/{name}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.controller.Account(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, st)
}

// SubmitCode hands a two-factor code to the account's login.
// POST /v1/accounts/{name}/two-factor
func (h *Handler) SubmitCode(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		if httputil.IsBodyTooLarge(err) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		httputil.Error(w, http.StatusBadRequest, "code is required")
		return
	}

	name := chi.URLParam(r, "name")
	if err := h.controller.SubmitCode(name, req.Code); err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("two-factor code submitted", "account", name)
	httputil.JSON(w, http.StatusAccepted, AcceptedResponse{Status: "accepted"})
}

// Redeem requests an immediate pass.
// POST /v1/accounts/{name}/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.controller.Trigger(name); err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("pass requested", "account", name)
	httputil.JSON(w, http.StatusAccepted, AcceptedResponse{Status: "queued"})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, account.ErrUnknownAccount):
		httputil.Error(w, http.StatusNotFound, "account not found")
	case errors.Is(err, account.ErrNotRunning):
		httputil.Error(w, http.StatusConflict, "account is not running")
	case errors.Is(err, twofactor.ErrNoCode):
		httputil.Error(w, http.StatusBadRequest, "code is required")
	default:
		h.logger.Error("account request failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
	}
}
