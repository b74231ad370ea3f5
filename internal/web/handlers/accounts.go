package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/faceid/internal/database"
	"github.com/kozaktomas/faceid/internal/identity"
	"github.com/kozaktomas/faceid/internal/web/middleware"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// AccountsHandler exposes account maintenance to authenticated callers.
type AccountsHandler struct {
	accounts *identity.AccountService
}

// NewAccountsHandler creates a new accounts handler.
func NewAccountsHandler(accounts *identity.AccountService) *AccountsHandler {
	return &AccountsHandler{accounts: accounts}
}

type updateAccountRequest struct {
	Username *string `json:"username"`
	// Vectors replaces the whole set when present; [] clears it.
	Vectors [][]float32 `json:"vectors"`
}

// parsePage reads offset and limit. A negative offset or a non-positive
// limit is rejected.
func parsePage(r *http.Request) (offset, limit int, ok bool) {
	offset, limit = 0, defaultPageLimit
	q := r.URL.Query()
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		offset = n
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		limit = min(n, maxPageLimit)
	}
	return offset, limit, true
}

// caller returns the account behind the request's session.
func (h *AccountsHandler) caller(r *http.Request) (*database.Account, error) {
	session := middleware.GetSessionFromContext(r.Context())
	if session == nil {
		return nil, identity.ErrNotFound
	}
	return h.accounts.Show(r.Context(), session.AccountID)
}

// List returns a page of accounts ordered by ID.
func (h *AccountsHandler) List(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := parsePage(r)
	if !ok {
		respondRequestError(w, http.StatusBadRequest, errInvalidRequest)
		return
	}

	accounts, err := h.accounts.List(r.Context(), offset, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	resp := make([]AccountResponse, 0, len(accounts))
	for i := range accounts {
		resp = append(resp, accountSummary(&accounts[i]))
	}
	respondJSON(w, http.StatusOK, resp)
}

// Get returns one account with its vectors.
func (h *AccountsHandler) Get(w http.ResponseWriter, r *http.Request) {
	acc, err := h.accounts.Show(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, accountDetail(acc, true))
}

// Update renames an account and/or replaces its vectors. Accounts may update
// themselves; privileged accounts may update anyone.
func (h *AccountsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondRequestError(w, http.StatusBadRequest, errInvalidRequest)
		return
	}

	caller, err := h.caller(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if caller.ID != id && !caller.IsPrivileged {
		respondRequestError(w, http.StatusForbidden, errForbidden)
		return
	}

	if err := h.accounts.Update(r.Context(), id, req.Username, req.Vectors); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete removes an account with its vectors. Privileged accounts only.
func (h *AccountsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if !caller.IsPrivileged {
		respondRequestError(w, http.StatusForbidden, errForbidden)
		return
	}

	if err := h.accounts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
