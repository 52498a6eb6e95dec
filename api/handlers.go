/*
handlers.go - HTTP API handlers for the payday ledger

PURPOSE:
  Exposes the ledger via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to the ledger service.

ENDPOINTS:
  Accounts:
    GET    /api/users/{userID}/accounts   List a user's accounts
    POST   /api/users/{userID}/accounts   Create account
    GET    /api/accounts/{id}             Account with current balance
    DELETE /api/accounts/{id}             Soft delete
    POST   /api/accounts/{id}/lock        Freeze
    POST   /api/accounts/{id}/unlock      Unfreeze

  Money:
    GET    /api/accounts/{id}/balance       Current balance
    GET    /api/accounts/{id}/balances      Snapshot history
    GET    /api/accounts/{id}/transactions  Activity list
    POST   /api/accounts/{id}/payments      Record payment (+ reconcile)
    POST   /api/accounts/{id}/withdrawals   Record withdrawal (+ reconcile)
    POST   /api/accounts/{id}/reconcile     Reconcile now

  Efforts:
    POST   /api/efforts                Log effort
    POST   /api/efforts/{id}/approve   Approve (creates the payment)
    POST   /api/efforts/{id}/deny      Deny

  Admin:
    POST   /api/admin/reconcile-pending  Sweep every pending account

ACTING USER:
  Taken from the X-User-ID header. Endpoints that record who did something
  reject requests without it.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: ledger.ErrInvalidInput (bad body, frozen account, decided effort)
  - 404: ledger.ErrNotFound
  - 409: ledger.ErrConcurrencyConflict left after retries
  - 500: everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/homepayday/payday/ledger"
	"github.com/rs/zerolog"
)

const userHeader = "X-User-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *ledger.Ledger
	logger zerolog.Logger
}

func NewHandler(l *ledger.Ledger, logger zerolog.Logger) *Handler {
	return &Handler{
		Ledger: l,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

func actingUser(r *http.Request) (ledger.UserID, error) {
	user := r.Header.Get(userHeader)
	if user == "" {
		return "", &ledger.InvalidInputError{Field: userHeader, Reason: "header is required"}
	}
	return ledger.UserID(user), nil
}

func accountParam(r *http.Request) ledger.AccountID {
	return ledger.AccountID(chi.URLParam(r, "id"))
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	owner := ledger.UserID(chi.URLParam(r, "userID"))

	accounts, err := h.Ledger.ListAccounts(r.Context(), owner)
	if err != nil {
		h.fail(w, r, "Failed to list accounts", err)
		return
	}

	dtos := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decodeRequest(r, &req); err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}

	owner := ledger.UserID(chi.URLParam(r, "userID"))
	account, err := h.Ledger.CreateAccount(r.Context(), req.Name, owner)
	if err != nil {
		h.fail(w, r, "Failed to create account", err)
		return
	}

	writeJSON(w, http.StatusCreated, toAccountDTO(ledger.AccountSummary{Account: *account}))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Ledger.GetAccount(r.Context(), accountParam(r))
	if err != nil {
		h.fail(w, r, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*summary))
}

func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.DeleteAccount(r.Context(), accountParam(r)); err != nil {
		h.fail(w, r, "Failed to delete account", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LockAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.FreezeAccount(r.Context(), accountParam(r)); err != nil {
		h.fail(w, r, "Failed to lock account", err)
		return
	}
	h.GetAccount(w, r)
}

func (h *Handler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.UnfreezeAccount(r.Context(), accountParam(r)); err != nil {
		h.fail(w, r, "Failed to unlock account", err)
		return
	}
	h.GetAccount(w, r)
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := accountParam(r)
	amount, err := h.Ledger.Balance(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, CurrentBalanceDTO{AccountID: string(id), Balance: amount.StringFixed(2)})
}

func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.Ledger.Balances(r.Context(), accountParam(r))
	if err != nil {
		h.fail(w, r, "Failed to list balances", err)
		return
	}

	dtos := make([]BalanceDTO, len(balances))
	for i, b := range balances {
		dtos[i] = toBalanceDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Ledger.AccountTransactions(r.Context(), accountParam(r))
	if err != nil {
		h.fail(w, r, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toTransactionDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Reconcile folds any pending events into a new balance. Nothing pending
// is a successful no-op.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	balance, err := h.Ledger.Reconcile(r.Context(), accountParam(r))
	if err != nil {
		h.fail(w, r, "Failed to reconcile", err)
		return
	}

	resp := ReconcileResponse{Reconciled: balance != nil}
	if balance != nil {
		dto := toBalanceDTO(*balance)
		resp.Balance = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	payer, err := actingUser(r)
	if err != nil {
		h.fail(w, r, "Missing acting user", err)
		return
	}

	var req RecordPaymentRequest
	if err := decodeRequest(r, &req); err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		h.fail(w, r, "Invalid amount", err)
		return
	}

	in := ledger.NewPayment{
		AccountID: accountParam(r),
		PayerID:   payer,
		Amount:    amount,
		Notes:     req.Notes,
	}
	if req.EffortID != "" {
		effortID := ledger.EffortID(req.EffortID)
		in.EffortID = &effortID
	}

	payment, balance, err := h.Ledger.RecordPayment(r.Context(), in)
	if err != nil {
		h.fail(w, r, "Failed to record payment", err)
		return
	}

	writeJSON(w, http.StatusCreated, RecordPaymentResponse{
		Payment: toPaymentDTO(*payment),
		Balance: toBalanceDTO(*balance),
	})
}

func (h *Handler) RecordWithdrawal(w http.ResponseWriter, r *http.Request) {
	user, err := actingUser(r)
	if err != nil {
		h.fail(w, r, "Missing acting user", err)
		return
	}

	var req RecordWithdrawalRequest
	if err := decodeRequest(r, &req); err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		h.fail(w, r, "Invalid amount", err)
		return
	}

	withdrawal, balance, err := h.Ledger.RecordWithdrawal(r.Context(), ledger.NewWithdrawal{
		AccountID: accountParam(r),
		LoggedBy:  user,
		Amount:    amount,
		Notes:     req.Notes,
	})
	if err != nil {
		h.fail(w, r, "Failed to record withdrawal", err)
		return
	}

	writeJSON(w, http.StatusCreated, RecordWithdrawalResponse{
		Withdrawal: toWithdrawalDTO(*withdrawal),
		Balance:    toBalanceDTO(*balance),
	})
}

// =============================================================================
// EFFORT HANDLERS
// =============================================================================

func (h *Handler) LogEffort(w http.ResponseWriter, r *http.Request) {
	user, err := actingUser(r)
	if err != nil {
		h.fail(w, r, "Missing acting user", err)
		return
	}

	var req LogEffortRequest
	if err := decodeRequest(r, &req); err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		h.fail(w, r, "Invalid amount", err)
		return
	}

	in := ledger.NewEffort{
		LoggedBy:   user,
		ChoreName:  req.ChoreName,
		Amount:     amount,
		Completion: 100,
		Notes:      req.Notes,
	}
	if req.AccountID != "" {
		accountID := ledger.AccountID(req.AccountID)
		in.AccountID = &accountID
	}
	if req.Completion != nil {
		in.Completion = *req.Completion
	}
	if req.EffortedOn != "" {
		// format already checked by the validate tag
		in.EffortedOn, _ = time.Parse(time.RFC3339, req.EffortedOn)
	}

	effort, err := h.Ledger.LogEffort(r.Context(), in)
	if err != nil {
		h.fail(w, r, "Failed to log effort", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEffortDTO(*effort))
}

func (h *Handler) ApproveEffort(w http.ResponseWriter, r *http.Request) {
	approver, err := actingUser(r)
	if err != nil {
		h.fail(w, r, "Missing acting user", err)
		return
	}

	payment, balance, err := h.Ledger.ApproveEffort(r.Context(), ledger.EffortID(chi.URLParam(r, "id")), approver)
	if err != nil {
		h.fail(w, r, "Failed to approve effort", err)
		return
	}

	writeJSON(w, http.StatusOK, ApproveEffortResponse{
		Payment: toPaymentDTO(*payment),
		Balance: toBalanceDTO(*balance),
	})
}

func (h *Handler) DenyEffort(w http.ResponseWriter, r *http.Request) {
	denier, err := actingUser(r)
	if err != nil {
		h.fail(w, r, "Missing acting user", err)
		return
	}

	if err := h.Ledger.DenyEffort(r.Context(), ledger.EffortID(chi.URLParam(r, "id")), denier); err != nil {
		h.fail(w, r, "Failed to deny effort", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ReconcilePending always answers 200 with the count; per-account failures
// are reported in the body and the log.
func (h *Handler) ReconcilePending(w http.ResponseWriter, r *http.Request) {
	n, err := h.Ledger.ReconcilePending(r.Context())
	resp := ReconcilePendingResponse{Reconciled: n}
	if err != nil {
		h.logger.Error().Err(err).Int("reconciled", n).Msg("reconcile-pending finished with errors")
		resp.Errors = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps the ledger error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the mapped error response. Server-side failures are logged;
// storage details are not echoed to the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg(message)
		writeError(w, status, message, nil)
		return
	}
	writeError(w, status, message, err)
}
