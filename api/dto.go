/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  ledger's domain types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts travel as decimal strings ("12.50") in both directions, never
  as JSON numbers.

VALIDATION:
  Request structs carry validator/v10 tags; decodeRequest checks them
  before handlers run. Domain rules (positive amounts, frozen accounts)
  are enforced again by the ledger.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/homepayday/payday/ledger"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	OwnedByUserID      string  `json:"owned_by_user_id"`
	CreatedOn          string  `json:"created_on"`
	LockedOn           *string `json:"locked_on,omitempty"`
	LastBalanceID      *string `json:"last_balance_id,omitempty"`
	Balance            string  `json:"balance"`
	HasPendingActivity bool    `json:"has_pending_activity"`
}

type CreateAccountRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// =============================================================================
// EVENTS
// =============================================================================

type RecordPaymentRequest struct {
	Amount   string `json:"amount" validate:"required,numeric"`
	Notes    string `json:"notes" validate:"max=500"`
	EffortID string `json:"effort_id" validate:"omitempty,max=64"`
}

type RecordWithdrawalRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
	Notes  string `json:"notes" validate:"max=500"`
}

type PaymentDTO struct {
	ID                 string  `json:"id"`
	EffortID           *string `json:"effort_id,omitempty"`
	PayedToAccountID   string  `json:"payed_to_account_id"`
	PayedByUserID      string  `json:"payed_by_user_id"`
	Amount             string  `json:"amount"`
	Notes              string  `json:"notes,omitempty"`
	CreatedOn          string  `json:"created_on"`
	AppliedToBalanceID *string `json:"applied_to_balance_id,omitempty"`
}

type WithdrawalDTO struct {
	ID                 string  `json:"id"`
	AccountID          string  `json:"account_id"`
	LoggedBy           string  `json:"logged_by"`
	Amount             string  `json:"amount"`
	Notes              string  `json:"notes,omitempty"`
	CreatedOn          string  `json:"created_on"`
	AppliedToBalanceID *string `json:"applied_to_balance_id,omitempty"`
}

// RecordPaymentResponse returns the event together with the balance it
// was folded into.
type RecordPaymentResponse struct {
	Payment PaymentDTO `json:"payment"`
	Balance BalanceDTO `json:"balance"`
}

type RecordWithdrawalResponse struct {
	Withdrawal WithdrawalDTO `json:"withdrawal"`
	Balance    BalanceDTO    `json:"balance"`
}

// =============================================================================
// BALANCES
// =============================================================================

type BalanceDTO struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	Amount       string `json:"amount"`
	CalculatedOn string `json:"calculated_on"`
}

type CurrentBalanceDTO struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
}

type ReconcileResponse struct {
	Reconciled bool        `json:"reconciled"`
	Balance    *BalanceDTO `json:"balance,omitempty"`
}

type ReconcilePendingResponse struct {
	Reconciled int    `json:"reconciled"`
	Errors     string `json:"errors,omitempty"`
}

// =============================================================================
// HISTORY
// =============================================================================

type TransactionDTO struct {
	Type      string  `json:"type"`
	ID        string  `json:"id"`
	Amount    string  `json:"amount"`
	Timestamp string  `json:"timestamp"`
	Status    string  `json:"status"`
	Notes     string  `json:"notes,omitempty"`
	BalanceID *string `json:"balance_id,omitempty"`
}

// =============================================================================
// EFFORTS
// =============================================================================

type LogEffortRequest struct {
	AccountID  string `json:"account_id" validate:"omitempty,max=64"`
	ChoreName  string `json:"chore_name" validate:"required,max=200"`
	Amount     string `json:"amount" validate:"required,numeric"`
	Completion *int   `json:"completion" validate:"omitempty,min=0,max=100"`
	Notes      string `json:"notes" validate:"max=500"`
	EffortedOn string `json:"efforted_on" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

type EffortDTO struct {
	ID               string  `json:"id"`
	AccountID        *string `json:"account_id,omitempty"`
	LoggedByUserID   string  `json:"logged_by_user_id"`
	ChoreName        string  `json:"chore_name"`
	Amount           string  `json:"amount"`
	Completion       int     `json:"completion"`
	Notes            string  `json:"notes,omitempty"`
	EffortedOn       string  `json:"efforted_on"`
	Status           string  `json:"status"`
	ApprovedByUserID *string `json:"approved_by_user_id,omitempty"`
	DeniedByUserID   *string `json:"denied_by_user_id,omitempty"`
}

type ApproveEffortResponse struct {
	Payment PaymentDTO `json:"payment"`
	Balance BalanceDTO `json:"balance"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// DECODING
// =============================================================================

var validate = validator.New()

// decodeRequest decodes a JSON body into dst and runs its validate tags.
// Failures come back as ledger.InvalidInputError so they map to 400.
func decodeRequest(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ledger.InvalidInputError{Field: "body", Reason: err.Error()}
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ledger.InvalidInputError{
				Field:  strings.ToLower(fe.Field()),
				Reason: fmt.Sprintf("failed %q validation", fe.Tag()),
			}
		}
		return &ledger.InvalidInputError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// =============================================================================
// MAPPING
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func optTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func optID[T ~string](id *T) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func toAccountDTO(s ledger.AccountSummary) AccountDTO {
	return AccountDTO{
		ID:                 string(s.ID),
		Name:               s.Name,
		OwnedByUserID:      string(s.OwnedByUserID),
		CreatedOn:          formatTime(s.CreatedOn),
		LockedOn:           optTime(s.LockedOn),
		LastBalanceID:      optID(s.LastBalanceID),
		Balance:            s.Balance.StringFixed(2),
		HasPendingActivity: s.HasPendingActivity,
	}
}

func toPaymentDTO(p ledger.Payment) PaymentDTO {
	return PaymentDTO{
		ID:                 string(p.ID),
		EffortID:           optID(p.EffortID),
		PayedToAccountID:   string(p.PayedToAccountID),
		PayedByUserID:      string(p.PayedByUserID),
		Amount:             p.Amount.StringFixed(2),
		Notes:              p.Notes,
		CreatedOn:          formatTime(p.CreatedOn),
		AppliedToBalanceID: optID(p.AppliedToBalanceID),
	}
}

func toWithdrawalDTO(w ledger.Withdrawal) WithdrawalDTO {
	return WithdrawalDTO{
		ID:                 string(w.ID),
		AccountID:          string(w.AccountID),
		LoggedBy:           string(w.LoggedBy),
		Amount:             w.Amount.StringFixed(2),
		Notes:              w.Notes,
		CreatedOn:          formatTime(w.CreatedOn),
		AppliedToBalanceID: optID(w.AppliedToBalanceID),
	}
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		ID:           string(b.ID),
		AccountID:    string(b.AccountID),
		Amount:       b.Amount.StringFixed(2),
		CalculatedOn: formatTime(b.CalculatedOn),
	}
}

func toTransactionDTO(e ledger.TransactionEntry) TransactionDTO {
	return TransactionDTO{
		Type:      string(e.Type),
		ID:        e.ID,
		Amount:    e.Amount.StringFixed(2),
		Timestamp: formatTime(e.Timestamp),
		Status:    string(e.Status),
		Notes:     e.Notes,
		BalanceID: optID(e.BalanceID),
	}
}

func toEffortDTO(e ledger.Effort) EffortDTO {
	return EffortDTO{
		ID:               string(e.ID),
		AccountID:        optID(e.AccountID),
		LoggedByUserID:   string(e.LoggedByUserID),
		ChoreName:        e.ChoreName,
		Amount:           e.Amount.StringFixed(2),
		Completion:       e.Completion,
		Notes:            e.Notes,
		EffortedOn:       formatTime(e.EffortedOn),
		Status:           string(e.Status()),
		ApprovedByUserID: optID(e.ApprovedByUserID),
		DeniedByUserID:   optID(e.DeniedByUserID),
	}
}
