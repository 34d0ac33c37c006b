package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
)

type PaymentStatus string

const (
	StatusPending    PaymentStatus = "PENDING"
	StatusApproved   PaymentStatus = "APPROVED"
	StatusRejected   PaymentStatus = "REJECTED"
	StatusIncomplete PaymentStatus = "INCOMPLETE"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusIncomplete:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is permitted from s.
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// CanTransition encodes the record state machine. Terminal states absorb every
// later signal and nothing returns to PENDING.
func CanTransition(from, to PaymentStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusRejected || to == StatusIncomplete
	case StatusIncomplete:
		return to == StatusApproved || to == StatusRejected
	default:
		return false
	}
}

type PaymentMethod string

const (
	MethodCash              PaymentMethod = "CASH"
	MethodWallet            PaymentMethod = "WALLET"
	MethodGatewayCard       PaymentMethod = "GATEWAY_CARD"
	MethodGatewayUPI        PaymentMethod = "GATEWAY_UPI"
	MethodGatewayNetbanking PaymentMethod = "GATEWAY_NETBANKING"
	MethodGatewayWallet     PaymentMethod = "GATEWAY_WALLET"
	MethodCombined          PaymentMethod = "COMBINED"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodWallet, MethodGatewayCard, MethodGatewayUPI,
		MethodGatewayNetbanking, MethodGatewayWallet, MethodCombined:
		return true
	}
	return false
}

// UsesGateway reports whether a payment with method m is settled through the gateway.
// GatewayMethods lists every method that routes money through the gateway.
func GatewayMethods() []PaymentMethod {
	return []PaymentMethod{MethodGatewayCard, MethodGatewayUPI, MethodGatewayNetbanking, MethodGatewayWallet, MethodCombined}
}

func (m PaymentMethod) UsesGateway() bool {
	switch m {
	case MethodGatewayCard, MethodGatewayUPI, MethodGatewayNetbanking, MethodGatewayWallet, MethodCombined:
		return true
	case MethodCash, MethodWallet:
		return false
	}
	return false
}

// PaymentRecord is the durable state of one payment attempt.
type PaymentRecord struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Amount           decimal.Decimal `json:"amount"`
	ExtraCharges     decimal.Decimal `json:"extra_charges"`
	Currency         string          `json:"currency"`
	Method           PaymentMethod   `json:"method"`
	Status           PaymentStatus   `json:"status"`
	GatewayOrderID   string          `json:"gateway_order_id"`
	GatewaySessionID string          `json:"gateway_session_id,omitempty"`
	GatewayPaymentID string          `json:"gateway_payment_id,omitempty"`
	BankReference    string          `json:"bank_reference,omitempty"`
	GatewayResponse  json.RawMessage `json:"-"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	Note             string          `json:"note,omitempty"`
	WalletAmount     decimal.Decimal `json:"wallet_amount"`
	WalletDebitedAt  *time.Time      `json:"wallet_debited_at,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	// LastCheckedAt is when the recovery sweep last asked the gateway about an
	// open record. It is written only by MarkChecked and never bumps Version.
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
}

// TotalAmount is always derived from its components.
func (r PaymentRecord) TotalAmount() decimal.Decimal {
	return r.Amount.Add(r.ExtraCharges)
}

// WalletPending reports whether a combined payment still owes its wallet debit.
func (r PaymentRecord) WalletPending() bool {
	return r.Method == MethodCombined &&
		r.Status == StatusApproved &&
		r.WalletAmount.IsPositive() &&
		r.WalletDebitedAt == nil
}

func (r PaymentRecord) Clone() PaymentRecord {
	c := r
	if r.GatewayResponse != nil {
		c.GatewayResponse = append(json.RawMessage(nil), r.GatewayResponse...)
	}
	if r.WalletDebitedAt != nil {
		t := *r.WalletDebitedAt
		c.WalletDebitedAt = &t
	}
	if r.LastCheckedAt != nil {
		t := *r.LastCheckedAt
		c.LastCheckedAt = &t
	}
	return c
}

// IdleSince is the later of UpdatedAt and LastCheckedAt.
func (r PaymentRecord) IdleSince() time.Time {
	if r.LastCheckedAt != nil && r.LastCheckedAt.After(r.UpdatedAt) {
		return *r.LastCheckedAt
	}
	return r.UpdatedAt
}

// Touch bumps Version and moves UpdatedAt strictly forward.
func (r *PaymentRecord) Touch(now time.Time) {
	r.Version++
	if !now.After(r.UpdatedAt) {
		now = r.UpdatedAt.Add(time.Microsecond)
	}
	r.UpdatedAt = now
}

// GatewayStatus is the gateway's own view of a payment, normalised across providers.
type GatewayStatus string

const (
	GatewaySuccess      GatewayStatus = "SUCCESS"
	GatewayFailed       GatewayStatus = "FAILED"
	GatewayCancelled    GatewayStatus = "CANCELLED"
	GatewayUserDropped  GatewayStatus = "USER_DROPPED"
	GatewayPending      GatewayStatus = "PENDING"
	GatewayNotAttempted GatewayStatus = "NOT_ATTEMPTED"
	GatewayUnknown      GatewayStatus = "UNKNOWN"
)

// Target maps an authoritative gateway status to the record status it drives.
// ok is false when the status carries no decision yet.
func (s GatewayStatus) Target() (PaymentStatus, bool) {
	switch s {
	case GatewaySuccess:
		return StatusApproved, true
	case GatewayFailed, GatewayCancelled:
		return StatusRejected, true
	case GatewayUserDropped:
		return StatusIncomplete, true
	default:
		return "", false
	}
}

// VerificationResult is the outcome of a pull-based status query. Never persisted as-is.
type VerificationResult struct {
	Success       bool            `json:"success"`
	OrderID       string          `json:"order_id"`
	PaymentStatus GatewayStatus   `json:"payment_status"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Message       string          `json:"message,omitempty"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	BankReference string          `json:"bank_reference,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// Session is the opaque handle the client-side checkout opens with.
type Session struct {
	RecordID         string          `json:"record_id"`
	OrderID          string          `json:"order_id"`
	GatewaySessionID string          `json:"session_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
}

type SDKOutcomeKind string

const (
	SDKCompleted SDKOutcomeKind = "completed"
	SDKCancelled SDKOutcomeKind = "cancelled"
	SDKFailed    SDKOutcomeKind = "failed"
)

func (k SDKOutcomeKind) Valid() bool {
	return k == SDKCompleted || k == SDKCancelled || k == SDKFailed
}

// SDKOutcome is what the in-app checkout reported. It is a hint only; the
// gateway stays authoritative.
type SDKOutcome struct {
	Kind    SDKOutcomeKind `json:"kind"`
	Message string         `json:"message,omitempty"`
}

// PaymentResult is what callers of the payment flows get back.
type PaymentResult struct {
	Success   bool          `json:"success"`
	RecordID  string        `json:"record_id,omitempty"`
	OrderID   string        `json:"order_id,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Status    PaymentStatus `json:"status,omitempty"`
	ErrorType apperr.Kind   `json:"error_type,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// FailedResult builds a PaymentResult from an error, keeping only the user-facing message.
func FailedResult(err error) PaymentResult {
	return PaymentResult{
		Success:   false,
		ErrorType: apperr.KindOf(err),
		Message:   apperr.Message(err),
	}
}
