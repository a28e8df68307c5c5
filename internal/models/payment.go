package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the state of a payment attempt. Completed and failed are terminal.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Terminal reports whether no transition may leave s
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// Payment is the single payment record of an order
type Payment struct {
	ID        string          `json:"id" db:"id"`
	OrderID   int64           `json:"order" db:"order_id"`
	TxRef     string          `json:"tx_ref" db:"tx_ref"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Currency  string          `json:"currency" db:"currency"`
	Status    PaymentStatus   `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"-" db:"updated_at"`
	PaidAt    *time.Time      `json:"paid_at" db:"paid_at"`
}

// InitiatePaymentRequest is the body of POST /payments/initiate
type InitiatePaymentRequest struct {
	OrderID   int64  `json:"order_id"`
	ReturnURL string `json:"return_url"`
}

// InitiatePaymentResponse is returned once the gateway accepted the transaction
type InitiatePaymentResponse struct {
	PaymentURL string `json:"payment_url"`
	PaymentID  string `json:"payment_id"`
	TxRef      string `json:"tx_ref"`
}

// WebhookPayload is the gateway callback body
type WebhookPayload struct {
	TxRef  string          `json:"tx_ref"`
	Status string          `json:"status"`
	Email  string          `json:"email"`
	Amount decimal.Decimal `json:"amount"`
}

// Gateway statuses carried by webhooks and verify responses
const (
	GatewayStatusSuccess = "success"
	GatewayStatusFailed  = "failed"
)

// PaymentConfirmation is the payload of the confirmation email task
type PaymentConfirmation struct {
	Email    string          `json:"email"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	TxRef    string          `json:"tx_ref"`
}
