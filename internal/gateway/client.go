// Package gateway talks to the hosted payment gateway and verifies the
// signatures on its webhooks.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// Client starts and looks up gateway transactions
type Client interface {
	Initialize(ctx context.Context, req InitializeRequest) (*InitializeResponse, error)
	Verify(ctx context.Context, txRef string) (*VerifyResponse, error)
}

// InitializeRequest describes the transaction the customer is sent to pay
type InitializeRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Email       string
	FirstName   string
	LastName    string
	TxRef       string
	CallbackURL string
	ReturnURL   string
}

// InitializeResponse carries the hosted checkout page
type InitializeResponse struct {
	CheckoutURL string
}

// VerifyResponse is the gateway's view of a transaction
type VerifyResponse struct {
	TxRef    string
	Status   string
	Amount   decimal.Decimal
	Currency string
}

// TimeoutError means the gateway did not answer in time. The outcome of the
// request is unknown.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gateway %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// RejectedError means the gateway answered and the request did not succeed
type RejectedError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("gateway %s rejected", e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" with status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RejectedError) Unwrap() error { return e.Err }

// IsUnknownTransaction reports whether the gateway answered that it has no
// transaction with the requested reference
func IsUnknownTransaction(err error) bool {
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		return false
	}
	switch rejected.StatusCode {
	case http.StatusNotFound:
		return true
	case http.StatusBadRequest:
		return strings.Contains(strings.ToLower(rejected.Message), "not found")
	}
	return false
}

// IsTimeout reports whether err is a gateway timeout
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}
