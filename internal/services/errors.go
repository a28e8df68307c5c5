package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrEmptyCart        = errors.New("cart is empty")
	ErrAlreadyPaid      = errors.New("order already paid")
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMalformedPayload = errors.New("invalid JSON payload")
	ErrGatewayTimeout   = errors.New("payment gateway timed out; the payment is still pending")
)

// ValidationError carries per-field messages for malformed input
type ValidationError struct {
	Fields map[string]string
	Err    error
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// InvalidPaymentMethodError rejects a method outside the whitelist
type InvalidPaymentMethodError struct {
	Method string
}

func (e *InvalidPaymentMethodError) Error() string {
	return fmt.Sprintf("invalid payment method %q", e.Method)
}

// NotFoundError reports a missing entity
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.ID)
}

// ForbiddenError reports a caller acting on something they do not own
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	if e.Reason == "" {
		return "not allowed"
	}
	return e.Reason
}

// ProductInactiveError blocks checkout of a product that is no longer sold
type ProductInactiveError struct {
	ProductID int64
}

func (e *ProductInactiveError) Error() string {
	return fmt.Sprintf("product %d is inactive", e.ProductID)
}

// InsufficientStockError blocks a reservation larger than the stock on hand
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

// AlreadyInitiatedError returns the reference of the pending payment instead of a new one
type AlreadyInitiatedError struct {
	PaymentID string
	TxRef     string
}

func (e *AlreadyInitiatedError) Error() string {
	return "payment already initiated"
}

// Gateway operations named in ExternalGatewayError
const (
	GatewayOpInitialize = "initialize"
	GatewayOpVerify     = "verify"
)

// ExternalGatewayError means the gateway refused the request or answered with
// something unusable. During initiation the payment row is marked failed first.
type ExternalGatewayError struct {
	Op        string
	PaymentID string
	Err       error
}

func (e *ExternalGatewayError) Error() string {
	op := e.Op
	if op == "" {
		op = GatewayOpInitialize
	}
	return "failed to " + op + " payment: " + e.Err.Error()
}

func (e *ExternalGatewayError) Unwrap() error { return e.Err }

// IsBusinessRule reports whether err is a rule violation that should reach the client as 400
func IsBusinessRule(err error) bool {
	var (
		inactive  *ProductInactiveError
		stock     *InsufficientStockError
		initiated *AlreadyInitiatedError
	)
	return errors.Is(err, ErrEmptyCart) ||
		errors.Is(err, ErrAlreadyPaid) ||
		errors.As(err, &inactive) ||
		errors.As(err, &stock) ||
		errors.As(err, &initiated)
}
