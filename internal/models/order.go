package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the fulfilment state of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid reports whether s is a known order status
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusShipped, OrderStatusCancelled:
		return true
	}
	return false
}

// OrderPaymentStatus mirrors the state of the order's payment
type OrderPaymentStatus string

const (
	OrderPaymentPending OrderPaymentStatus = "pending"
	OrderPaymentPaid    OrderPaymentStatus = "paid"
	OrderPaymentFailed  OrderPaymentStatus = "failed"
)

// PaymentMethod is the method chosen at checkout, stored as a snapshot on the order.
type PaymentMethod string

const (
	PaymentMethodChapa          PaymentMethod = "chapa"
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
	PaymentMethodBankTransfer   PaymentMethod = "bank_transfer"
)

// ParsePaymentMethod normalizes a client supplied method. "gateway" is accepted
// as an alias of the integrated gateway.
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	switch PaymentMethod(s) {
	case PaymentMethodChapa, "gateway":
		return PaymentMethodChapa, true
	case PaymentMethodCashOnDelivery:
		return PaymentMethodCashOnDelivery, true
	case PaymentMethodBankTransfer:
		return PaymentMethodBankTransfer, true
	}
	return "", false
}

// ShippingAddress is copied verbatim onto the order
type ShippingAddress struct {
	AddressLine string `json:"address_line"`
	City        string `json:"city"`
	PostalCode  string `json:"postal_code"`
	Country     string `json:"country"`
}

// Order represents an order
type Order struct {
	ID              int64              `json:"id" db:"id"`
	UserID          int64              `json:"user" db:"user_id"`
	Status          OrderStatus        `json:"status" db:"status"`
	PaymentStatus   OrderPaymentStatus `json:"payment_status" db:"payment_status"`
	PaymentMethod   PaymentMethod      `json:"payment_method" db:"payment_method"`
	ShippingAddress ShippingAddress    `json:"shipping_address"`
	Total           decimal.Decimal    `json:"total" db:"total"`
	Items           []OrderItem        `json:"items"`
	CreatedAt       time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at" db:"updated_at"`
}

// OrderItem is a product snapshot taken when the order was placed
type OrderItem struct {
	ID           int64           `json:"id" db:"id"`
	OrderID      int64           `json:"-" db:"order_id"`
	ProductID    int64           `json:"product_id" db:"product_id"`
	ProductTitle string          `json:"product_title" db:"product_title"`
	UnitPrice    decimal.Decimal `json:"unit_price" db:"unit_price"`
	Quantity     int             `json:"quantity" db:"quantity"`
	LineTotal    decimal.Decimal `json:"line_total" db:"line_total"`
}

// LineTotal returns round(unitPrice * quantity, 2) using half-to-even rounding.
func LineTotal(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity))).RoundBank(2)
}

// CancellationRequest records a user's intent to cancel. It never changes the order.
type CancellationRequest struct {
	ID         int64      `json:"id" db:"id"`
	OrderID    int64      `json:"order" db:"order_id"`
	UserID     int64      `json:"user" db:"user_id"`
	Reason     string     `json:"reason" db:"reason"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	Handled    bool       `json:"handled" db:"handled"`
	HandledAt  *time.Time `json:"handled_at" db:"handled_at"`
	ResultNote string     `json:"result_note" db:"result_note"`
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	ShippingAddress *ShippingAddress `json:"shipping_address"`
	PaymentMethod   string           `json:"payment_method"`
}

// UpdateOrderStatusRequest is the admin PATCH body
type UpdateOrderStatusRequest struct {
	Status string `json:"status"`
}

// CancelOrderRequest is the body of a cancellation request
type CancelOrderRequest struct {
	Reason string `json:"reason"`
}
