package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the slice of the catalog product the checkout flow needs.
type Product struct {
	ID            int64           `json:"id" db:"id"`
	Title         string          `json:"title" db:"title"`
	Price         decimal.Decimal `json:"price" db:"price"`
	StockQuantity int             `json:"stock_quantity" db:"stock_quantity"`
	IsActive      bool            `json:"is_active" db:"is_active"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// User is a read-only view of an account owned by the accounts service
type User struct {
	ID        int64     `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	FirstName string    `json:"first_name" db:"first_name"`
	LastName  string    `json:"last_name" db:"last_name"`
	IsStaff   bool      `json:"is_staff" db:"is_staff"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Principal is the authenticated caller of a request
type Principal struct {
	UserID    int64
	Email     string
	FirstName string
	LastName  string
	IsStaff   bool
}

// CanAccess reports whether the principal owns the resource or is staff.
func (p Principal) CanAccess(ownerID int64) bool {
	return p.IsStaff || p.UserID == ownerID
}

// Cart represents a shopping cart
type Cart struct {
	ID        int64     `json:"id" db:"id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CartItem represents an item in a cart. UnitPrice is the product price at the
// time the line was first added.
type CartItem struct {
	ID        int64           `json:"id" db:"id"`
	CartID    int64           `json:"cart_id" db:"cart_id"`
	ProductID int64           `json:"product_id" db:"product_id"`
	Quantity  int             `json:"quantity" db:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// LineTotal returns unit price times quantity
func (i CartItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// CartResponse represents a cart with its items
type CartResponse struct {
	Cart  *Cart           `json:"cart"`
	Items []CartItem      `json:"items"`
	Total decimal.Decimal `json:"total"`
}

// AddToCartRequest represents a request to add item to cart
type AddToCartRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// UpdateCartItemRequest sets the quantity of an existing line
type UpdateCartItemRequest struct {
	Quantity int `json:"quantity"`
}
