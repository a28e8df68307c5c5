package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/SigNoz/nexus-checkout/internal/db"
	"github.com/SigNoz/nexus-checkout/internal/metrics"
	"github.com/SigNoz/nexus-checkout/internal/models"
	"go.opentelemetry.io/otel/attribute"
)

const (
	productColumns = "id, title, price, stock_quantity, is_active, updated_at"

	lockProductQuery    = "SELECT " + productColumns + " FROM products WHERE id = ? FOR UPDATE"
	readProductQuery    = "SELECT " + productColumns + " FROM products WHERE id = ?"
	decrementStockQuery = "UPDATE products SET stock_quantity = stock_quantity - ?, updated_at = NOW() WHERE id = ? AND stock_quantity >= ?"
)

// StockLedger is the only writer of products.stock_quantity. Every mutation runs
// inside a caller-owned transaction holding the product row lock.
type StockLedger struct {
	db      *db.DB
	metrics *metrics.AppMetrics
}

// NewStockLedger creates a new stock ledger
func NewStockLedger(db *db.DB, metrics *metrics.AppMetrics) *StockLedger {
	return &StockLedger{
		db:      db,
		metrics: metrics,
	}
}

// Lock takes the exclusive row lock on a product and returns its current state
func (l *StockLedger) Lock(ctx context.Context, tx *sql.Tx, productID int64) (*models.Product, error) {
	start := time.Now()
	p, err := scanProduct(tx.QueryRowContext(ctx, lockProductQuery, productID))
	l.metrics.RecordDBQuery(ctx, "SELECT", "products", lockProductQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "product", ID: productID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock product %d: %w", productID, err)
	}
	return p, nil
}

// Reserve validates and decrements stock for one product under its row lock.
// A product that no longer exists is reported as inactive.
func (l *StockLedger) Reserve(ctx context.Context, tx *sql.Tx, productID int64, quantity int) (*models.Product, error) {
	p, err := l.Lock(ctx, tx, productID)
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		l.reject(ctx, "inactive")
		return nil, &ProductInactiveError{ProductID: productID}
	}
	if err != nil {
		return nil, err
	}

	if !p.IsActive {
		l.reject(ctx, "inactive")
		return nil, &ProductInactiveError{ProductID: productID}
	}
	if p.StockQuantity < quantity {
		l.reject(ctx, "insufficient_stock")
		return nil, &InsufficientStockError{ProductID: productID, Requested: quantity, Available: p.StockQuantity}
	}

	start := time.Now()
	result, err := tx.ExecContext(ctx, decrementStockQuery, quantity, productID, quantity)
	l.metrics.RecordDBQuery(ctx, "UPDATE", "products", decrementStockQuery, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrement stock for product %d: %w", productID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	// the guard in the WHERE clause holds even if the lock was bypassed
	if affected != 1 {
		l.reject(ctx, "insufficient_stock")
		return nil, &InsufficientStockError{ProductID: productID, Requested: quantity, Available: p.StockQuantity}
	}

	p.StockQuantity -= quantity
	return p, nil
}

// Available is an unlocked, advisory check used outside checkout
func (l *StockLedger) Available(ctx context.Context, productID int64, quantity int) (*models.Product, error) {
	start := time.Now()
	p, err := scanProduct(l.db.QueryRowContext(ctx, readProductQuery, productID))
	l.metrics.RecordDBQuery(ctx, "SELECT", "products", readProductQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "product", ID: productID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	if !p.IsActive {
		return nil, &ProductInactiveError{ProductID: productID}
	}
	if p.StockQuantity < quantity {
		return nil, &InsufficientStockError{ProductID: productID, Requested: quantity, Available: p.StockQuantity}
	}
	return p, nil
}

func (l *StockLedger) reject(ctx context.Context, reason string) {
	l.metrics.Count(ctx, l.metrics.StockRejections, attribute.String("reason", reason))
}

func scanProduct(row *sql.Row) (*models.Product, error) {
	var p models.Product
	if err := row.Scan(&p.ID, &p.Title, &p.Price, &p.StockQuantity, &p.IsActive, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
