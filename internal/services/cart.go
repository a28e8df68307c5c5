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
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	selectCartQuery     = "SELECT id, user_id, created_at, updated_at FROM carts WHERE user_id = ? LIMIT 1"
	insertCartQuery     = "INSERT INTO carts (user_id) VALUES (?)"
	selectCartLineQuery = "SELECT id, quantity FROM cart_items WHERE cart_id = ? AND product_id = ?"
	upsertCartLineQuery = "INSERT INTO cart_items (cart_id, product_id, quantity, unit_price) VALUES (?, ?, ?, ?) ON DUPLICATE KEY UPDATE quantity = quantity + VALUES(quantity), updated_at = NOW()"
	updateCartLineQuery = "UPDATE cart_items SET quantity = ?, updated_at = NOW() WHERE id = ?"
	deleteCartLineQuery = "DELETE FROM cart_items WHERE cart_id = ? AND product_id = ?"
	clearCartQuery      = "DELETE FROM cart_items WHERE cart_id = ?"
	countCartLinesQuery = "SELECT COUNT(*) FROM cart_items WHERE cart_id = ?"
	activeCartsQuery    = "SELECT COUNT(DISTINCT c.id) FROM carts c INNER JOIN cart_items ci ON c.id = ci.cart_id"
	cartLinesQuery      = "SELECT id, cart_id, product_id, quantity, unit_price, created_at, updated_at FROM cart_items WHERE cart_id = ? ORDER BY product_id"
)

// CartService handles cart-related operations
type CartService struct {
	db      *db.DB
	stock   *StockLedger
	metrics *metrics.AppMetrics
	logger  *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(db *db.DB, stock *StockLedger, metrics *metrics.AppMetrics, logger *zap.Logger) *CartService {
	return &CartService{
		db:      db,
		stock:   stock,
		metrics: metrics,
		logger:  logger,
	}
}

// MonitorActiveCarts periodically records the active carts gauge until ctx is done
func (s *CartService) MonitorActiveCarts(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			var count int
			err := s.db.QueryRowContext(ctx, activeCartsQuery).Scan(&count)
			s.metrics.RecordDBQuery(ctx, "SELECT", "carts", activeCartsQuery, start, err == nil)
			if err != nil {
				s.logger.Warn("failed to count active carts", zap.Error(err))
				continue
			}
			s.metrics.ActiveCartsCount.Record(ctx, int64(count), metric.WithAttributes(s.metrics.WithServiceName(nil)...))
		}
	}
}

// GetOrCreateCart gets or creates the cart of a user. A user has exactly one cart.
func (s *CartService) GetOrCreateCart(ctx context.Context, userID int64) (*models.Cart, error) {
	cart, err := s.findCart(ctx, userID)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	start := time.Now()
	result, err := s.db.ExecContext(ctx, insertCartQuery, userID)
	s.metrics.RecordDBQuery(ctx, "INSERT", "carts", insertCartQuery, start, err == nil)
	if db.IsDuplicateEntry(err) {
		// a concurrent request created it first
		cart, err = s.findCart(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to get cart: %w", err)
		}
		return cart, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create cart: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get cart ID: %w", err)
	}

	now := time.Now()
	return &models.Cart{ID: id, UserID: userID, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *CartService) findCart(ctx context.Context, userID int64) (*models.Cart, error) {
	start := time.Now()
	var cart models.Cart
	err := s.db.QueryRowContext(ctx, selectCartQuery, userID).Scan(
		&cart.ID, &cart.UserID, &cart.CreatedAt, &cart.UpdatedAt,
	)
	s.metrics.RecordDBQuery(ctx, "SELECT", "carts", selectCartQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

// AddItem adds quantity of a product to the cart. An existing line is incremented
// in place and keeps its price; a new line snapshots the current product price.
func (s *CartService) AddItem(ctx context.Context, userID, productID int64, quantity int) error {
	if quantity < 1 {
		return newValidationError("quantity", "must be at least 1")
	}

	cart, err := s.GetOrCreateCart(ctx, userID)
	if err != nil {
		return err
	}

	_, existingQty, err := s.findLine(ctx, cart.ID, productID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check cart item: %w", err)
	}

	// advisory only; checkout reserves under the product lock
	product, err := s.stock.Available(ctx, productID, existingQty+quantity)
	if err != nil {
		return err
	}

	// a single statement, so concurrent adds of the same product both count
	start := time.Now()
	_, err = s.db.ExecContext(ctx, upsertCartLineQuery, cart.ID, productID, quantity, product.Price)
	s.metrics.RecordDBQuery(ctx, "INSERT", "cart_items", upsertCartLineQuery, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to add item to cart: %w", err)
	}

	s.updateCartItemsCount(ctx, userID, cart.ID)
	return nil
}

// UpdateItem sets the quantity of an existing line
func (s *CartService) UpdateItem(ctx context.Context, userID, productID int64, quantity int) error {
	if quantity < 1 {
		return newValidationError("quantity", "must be at least 1")
	}

	cart, err := s.GetOrCreateCart(ctx, userID)
	if err != nil {
		return err
	}

	lineID, _, err := s.findLine(ctx, cart.ID, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{Entity: "cart item", ID: productID}
	}
	if err != nil {
		return fmt.Errorf("failed to check cart item: %w", err)
	}

	if _, err := s.stock.Available(ctx, productID, quantity); err != nil {
		return err
	}

	start := time.Now()
	_, err = s.db.ExecContext(ctx, updateCartLineQuery, quantity, lineID)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "cart_items", updateCartLineQuery, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to update cart item: %w", err)
	}
	return nil
}

// RemoveItem removes a line from the cart
func (s *CartService) RemoveItem(ctx context.Context, userID, productID int64) error {
	cart, err := s.GetOrCreateCart(ctx, userID)
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := s.db.ExecContext(ctx, deleteCartLineQuery, cart.ID, productID)
	s.metrics.RecordDBQuery(ctx, "DELETE", "cart_items", deleteCartLineQuery, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to remove item from cart: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{Entity: "cart item", ID: productID}
	}

	s.updateCartItemsCount(ctx, userID, cart.ID)
	return nil
}

// Clear empties the cart of a user. The cart itself is kept.
func (s *CartService) Clear(ctx context.Context, userID int64) error {
	cart, err := s.GetOrCreateCart(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.clear(ctx, s.db, cart.ID); err != nil {
		return err
	}
	s.updateCartItemsCount(ctx, userID, cart.ID)
	return nil
}

// ClearTx empties a cart inside the caller's transaction
func (s *CartService) ClearTx(ctx context.Context, tx *sql.Tx, cartID int64) error {
	return s.clear(ctx, tx, cartID)
}

func (s *CartService) clear(ctx context.Context, q db.Querier, cartID int64) error {
	start := time.Now()
	_, err := q.ExecContext(ctx, clearCartQuery, cartID)
	s.metrics.RecordDBQuery(ctx, "DELETE", "cart_items", clearCartQuery, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}

// GetCart returns the cart with all items. The total uses the snapshot prices.
func (s *CartService) GetCart(ctx context.Context, userID int64) (*models.CartResponse, error) {
	cart, err := s.GetOrCreateCart(ctx, userID)
	if err != nil {
		return nil, err
	}

	items, err := s.Lines(ctx, s.db, cart.ID)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}

	return &models.CartResponse{
		Cart:  cart,
		Items: items,
		Total: total.RoundBank(2),
	}, nil
}

// Lines reads the lines of a cart through q, which may be a transaction
func (s *CartService) Lines(ctx context.Context, q db.Querier, cartID int64) ([]models.CartItem, error) {
	start := time.Now()
	rows, err := q.QueryContext(ctx, cartLinesQuery, cartID)
	s.metrics.RecordDBQuery(ctx, "SELECT", "cart_items", cartLinesQuery, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get cart items: %w", err)
	}
	defer rows.Close()

	items := []models.CartItem{}
	for rows.Next() {
		var item models.CartItem
		if err := rows.Scan(&item.ID, &item.CartID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cart item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *CartService) findLine(ctx context.Context, cartID, productID int64) (int64, int, error) {
	start := time.Now()
	var id int64
	var qty int
	err := s.db.QueryRowContext(ctx, selectCartLineQuery, cartID, productID).Scan(&id, &qty)
	s.metrics.RecordDBQuery(ctx, "SELECT", "cart_items", selectCartLineQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))
	return id, qty, err
}

// updateCartItemsCount updates the cart items count gauge metric
func (s *CartService) updateCartItemsCount(ctx context.Context, userID, cartID int64) {
	start := time.Now()
	var count int
	err := s.db.QueryRowContext(ctx, countCartLinesQuery, cartID).Scan(&count)
	s.metrics.RecordDBQuery(ctx, "SELECT", "cart_items", countCartLinesQuery, start, err == nil)
	if err != nil {
		s.logger.Warn("failed to count cart items", zap.Int64("cart_id", cartID), zap.Error(err))
		return
	}

	cartAttrs := s.metrics.WithServiceName([]attribute.KeyValue{
		attribute.Int64("user_id", userID),
	})
	s.metrics.CartItemsCount.Record(ctx, int64(count), metric.WithAttributes(cartAttrs...))
}
