package services

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/SigNoz/nexus-checkout/internal/cache"
	"github.com/SigNoz/nexus-checkout/internal/db"
	"github.com/SigNoz/nexus-checkout/internal/metrics"
	"github.com/SigNoz/nexus-checkout/internal/models"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	orderColumns = "id, user_id, status, payment_status, payment_method, shipping_address_line, shipping_city, shipping_postal_code, shipping_country, total, created_at, updated_at"

	insertOrderQuery       = "INSERT INTO orders (user_id, status, payment_status, payment_method, shipping_address_line, shipping_city, shipping_postal_code, shipping_country, total) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	insertOrderItemQuery   = "INSERT INTO order_items (order_id, product_id, product_title, unit_price, quantity, line_total) VALUES (?, ?, ?, ?, ?, ?)"
	updateOrderTotalQuery  = "UPDATE orders SET total = ? WHERE id = ?"
	selectOrderQuery       = "SELECT " + orderColumns + " FROM orders WHERE id = ?"
	listAllOrdersQuery     = "SELECT " + orderColumns + " FROM orders ORDER BY created_at DESC, id DESC"
	listUserOrdersQuery    = "SELECT " + orderColumns + " FROM orders WHERE user_id = ? ORDER BY created_at DESC, id DESC"
	orderItemsQuery        = "SELECT id, order_id, product_id, product_title, unit_price, quantity, line_total FROM order_items WHERE order_id IN (%s) ORDER BY id"
	updateOrderStatusQuery = "UPDATE orders SET status = ?, updated_at = NOW() WHERE id = ?"

	cancellationColumns     = "id, order_id, user_id, reason, created_at, handled, handled_at, result_note"
	insertCancellationQuery = "INSERT INTO order_cancellation_requests (order_id, user_id, reason, result_note) VALUES (?, ?, ?, '')"
	selectCancellationQuery = "SELECT " + cancellationColumns + " FROM order_cancellation_requests WHERE id = ?"
	handleCancellationQuery = "UPDATE order_cancellation_requests SET handled = TRUE, handled_at = NOW(), result_note = ? WHERE id = ? AND handled = FALSE"
)

// column sizes of the orders table
const (
	maxAddressLineLen = 255
	maxCityLen        = 100
	maxPostalCodeLen  = 20
	maxCountryLen     = 100
	maxReasonLen      = 2000
)

// cacheInvalidateTimeout caps how long a placed order waits on the product cache
const cacheInvalidateTimeout = 300 * time.Millisecond

// PlaceOrderInput is what the caller supplies besides the cart
type PlaceOrderInput struct {
	ShippingAddress models.ShippingAddress
	PaymentMethod   string
}

// OrderService turns carts into orders and serves them back
type OrderService struct {
	db      *db.DB
	carts   *CartService
	stock   *StockLedger
	cache   cache.ProductCache
	metrics *metrics.AppMetrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewOrderService creates a new order service
func NewOrderService(db *db.DB, carts *CartService, stock *StockLedger, productCache cache.ProductCache, metrics *metrics.AppMetrics, logger *zap.Logger) *OrderService {
	return &OrderService{
		db:      db,
		carts:   carts,
		stock:   stock,
		cache:   productCache,
		metrics: metrics,
		logger:  logger,
		tracer:  otel.Tracer("github.com/SigNoz/nexus-checkout/internal/services"),
	}
}

// PlaceOrder converts the caller's cart into an order. Stock is reserved, the
// order and its item snapshots are written and the cart is emptied in a single
// transaction; any failure leaves all of them untouched.
//
// Line prices come from the product's current price, not the cart snapshot.
func (s *OrderService) PlaceOrder(ctx context.Context, principal models.Principal, in PlaceOrderInput) (*models.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.PlaceOrder",
		trace.WithAttributes(attribute.Int64("user.id", principal.UserID)))
	defer span.End()

	address, method, err := validatePlaceOrder(in)
	if err != nil {
		return nil, err
	}

	cart, err := s.carts.GetOrCreateCart(ctx, principal.UserID)
	if err != nil {
		return nil, err
	}
	lines, err := s.carts.Lines(ctx, s.db, cart.ID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	var order *models.Order
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		// the cart may have changed since the read above
		lines, err := s.carts.Lines(ctx, tx, cart.ID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return ErrEmptyCart
		}

		// locks are always taken in ascending product id order
		slices.SortFunc(lines, func(a, b models.CartItem) int { return cmp.Compare(a.ProductID, b.ProductID) })
		products := make([]*models.Product, len(lines))
		for i, line := range lines {
			p, err := s.stock.Reserve(ctx, tx, line.ProductID, line.Quantity)
			if err != nil {
				return err
			}
			products[i] = p
		}

		order, err = s.insertOrder(ctx, tx, principal.UserID, method, address)
		if err != nil {
			return err
		}

		total := decimal.Zero
		for i, line := range lines {
			item := models.OrderItem{
				OrderID:      order.ID,
				ProductID:    products[i].ID,
				ProductTitle: products[i].Title,
				UnitPrice:    products[i].Price,
				Quantity:     line.Quantity,
				LineTotal:    models.LineTotal(products[i].Price, line.Quantity),
			}
			if err := s.insertItem(ctx, tx, &item); err != nil {
				return err
			}
			order.Items = append(order.Items, item)
			total = total.Add(item.LineTotal)
		}
		order.Total = total.RoundBank(2)

		start := time.Now()
		_, err = tx.ExecContext(ctx, updateOrderTotalQuery, order.Total, order.ID)
		s.metrics.RecordDBQuery(ctx, "UPDATE", "orders", updateOrderTotalQuery, start, err == nil)
		if err != nil {
			return fmt.Errorf("failed to set order total: %w", err)
		}

		return s.carts.ClearTx(ctx, tx, cart.ID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	productIDs := make([]int64, len(order.Items))
	for i, item := range order.Items {
		productIDs[i] = item.ProductID
	}
	s.invalidateProducts(ctx, order.ID, productIDs)

	attrs := s.metrics.WithServiceName([]attribute.KeyValue{
		attribute.String("payment_method", string(order.PaymentMethod)),
	})
	s.metrics.OrdersCreated.Add(ctx, 1, metric.WithAttributes(attrs...))
	s.metrics.RevenueTotal.Add(ctx, order.Total.InexactFloat64(), metric.WithAttributes(attrs...))

	span.SetAttributes(attribute.Int64("order.id", order.ID), attribute.Int("order.items", len(order.Items)))
	s.logger.Info("order placed",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.String("total", order.Total.StringFixed(2)),
		zap.String("payment_method", string(order.PaymentMethod)),
		zap.Int("items", len(order.Items)),
	)

	return order, nil
}

// invalidateProducts is best effort. The order is committed already, and stale
// catalog entries expire on their own.
func (s *OrderService) invalidateProducts(ctx context.Context, orderID int64, productIDs []int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheInvalidateTimeout)
	defer cancel()
	if err := s.cache.Invalidate(ctx, productIDs...); err != nil {
		s.logger.Warn("failed to invalidate product cache", zap.Int64("order_id", orderID), zap.Error(err))
	}
}

func validatePlaceOrder(in PlaceOrderInput) (models.ShippingAddress, models.PaymentMethod, error) {
	address := models.ShippingAddress{
		AddressLine: strings.TrimSpace(in.ShippingAddress.AddressLine),
		City:        strings.TrimSpace(in.ShippingAddress.City),
		PostalCode:  strings.TrimSpace(in.ShippingAddress.PostalCode),
		Country:     strings.TrimSpace(in.ShippingAddress.Country),
	}

	verr := &ValidationError{Fields: map[string]string{}}
	checkField(verr, "shipping_address.address_line", address.AddressLine, maxAddressLineLen)
	checkField(verr, "shipping_address.city", address.City, maxCityLen)
	checkField(verr, "shipping_address.postal_code", address.PostalCode, maxPostalCodeLen)
	checkField(verr, "shipping_address.country", address.Country, maxCountryLen)

	method, ok := models.ParsePaymentMethod(strings.TrimSpace(in.PaymentMethod))
	if !ok {
		verr.Fields["payment_method"] = "must be one of chapa, cash_on_delivery, bank_transfer"
		verr.Err = &InvalidPaymentMethodError{Method: in.PaymentMethod}
	}

	if len(verr.Fields) > 0 {
		return models.ShippingAddress{}, "", verr
	}
	return address, method, nil
}

func checkField(verr *ValidationError, field, value string, maxLen int) {
	switch {
	case value == "":
		verr.Fields[field] = "this field is required"
	case utf8.RuneCountInString(value) > maxLen:
		verr.Fields[field] = fmt.Sprintf("must be at most %d characters", maxLen)
	}
}

func (s *OrderService) insertOrder(ctx context.Context, tx *sql.Tx, userID int64, method models.PaymentMethod, address models.ShippingAddress) (*models.Order, error) {
	start := time.Now()
	result, err := tx.ExecContext(ctx, insertOrderQuery,
		userID, models.OrderStatusPending, models.OrderPaymentPending, method,
		address.AddressLine, address.City, address.PostalCode, address.Country, decimal.Zero,
	)
	s.metrics.RecordDBQuery(ctx, "INSERT", "orders", insertOrderQuery, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get order ID: %w", err)
	}

	now := time.Now()
	return &models.Order{
		ID:              id,
		UserID:          userID,
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.OrderPaymentPending,
		PaymentMethod:   method,
		ShippingAddress: address,
		Total:           decimal.Zero,
		Items:           []models.OrderItem{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (s *OrderService) insertItem(ctx context.Context, tx *sql.Tx, item *models.OrderItem) error {
	start := time.Now()
	result, err := tx.ExecContext(ctx, insertOrderItemQuery,
		item.OrderID, item.ProductID, item.ProductTitle, item.UnitPrice, item.Quantity, item.LineTotal,
	)
	s.metrics.RecordDBQuery(ctx, "INSERT", "order_items", insertOrderItemQuery, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to create order item: %w", err)
	}
	if item.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get order item ID: %w", err)
	}
	return nil
}

// GetOrder returns an order with its items. Only the owner and staff may read it.
func (s *OrderService) GetOrder(ctx context.Context, principal models.Principal, orderID int64) (*models.Order, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !principal.CanAccess(order.UserID) {
		return nil, &ForbiddenError{Reason: "You do not have permission to access this order."}
	}
	return order, nil
}

func (s *OrderService) loadOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	start := time.Now()
	order, err := scanOrder(s.db.QueryRowContext(ctx, selectOrderQuery, orderID))
	s.metrics.RecordDBQuery(ctx, "SELECT", "orders", selectOrderQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "order", ID: orderID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	orders := []models.Order{*order}
	if err := s.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// ListOrders returns the caller's orders, newest first. Staff see every order.
func (s *OrderService) ListOrders(ctx context.Context, principal models.Principal) ([]models.Order, error) {
	query, args := listUserOrdersQuery, []any{principal.UserID}
	if principal.IsStaff {
		query, args = listAllOrdersQuery, nil
	}

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.metrics.RecordDBQuery(ctx, "SELECT", "orders", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}

	if err := s.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// attachItems loads the items of all orders with one query
func (s *OrderService) attachItems(ctx context.Context, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	index := make(map[int64]int, len(orders))
	ids := make([]any, len(orders))
	placeholders := make([]string, len(orders))
	for i := range orders {
		orders[i].Items = []models.OrderItem{}
		index[orders[i].ID] = i
		ids[i] = orders[i].ID
		placeholders[i] = "?"
	}

	query := fmt.Sprintf(orderItemsQuery, strings.Join(placeholders, ","))
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, ids...)
	s.metrics.RecordDBQuery(ctx, "SELECT", "order_items", query, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductTitle, &item.UnitPrice, &item.Quantity, &item.LineTotal); err != nil {
			return fmt.Errorf("failed to scan order item: %w", err)
		}
		if i, ok := index[item.OrderID]; ok {
			orders[i].Items = append(orders[i].Items, item)
		}
	}
	return rows.Err()
}

// UpdateStatus sets the fulfilment status of an order. Staff only.
func (s *OrderService) UpdateStatus(ctx context.Context, principal models.Principal, orderID int64, status string) (*models.Order, error) {
	if !principal.IsStaff {
		return nil, &ForbiddenError{Reason: "Only staff can change the order status."}
	}
	next := models.OrderStatus(strings.TrimSpace(status))
	if !next.Valid() {
		return nil, newValidationError("status", fmt.Sprintf("%q is not a valid choice", status))
	}

	// rows affected is 0 both for a missing order and an unchanged status
	if _, err := s.loadOrder(ctx, orderID); err != nil {
		return nil, err
	}

	start := time.Now()
	_, err := s.db.ExecContext(ctx, updateOrderStatusQuery, next, orderID)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "orders", updateOrderStatusQuery, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	s.logger.Info("order status updated",
		zap.Int64("order_id", orderID),
		zap.String("status", string(next)),
		zap.Int64("by_user_id", principal.UserID),
	)
	return s.loadOrder(ctx, orderID)
}

// RequestCancellation records the caller's wish to cancel an order. The order
// itself is not modified; staff act on the request separately.
func (s *OrderService) RequestCancellation(ctx context.Context, principal models.Principal, orderID int64, reason string) (*models.CancellationRequest, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > maxReasonLen {
		return nil, newValidationError("reason", fmt.Sprintf("must be at most %d characters", maxReasonLen))
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !principal.CanAccess(order.UserID) {
		return nil, &ForbiddenError{Reason: "Not allowed."}
	}

	start := time.Now()
	result, err := s.db.ExecContext(ctx, insertCancellationQuery, orderID, principal.UserID, reason)
	s.metrics.RecordDBQuery(ctx, "INSERT", "order_cancellation_requests", insertCancellationQuery, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cancellation request: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get cancellation request ID: %w", err)
	}

	s.logger.Info("cancellation requested",
		zap.Int64("order_id", orderID),
		zap.Int64("request_id", id),
		zap.Int64("user_id", principal.UserID),
	)

	return &models.CancellationRequest{
		ID:        id,
		OrderID:   orderID,
		UserID:    principal.UserID,
		Reason:    reason,
		CreatedAt: time.Now(),
	}, nil
}

// MarkCancellationHandled closes a cancellation request with a note. Handling an
// already handled request keeps the first outcome.
func (s *OrderService) MarkCancellationHandled(ctx context.Context, requestID int64, note string) (*models.CancellationRequest, error) {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, handleCancellationQuery, note, requestID)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "order_cancellation_requests", handleCancellationQuery, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to mark cancellation request handled: %w", err)
	}

	start = time.Now()
	var (
		req       models.CancellationRequest
		handledAt sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, selectCancellationQuery, requestID).Scan(
		&req.ID, &req.OrderID, &req.UserID, &req.Reason, &req.CreatedAt, &req.Handled, &handledAt, &req.ResultNote,
	)
	s.metrics.RecordDBQuery(ctx, "SELECT", "order_cancellation_requests", selectCancellationQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "cancellation request", ID: requestID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cancellation request: %w", err)
	}
	if handledAt.Valid {
		req.HandledAt = &handledAt.Time
	}
	return &req, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	err := row.Scan(
		&o.ID, &o.UserID, &o.Status, &o.PaymentStatus, &o.PaymentMethod,
		&o.ShippingAddress.AddressLine, &o.ShippingAddress.City, &o.ShippingAddress.PostalCode, &o.ShippingAddress.Country,
		&o.Total, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
