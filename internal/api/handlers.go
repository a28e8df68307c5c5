package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/SigNoz/nexus-checkout/internal/db"
	"github.com/SigNoz/nexus-checkout/internal/metrics"
	"github.com/SigNoz/nexus-checkout/internal/middleware"
	"github.com/SigNoz/nexus-checkout/internal/models"
	"github.com/SigNoz/nexus-checkout/internal/services"
	"github.com/SigNoz/nexus-checkout/pkg/config"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// App holds application dependencies
type App struct {
	config         *config.Config
	db             *db.DB
	metrics        *metrics.AppMetrics
	logger         *zap.Logger
	cartService    *services.CartService
	orderService   *services.OrderService
	paymentService *services.PaymentService
	auth           *middleware.Authenticator
}

// NewApp creates a new application instance
func NewApp(
	cfg *config.Config,
	database *db.DB,
	m *metrics.AppMetrics,
	logger *zap.Logger,
	cs *services.CartService,
	os *services.OrderService,
	ps *services.PaymentService,
	auth *middleware.Authenticator,
) *App {
	return &App{
		config:         cfg,
		db:             database,
		metrics:        m,
		logger:         logger,
		cartService:    cs,
		orderService:   os,
		paymentService: ps,
		auth:           auth,
	}
}

// SetupRoutes configures the HTTP routes
func (a *App) SetupRoutes(r *mux.Router) {
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.CORSMiddleware)
	r.Use(middleware.MetricsMiddleware(a.metrics, a.logger))
	r.Use(middleware.RecoverMiddleware(a.logger))

	api := r.PathPrefix("/api/v1").Subrouter()

	// the gateway authenticates with a body signature, not a bearer token
	api.HandleFunc("/payments/webhook", a.PaymentWebhookHandler).Methods("POST")
	api.HandleFunc("/payments/webhook/", a.PaymentWebhookHandler).Methods("POST")

	authed := api.NewRoute().Subrouter()
	authed.Use(a.auth.Middleware)

	// Cart
	authed.HandleFunc("/cart", a.GetCartHandler).Methods("GET")
	authed.HandleFunc("/cart", a.ClearCartHandler).Methods("DELETE")
	authed.HandleFunc("/cart/items", a.AddToCartHandler).Methods("POST")
	authed.HandleFunc("/cart/items/{product_id}", a.UpdateCartItemHandler).Methods("PATCH")
	authed.HandleFunc("/cart/items/{product_id}", a.RemoveFromCartHandler).Methods("DELETE")

	// Orders
	authed.HandleFunc("/orders", a.CreateOrderHandler).Methods("POST")
	authed.HandleFunc("/orders", a.ListOrdersHandler).Methods("GET")
	authed.HandleFunc("/orders/{id}", a.GetOrderHandler).Methods("GET")
	authed.HandleFunc("/orders/{id}", a.UpdateOrderStatusHandler).Methods("PATCH")
	authed.HandleFunc("/orders/{id}/cancel", a.CancelOrderHandler).Methods("POST")

	// Payments
	authed.HandleFunc("/payments/initiate", a.InitiatePaymentHandler).Methods("POST")
	authed.HandleFunc("/payments", a.ListPaymentsHandler).Methods("GET")
	authed.HandleFunc("/payments/{id}", a.GetPaymentHandler).Methods("GET")
	authed.HandleFunc("/payments/{id}/verify", a.VerifyPaymentHandler).Methods("POST")

	r.HandleFunc("/health", a.HealthHandler).Methods("GET")
	r.Handle("/metrics", metrics.PrometheusHandler()).Methods("GET")
}

// HealthHandler handles health check requests
func (a *App) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.PingContext(ctx); err != nil {
		a.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// principal returns the authenticated caller; the auth middleware guarantees one
func principal(r *http.Request) models.Principal {
	p, _ := middleware.PrincipalFromContext(r.Context())
	return p
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &services.ValidationError{Fields: map[string]string{"body": "Invalid request body"}, Err: err}
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	return id, err == nil && id > 0
}

// GetCartHandler handles GET /api/v1/cart
func (a *App) GetCartHandler(w http.ResponseWriter, r *http.Request) {
	cart, err := a.cartService.GetCart(r.Context(), principal(r).UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

// AddToCartHandler handles POST /api/v1/cart/items
func (a *App) AddToCartHandler(w http.ResponseWriter, r *http.Request) {
	var req models.AddToCartRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.ProductID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "Invalid request.", Fields: map[string]string{"product_id": "this field is required"}})
		return
	}

	userID := principal(r).UserID
	if err := a.cartService.AddItem(r.Context(), userID, req.ProductID, req.Quantity); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeCart(w, r, userID, http.StatusCreated)
}

// UpdateCartItemHandler handles PATCH /api/v1/cart/items/{product_id}
func (a *App) UpdateCartItemHandler(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(r, "product_id")
	if !ok {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return
	}
	var req models.UpdateCartItemRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	userID := principal(r).UserID
	if err := a.cartService.UpdateItem(r.Context(), userID, productID, req.Quantity); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeCart(w, r, userID, http.StatusOK)
}

// RemoveFromCartHandler handles DELETE /api/v1/cart/items/{product_id}
func (a *App) RemoveFromCartHandler(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(r, "product_id")
	if !ok {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return
	}
	if err := a.cartService.RemoveItem(r.Context(), principal(r).UserID, productID); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearCartHandler handles DELETE /api/v1/cart
func (a *App) ClearCartHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.cartService.Clear(r.Context(), principal(r).UserID); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) writeCart(w http.ResponseWriter, r *http.Request, userID int64, status int) {
	cart, err := a.cartService.GetCart(r.Context(), userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, status, cart)
}

// CreateOrderHandler handles POST /api/v1/orders
func (a *App) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateOrderRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	in := services.PlaceOrderInput{PaymentMethod: req.PaymentMethod}
	if req.ShippingAddress != nil {
		in.ShippingAddress = *req.ShippingAddress
	}

	order, err := a.orderService.PlaceOrder(r.Context(), principal(r), in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// ListOrdersHandler handles GET /api/v1/orders
func (a *App) ListOrdersHandler(w http.ResponseWriter, r *http.Request) {
	orders, err := a.orderService.ListOrders(r.Context(), principal(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrderHandler handles GET /api/v1/orders/{id}
func (a *App) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return
	}
	order, err := a.orderService.GetOrder(r.Context(), principal(r), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// UpdateOrderStatusHandler handles PATCH /api/v1/orders/{id}
func (a *App) UpdateOrderStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return
	}
	var req models.UpdateOrderStatusRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	order, err := a.orderService.UpdateStatus(r.Context(), principal(r), id, req.Status)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrderHandler handles POST /api/v1/orders/{id}/cancel
func (a *App) CancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return
	}
	var req models.CancelOrderRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	cancellation, err := a.orderService.RequestCancellation(r.Context(), principal(r), id, req.Reason)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancellation)
}
