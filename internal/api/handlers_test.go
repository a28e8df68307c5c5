package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/SigNoz/nexus-checkout/internal/cache"
	"github.com/SigNoz/nexus-checkout/internal/db"
	"github.com/SigNoz/nexus-checkout/internal/gateway"
	"github.com/SigNoz/nexus-checkout/internal/metrics"
	"github.com/SigNoz/nexus-checkout/internal/middleware"
	"github.com/SigNoz/nexus-checkout/internal/services"
	"github.com/SigNoz/nexus-checkout/internal/tasks"
	"github.com/SigNoz/nexus-checkout/pkg/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"
)

const (
	jwtSecret     = "jwt-secret"
	webhookSecret = "whsec_test"
)

type stubGateway struct{}

func (stubGateway) Initialize(_ context.Context, req gateway.InitializeRequest) (*gateway.InitializeResponse, error) {
	return &gateway.InitializeResponse{CheckoutURL: "https://checkout.chapa.co/" + req.TxRef}, nil
}

func (stubGateway) Verify(context.Context, string) (*gateway.VerifyResponse, error) {
	return &gateway.VerifyResponse{Status: "pending"}, nil
}

type countingQueue struct{ n int }

func (q *countingQueue) Enqueue(context.Context, tasks.Task) error {
	q.n++
	return nil
}

type testServer struct {
	router *mux.Router
	mock   sqlmock.Sqlmock
	queue  *countingQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	database := db.Wrap(sqlDB)

	m, err := metrics.New(noop.NewMeterProvider().Meter("test"), "nexus-checkout")
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)

	stock := services.NewStockLedger(database, m)
	carts := services.NewCartService(database, stock, m, logger)
	orders := services.NewOrderService(database, carts, stock, cache.NoopProductCache{}, m, logger)
	queue := &countingQueue{}
	payments := services.NewPaymentService(database, stubGateway{}, gateway.NewSigner(webhookSecret), queue,
		services.NewUserService(database, m), services.PaymentConfig{Currency: "ETB"}, m, logger)

	app := NewApp(&config.Config{}, database, m, logger, carts, orders, payments,
		middleware.NewAuthenticator(jwtSecret, logger))
	router := mux.NewRouter()
	app.SetupRoutes(router)

	return &testServer{router: router, mock: mock, queue: queue}
}

func bearer(t *testing.T, userID int64, staff bool) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		UserID:  userID,
		Email:   "abebe@example.com",
		IsStaff: staff,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func (s *testServer) do(t *testing.T, method, path, auth, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

var (
	cartCols    = []string{"id", "user_id", "created_at", "updated_at"}
	lineCols    = []string{"id", "cart_id", "product_id", "quantity", "unit_price", "created_at", "updated_at"}
	productCols = []string{"id", "title", "price", "stock_quantity", "is_active", "updated_at"}
)

const orderBody = `{"shipping_address":{"address_line":"Bole Road 12","city":"Addis Ababa","postal_code":"1000","country":"Ethiopia"},"payment_method":"chapa"}`

func expectCheckoutStart(mock sqlmock.Sqlmock, stock int) {
	now := time.Now()
	lines := func() *sqlmock.Rows {
		return sqlmock.NewRows(lineCols).AddRow(int64(1), int64(3), int64(10), 2, "50.00", now, now)
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM carts WHERE user_id = ?")).WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(cartCols).AddRow(int64(3), int64(7), now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM cart_items WHERE cart_id = ?")).WillReturnRows(lines())
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM cart_items WHERE cart_id = ?")).WillReturnRows(lines())
	mock.ExpectQuery(regexp.QuoteMeta("FROM products WHERE id = ? FOR UPDATE")).WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows(productCols).AddRow(int64(10), "ProductX", "50.00", stock, true, now))
}

func TestCreateOrderScenarioA(t *testing.T) {
	s := newTestServer(t)

	expectCheckoutStart(s.mock, 10)
	s.mock.ExpectExec(regexp.QuoteMeta("UPDATE products SET stock_quantity = stock_quantity - ?")).
		WithArgs(2, int64(10), 2).WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).WillReturnResult(sqlmock.NewResult(100, 1))
	s.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_items")).WillReturnResult(sqlmock.NewResult(1, 1))
	s.mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET total = ?")).WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectExec(regexp.QuoteMeta("DELETE FROM cart_items WHERE cart_id = ?")).WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectCommit()

	rec := s.do(t, http.MethodPost, "/api/v1/orders", bearer(t, 7, false), orderBody)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "100.00", body["total"])
	assert.Equal(t, "pending", body["payment_status"])
	address := body["shipping_address"].(map[string]any)
	assert.Equal(t, "Addis Ababa", address["city"])
	assert.Len(t, body["items"], 1)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestCreateOrderScenarioB(t *testing.T) {
	s := newTestServer(t)

	expectCheckoutStart(s.mock, 1)
	s.mock.ExpectRollback()

	rec := s.do(t, http.MethodPost, "/api/v1/orders", bearer(t, 7, false), orderBody)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["detail"], "insufficient stock")
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestCreateOrderValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/orders", bearer(t, 7, false), `{"payment_method":"bitcoin"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	fields := decode(t, rec)["fields"].(map[string]any)
	assert.Contains(t, fields, "payment_method")
	assert.Contains(t, fields, "shipping_address.city")

	rec = s.do(t, http.MethodPost, "/api/v1/orders", bearer(t, 7, false), `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestAuthenticationRequired(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/api/v1/orders", "/api/v1/cart", "/api/v1/payments"} {
		rec := s.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	rec := s.do(t, http.MethodGet, "/api/v1/orders", "Bearer not-a-token", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpdateOrderStatusRequiresStaff(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPatch, "/api/v1/orders/100", bearer(t, 7, false), `{"status":"shipped"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestGetOrderNotFound(t *testing.T) {
	s := newTestServer(t)

	s.mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = ?")).WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := s.do(t, http.MethodGet, "/api/v1/orders/5", bearer(t, 7, false), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/orders/abc", bearer(t, 7, false), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentWebhookScenarioE(t *testing.T) {
	s := newTestServer(t)
	body := `{"tx_ref":"tx-0001","status":"success","email":"abebe@example.com","amount":"100.00"}`

	rec := s.do(t, http.MethodPost, "/api/v1/payments/webhook", "", body, SignatureHeader, sign(`{"tx_ref":"tx-0001","status":"failed"}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Invalid signature", decode(t, rec)["detail"])

	rec = s.do(t, http.MethodPost, "/api/v1/payments/webhook", "", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing signature", decode(t, rec)["detail"])

	rec = s.do(t, http.MethodPost, "/api/v1/payments/webhook", "", "{oops", SignatureHeader, sign("{oops"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// no statement ran for any of the rejected deliveries
	assert.NoError(t, s.mock.ExpectationsWereMet())
	assert.Zero(t, s.queue.n)
}

func TestPaymentWebhookProcessed(t *testing.T) {
	s := newTestServer(t)
	body := `{"tx_ref":"tx-0001","status":"success","email":"abebe@example.com","amount":"100.00"}`
	now := time.Now()
	paymentCols := []string{"id", "order_id", "tx_ref", "amount", "currency", "status", "created_at", "updated_at", "paid_at"}

	s.mock.ExpectQuery(regexp.QuoteMeta("SELECT order_id FROM payments WHERE tx_ref = ?")).WithArgs("tx-0001").
		WillReturnRows(sqlmock.NewRows([]string{"order_id"}).AddRow(int64(100)))
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id FROM orders WHERE id = ? FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id"}).AddRow(int64(100), int64(7)))
	s.mock.ExpectQuery(regexp.QuoteMeta("FROM payments WHERE tx_ref = ? FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows(paymentCols).
			AddRow("6f1c2f44-8a7e-4c8e-9b43-0f4f3f0b8a11", int64(100), "tx-0001", "100.00", "ETB", "pending", now, now, nil))
	s.mock.ExpectExec(regexp.QuoteMeta("UPDATE payments SET status = ?")).WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET payment_status = ?")).WithArgs("paid", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook/", bytes.NewBufferString(body))
	req.Header.Set(SignatureHeader, sign(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"detail":"Webhook processed","changed":true}`, rec.Body.String())
	assert.Equal(t, 1, s.queue.n)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestPaymentWebhookUnknownTxRef(t *testing.T) {
	s := newTestServer(t)
	body := `{"tx_ref":"missing","status":"success"}`

	s.mock.ExpectQuery(regexp.QuoteMeta("SELECT order_id FROM payments WHERE tx_ref = ?")).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"order_id"}))

	rec := s.do(t, http.MethodPost, "/api/v1/payments/webhook", "", body, SignatureHeader, sign(body))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestInitiatePaymentAlreadyInitiated(t *testing.T) {
	s := newTestServer(t)
	now := time.Now()

	s.mock.ExpectBegin()
	s.mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = ? AND user_id = ? FOR UPDATE")).WithArgs(int64(100), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "total"}).AddRow(int64(100), int64(7), "100.00"))
	s.mock.ExpectQuery(regexp.QuoteMeta("FROM payments WHERE order_id = ? FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "tx_ref", "amount", "currency", "status", "created_at", "updated_at", "paid_at"}).
			AddRow("6f1c2f44-8a7e-4c8e-9b43-0f4f3f0b8a11", int64(100), "tx-0001", "100.00", "ETB", "pending", now, now, nil))
	s.mock.ExpectRollback()

	rec := s.do(t, http.MethodPost, "/api/v1/payments/initiate", bearer(t, 7, false), `{"order_id":100}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "tx-0001", body["tx_ref"])
	assert.Equal(t, "6f1c2f44-8a7e-4c8e-9b43-0f4f3f0b8a11", body["payment_id"])
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestWriteErrorMapping(t *testing.T) {
	app := &App{logger: zaptest.NewLogger(t)}

	tests := []struct {
		err    error
		status int
	}{
		{services.ErrEmptyCart, http.StatusBadRequest},
		{services.ErrAlreadyPaid, http.StatusBadRequest},
		{&services.ProductInactiveError{ProductID: 1}, http.StatusBadRequest},
		{&services.ForbiddenError{Reason: "no"}, http.StatusForbidden},
		{&services.NotFoundError{Entity: "order", ID: 1}, http.StatusNotFound},
		{services.ErrGatewayTimeout, http.StatusGatewayTimeout},
		{&services.ExternalGatewayError{PaymentID: "p", Err: assert.AnError}, http.StatusBadRequest},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		app.writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
		assert.NotEmpty(t, decode(t, rec)["detail"])
	}

	rec := httptest.NewRecorder()
	app.writeError(rec, httptest.NewRequest(http.MethodPost, "/", nil),
		&services.ExternalGatewayError{Op: services.GatewayOpVerify, PaymentID: "p", Err: assert.AnError})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Failed to verify payment with the gateway.", decode(t, rec)["detail"])
}
