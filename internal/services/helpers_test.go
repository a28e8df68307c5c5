package services

import (
	"database/sql/driver"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/SigNoz/nexus-checkout/internal/db"
	"github.com/SigNoz/nexus-checkout/internal/metrics"
	"github.com/SigNoz/nexus-checkout/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func newMockDB(t *testing.T) (*db.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db.Wrap(sqlDB), mock
}

func newTestMetrics(t *testing.T) *metrics.AppMetrics {
	t.Helper()
	m, err := metrics.New(noop.NewMeterProvider().Meter("test"), "nexus-checkout")
	require.NoError(t, err)
	return m
}

// q turns a literal statement into a sqlmock pattern
func q(query string) string {
	return regexp.QuoteMeta(query)
}

var productRowColumns = []string{"id", "title", "price", "stock_quantity", "is_active", "updated_at"}

// decimalArg matches a decimal bound parameter by value, ignoring scale
type decimalArg string

func (d decimalArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	got, err := decimal.NewFromString(s)
	if err != nil {
		return false
	}
	return got.Equal(decimal.RequireFromString(string(d)))
}

var (
	orderRowColumns   = []string{"id", "user_id", "status", "payment_status", "payment_method", "shipping_address_line", "shipping_city", "shipping_postal_code", "shipping_country", "total", "created_at", "updated_at"}
	itemRowColumns    = []string{"id", "order_id", "product_id", "product_title", "unit_price", "quantity", "line_total"}
	paymentRowColumns = []string{"id", "order_id", "tx_ref", "amount", "currency", "status", "created_at", "updated_at", "paid_at"}
	cartLineColumns   = []string{"id", "cart_id", "product_id", "quantity", "unit_price", "created_at", "updated_at"}
	cartColumns       = []string{"id", "user_id", "created_at", "updated_at"}
)

var (
	customer = models.Principal{UserID: 7, Email: "abebe@example.com", FirstName: "Abebe", LastName: "Kebede"}
	staff    = models.Principal{UserID: 1, Email: "admin@example.com", IsStaff: true}
)
