package models

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderJSONUsesTwoDecimals(t *testing.T) {
	order := Order{
		ID:    100,
		Total: decimal.RequireFromString("100.00"),
		Items: []OrderItem{{
			ID:        1,
			OrderID:   100,
			UnitPrice: decimal.RequireFromString("50"),
			Quantity:  2,
			LineTotal: decimal.RequireFromString("100"),
		}},
	}

	raw, err := json.Marshal(order)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "100.00", got["total"])

	items := got["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "50.00", item["unit_price"])
	assert.Equal(t, "100.00", item["line_total"])
	assert.NotContains(t, item, "OrderID")
}

func TestCartAndPaymentJSON(t *testing.T) {
	raw, err := json.Marshal(CartResponse{
		Cart:  &Cart{ID: 3},
		Items: []CartItem{{ProductID: 10, Quantity: 3, UnitPrice: decimal.RequireFromString("19.9")}},
		Total: decimal.RequireFromString("59.7"),
	})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"total":"59.70"`)
	assert.Contains(t, string(raw), `"unit_price":"19.90"`)
	assert.Contains(t, string(raw), `"line_total":"59.70"`)

	raw, err = json.Marshal(Payment{ID: "p-1", Amount: decimal.NewFromInt(250)})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"amount":"250.00"`)
	assert.NotContains(t, string(raw), "updated_at")
}

func TestParsePaymentMethod(t *testing.T) {
	for in, want := range map[string]PaymentMethod{
		"chapa":            PaymentMethodChapa,
		"gateway":          PaymentMethodChapa,
		"cash_on_delivery": PaymentMethodCashOnDelivery,
		"bank_transfer":    PaymentMethodBankTransfer,
	} {
		got, ok := ParsePaymentMethod(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got)
	}
	_, ok := ParsePaymentMethod("bitcoin")
	assert.False(t, ok)
}
