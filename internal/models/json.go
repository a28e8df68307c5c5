package models

import "encoding/json"

// Money is rendered with exactly two decimals ("100.00"), like the DECIMAL(12,2)
// columns it is stored in. decimal.Decimal alone would print "100".

func (o Order) MarshalJSON() ([]byte, error) {
	type order Order
	return json.Marshal(struct {
		order
		Total string `json:"total"`
	}{order(o), o.Total.StringFixed(2)})
}

func (i OrderItem) MarshalJSON() ([]byte, error) {
	type item OrderItem
	return json.Marshal(struct {
		item
		UnitPrice string `json:"unit_price"`
		LineTotal string `json:"line_total"`
	}{item(i), i.UnitPrice.StringFixed(2), i.LineTotal.StringFixed(2)})
}

func (i CartItem) MarshalJSON() ([]byte, error) {
	type item CartItem
	return json.Marshal(struct {
		item
		UnitPrice string `json:"unit_price"`
		LineTotal string `json:"line_total"`
	}{item(i), i.UnitPrice.StringFixed(2), i.LineTotal().StringFixed(2)})
}

func (c CartResponse) MarshalJSON() ([]byte, error) {
	type cart CartResponse
	return json.Marshal(struct {
		cart
		Total string `json:"total"`
	}{cart(c), c.Total.StringFixed(2)})
}

func (p Payment) MarshalJSON() ([]byte, error) {
	type payment Payment
	return json.Marshal(struct {
		payment
		Amount string `json:"amount"`
	}{payment(p), p.Amount.StringFixed(2)})
}
