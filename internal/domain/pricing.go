package domain

import "github.com/shopspring/decimal"

// PricedOrder is the sticky pricing state of a checkout session.
//
// FreeServiceFee and FreeShipping only ever move from false to true, and Discount keeps its first
// non-zero value. Callers must go through the merge functions in the services package rather than
// assigning fields directly.
type PricedOrder struct {
	Subtotal       decimal.NullDecimal
	BookingFee     decimal.NullDecimal
	ServiceFee     decimal.NullDecimal
	DeliveryCharge decimal.NullDecimal
	Total          decimal.NullDecimal
	Discount       decimal.Decimal
	FreeServiceFee bool
	FreeShipping   bool
}

// PartialPricedOrder is a pricing oracle response where every field is optional.
// A missing field means "unchanged".
type PartialPricedOrder struct {
	Subtotal       decimal.NullDecimal
	BookingFee     decimal.NullDecimal
	ServiceFee     decimal.NullDecimal
	DeliveryCharge decimal.NullDecimal
	Total          decimal.NullDecimal
	Discount       decimal.NullDecimal
	FreeServiceFee *bool
	FreeShipping   *bool
}

// PreviewMode carries the checkout flags that influence how a preview response is merged.
type PreviewMode struct {
	IsPickup   bool
	IsRepiling bool
}

// Amount wraps a decimal as a present NullDecimal.
func Amount(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// Flag returns a pointer to the supplied boolean for partial responses.
func Flag(v bool) *bool {
	return &v
}
