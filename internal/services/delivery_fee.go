package services

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryFeeCalculator computes delivery fees from a RegionTable. It is safe for concurrent use.
type DeliveryFeeCalculator struct {
	table    *RegionTable
	location *time.Location
}

// NewDeliveryFeeCalculator builds a calculator; loc decides which calendar days count as the weekend.
func NewDeliveryFeeCalculator(table *RegionTable, loc *time.Location) (*DeliveryFeeCalculator, error) {
	if table == nil {
		return nil, errors.New("delivery fee calculator: region table is required")
	}
	if loc == nil {
		loc = time.UTC
	}
	return &DeliveryFeeCalculator{table: table, location: loc}, nil
}

// Compute returns the delivery fee for an order shipped from vendorState to userState.
func (c *DeliveryFeeCalculator) Compute(vendorState, userState string, subtotal decimal.Decimal, isWeekend bool) (decimal.Decimal, error) {
	vendorRegion, ok := c.table.Region(vendorState)
	if !ok {
		return decimal.Zero, &InvalidRegionError{State: vendorState}
	}
	userRegion, ok := c.table.Region(userState)
	if !ok {
		return decimal.Zero, &InvalidRegionError{State: userState}
	}

	base := c.table.Rates.OutOfRegion
	switch {
	case foldState(vendorState) == foldState(userState) || sameCanonicalState(c.table, vendorState, userState):
		base = c.table.Rates.SameState
	case vendorRegion == userRegion:
		base = c.table.Rates.InRegion
	}

	pct := c.table.WeekdayPct
	if isWeekend {
		pct = c.table.WeekendPct
	}
	if subtotal.IsNegative() {
		subtotal = decimal.Zero
	}
	timeSurcharge := subtotal.Mul(pct)

	return base.Add(c.table.FuelSurcharge).Add(timeSurcharge).Round(2), nil
}

// IsWeekend reports whether t falls on a Saturday or Sunday in the calculator's location.
func (c *DeliveryFeeCalculator) IsWeekend(t time.Time) bool {
	switch t.In(c.location).Weekday() {
	case time.Saturday, time.Sunday:
		return true
	default:
		return false
	}
}

func sameCanonicalState(table *RegionTable, a, b string) bool {
	ca, okA := table.CanonicalState(a)
	cb, okB := table.CanonicalState(b)
	return okA && okB && ca == cb
}
