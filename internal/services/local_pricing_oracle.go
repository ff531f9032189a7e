package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/pilemarket/checkout/internal/domain"
)

var (
	defaultLocalServiceFeeRate = decimal.RequireFromString("0.05")
	defaultLocalBookingFeeWeek = decimal.NewFromInt(200)
)

// LocalPricingOracleDeps configures local preview estimation.
type LocalPricingOracleDeps struct {
	Vendors    VendorDirectory
	Calculator *DeliveryFeeCalculator
	Clock      func() time.Time
	// ServiceFeeRate is applied to the subtotal; defaults to 5%.
	ServiceFeeRate decimal.NullDecimal
	// BookingFeePerWeek is charged for each week of a new stockpile.
	BookingFeePerWeek decimal.NullDecimal
	Logger            func(ctx context.Context, event string, fields map[string]any)
}

// LocalPricingOracle estimates previews from cart prices and the delivery fee table. It stands in for
// the remote pricing oracle when none is configured.
type LocalPricingOracle struct {
	vendors        VendorDirectory
	calculator     *DeliveryFeeCalculator
	now            func() time.Time
	serviceRate    decimal.Decimal
	bookingPerWeek decimal.Decimal
	logger         func(ctx context.Context, event string, fields map[string]any)
}

// NewLocalPricingOracle validates dependencies.
func NewLocalPricingOracle(deps LocalPricingOracleDeps) (*LocalPricingOracle, error) {
	if deps.Vendors == nil {
		return nil, errors.New("local pricing oracle: vendor directory is required")
	}
	if deps.Calculator == nil {
		return nil, errors.New("local pricing oracle: delivery fee calculator is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	serviceRate := defaultLocalServiceFeeRate
	if deps.ServiceFeeRate.Valid {
		serviceRate = deps.ServiceFeeRate.Decimal
	}
	bookingPerWeek := defaultLocalBookingFeeWeek
	if deps.BookingFeePerWeek.Valid {
		bookingPerWeek = deps.BookingFeePerWeek.Decimal
	}
	return &LocalPricingOracle{
		vendors:        deps.Vendors,
		calculator:     deps.Calculator,
		now:            clock,
		serviceRate:    serviceRate,
		bookingPerWeek: bookingPerWeek,
		logger:         logger,
	}, nil
}

// Preview implements PricingOracle.
func (o *LocalPricingOracle) Preview(ctx context.Context, req OrderRequest) (PartialPricedOrder, error) {
	vendor, err := o.vendors.GetVendor(ctx, req.VendorID)
	if err != nil {
		return PartialPricedOrder{}, fmt.Errorf("local pricing: load vendor %s: %w", req.VendorID, err)
	}

	subtotal := decimal.Zero
	for _, item := range req.CartItems {
		if item.Quantity <= 0 {
			continue
		}
		subtotal = subtotal.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	subtotal = subtotal.Round(2)

	booking := decimal.Zero
	if req.IsStockpile && !req.IsRepiling && req.StockpileDuration != nil && *req.StockpileDuration > 0 {
		booking = o.bookingPerWeek.Mul(decimal.NewFromInt(int64(*req.StockpileDuration)))
	}
	service := subtotal.Mul(o.serviceRate).Round(2)

	out := PartialPricedOrder{
		Subtotal:   domain.Amount(subtotal),
		BookingFee: domain.Amount(booking),
		ServiceFee: domain.Amount(service),
	}

	total := subtotal.Add(booking).Add(service)
	switch {
	case req.IsPickup || req.IsStockpile:
		out.DeliveryCharge = domain.Amount(decimal.Zero)
	default:
		fee, err := o.calculator.Compute(vendor.State, req.User.State, subtotal, o.calculator.IsWeekend(o.now()))
		if err != nil {
			var regionErr *InvalidRegionError
			if !errors.As(err, &regionErr) {
				return PartialPricedOrder{}, err
			}
			// Fee unknown; the reconciler keeps the previous delivery charge.
			o.logger(ctx, "pricing.local.region_unknown", map[string]any{
				"vendorId": vendor.ID,
				"state":    regionErr.State,
			})
			return out, nil
		}
		out.DeliveryCharge = domain.Amount(fee)
		total = total.Add(fee)
	}
	out.Total = domain.Amount(total)
	return out, nil
}
