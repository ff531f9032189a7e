package services

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const reconcilerMeterName = "github.com/pilemarket/checkout/internal/services/reconciler"

// ReconcilePricedOrder merges a pricing oracle response into the current priced order.
//
// The free-fee flags are joined with OR and the discount keeps its first non-zero value, so the
// result is never less favourable to the shopper than current.
func ReconcilePricedOrder(current PricedOrder, remote PartialPricedOrder, mode PreviewMode) PricedOrder {
	next := current
	next.FreeServiceFee = current.FreeServiceFee || flagValue(remote.FreeServiceFee)
	next.FreeShipping = current.FreeShipping || flagValue(remote.FreeShipping)

	if mode.IsPickup {
		// Pickup only re-derives delivery; components the order has never seen are still filled in.
		if remote.Subtotal.Valid && !next.Subtotal.Valid {
			next.Subtotal = remote.Subtotal
		}
		if remote.BookingFee.Valid && !next.BookingFee.Valid {
			next.BookingFee = remote.BookingFee
		}
		if remote.ServiceFee.Valid && !next.ServiceFee.Valid && !next.FreeServiceFee {
			next.ServiceFee = remote.ServiceFee
		}
	} else {
		if remote.Subtotal.Valid {
			next.Subtotal = remote.Subtotal
		}
		if remote.BookingFee.Valid {
			next.BookingFee = remote.BookingFee
		}
		if remote.ServiceFee.Valid && !next.FreeServiceFee {
			next.ServiceFee = remote.ServiceFee
		}
	}
	if remote.DeliveryCharge.Valid && !next.FreeShipping {
		next.DeliveryCharge = remote.DeliveryCharge
	}
	if remote.Discount.Valid && current.Discount.IsZero() && remote.Discount.Decimal.IsPositive() {
		next.Discount = remote.Discount.Decimal
	}

	if remote.Total.Valid {
		next.Total = remote.Total
	}
	return next
}

// rewardAwaitsSubtotal reports whether a reward cannot be priced yet because the order has no
// subtotal to take a percentage of.
func rewardAwaitsSubtotal(order PricedOrder, reward Reward) bool {
	return reward.Type == RewardTypeDiscount && !order.Subtotal.Valid
}

// ApplyReward folds a trivia reward into the priced order. The waived fee is zeroed and the matching
// sticky flag raised; a percentage discount is computed from the last known subtotal.
func ApplyReward(current PricedOrder, reward Reward) PricedOrder {
	next := current
	switch reward.Type {
	case RewardTypeFreeShipping, RewardTypeFreeDelivery:
		next.FreeShipping = true
		next.DeliveryCharge = decimal.NewNullDecimal(decimal.Zero)
	case RewardTypeNoServiceFee:
		next.FreeServiceFee = true
		next.ServiceFee = decimal.NewNullDecimal(decimal.Zero)
	case RewardTypeDiscount:
		if reward.DiscountPercent != nil && current.Discount.IsZero() && current.Subtotal.Valid {
			pct := *reward.DiscountPercent
			if pct.IsPositive() {
				if pct.GreaterThan(hundred) {
					pct = hundred
				}
				next.Discount = current.Subtotal.Decimal.Mul(pct).Div(hundred).Round(2)
			}
		}
	default:
		return current
	}
	if total, ok := estimateTotal(next); ok {
		next.Total = decimal.NewNullDecimal(total)
	}
	return next
}

var hundred = decimal.NewFromInt(100)

// estimateTotal recomputes the total locally when every component is known.
func estimateTotal(order PricedOrder) (decimal.Decimal, bool) {
	if !order.Subtotal.Valid {
		return decimal.Zero, false
	}
	total := order.Subtotal.Decimal
	for _, part := range []decimal.NullDecimal{order.BookingFee, order.ServiceFee, order.DeliveryCharge} {
		if part.Valid {
			total = total.Add(part.Decimal)
		}
	}
	total = total.Sub(order.Discount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	return total, true
}

func flagValue(v *bool) bool {
	return v != nil && *v
}

// PreviewReconciler sequences preview requests so that a slow, older response can never overwrite the
// result of a newer one. It is safe for concurrent use.
type PreviewReconciler struct {
	mu          sync.Mutex
	issued      uint64
	lastApplied uint64

	staleCounter   metric.Int64Counter
	appliedCounter metric.Int64Counter
}

// NewPreviewReconciler constructs a reconciler with zero issued requests.
func NewPreviewReconciler() *PreviewReconciler {
	meter := otel.Meter(reconcilerMeterName)
	r := &PreviewReconciler{}
	if counter, err := meter.Int64Counter("checkout.preview.stale_discarded",
		metric.WithDescription("Preview responses discarded because a newer response was already applied")); err == nil {
		r.staleCounter = counter
	}
	if counter, err := meter.Int64Counter("checkout.preview.applied",
		metric.WithDescription("Preview responses merged into the priced order")); err == nil {
		r.appliedCounter = counter
	}
	return r
}

// Issue reserves the next sequence number for an outgoing preview request.
func (r *PreviewReconciler) Issue() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issued++
	return r.issued
}

// Apply merges remote into current unless a response with a higher sequence number was already
// applied. The boolean reports whether the response was used.
func (r *PreviewReconciler) Apply(ctx context.Context, seq uint64, current PricedOrder, remote PartialPricedOrder, mode PreviewMode) (PricedOrder, bool) {
	r.mu.Lock()
	if seq < r.lastApplied {
		r.mu.Unlock()
		if r.staleCounter != nil {
			r.staleCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("pickup", mode.IsPickup)))
		}
		return current, false
	}
	r.lastApplied = seq
	r.mu.Unlock()

	if r.appliedCounter != nil {
		r.appliedCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("pickup", mode.IsPickup)))
	}
	return ReconcilePricedOrder(current, remote, mode), true
}

// LastApplied returns the sequence number of the most recently merged response.
func (r *PreviewReconciler) LastApplied() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastApplied
}
