package services

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	domain "github.com/pilemarket/checkout/internal/domain"
)

func amount(v int64) decimal.NullDecimal {
	return domain.Amount(decimal.NewFromInt(v))
}

func TestReconcilePricedOrderKeepsStickyFlags(t *testing.T) {
	current := PricedOrder{
		Subtotal:       amount(2000),
		DeliveryCharge: amount(0),
		ServiceFee:     amount(0),
		FreeShipping:   true,
		FreeServiceFee: true,
	}
	remote := PartialPricedOrder{
		Subtotal:       amount(2500),
		DeliveryCharge: amount(1500),
		ServiceFee:     amount(125),
		Total:          amount(4125),
		FreeShipping:   domain.Flag(false),
		FreeServiceFee: domain.Flag(false),
	}

	next := ReconcilePricedOrder(current, remote, PreviewMode{})
	if !next.FreeShipping || !next.FreeServiceFee {
		t.Fatalf("flags must never reset, got %#v", next)
	}
	if !next.DeliveryCharge.Decimal.IsZero() || !next.ServiceFee.Decimal.IsZero() {
		t.Fatalf("waived fees must stay zero, got delivery %s service %s", next.DeliveryCharge.Decimal, next.ServiceFee.Decimal)
	}
	if !next.Subtotal.Decimal.Equal(decimal.NewFromInt(2500)) || !next.Total.Decimal.Equal(decimal.NewFromInt(4125)) {
		t.Fatalf("expected subtotal and total from remote, got %#v", next)
	}
}

func TestReconcilePricedOrderRaisesFlagsFromRemote(t *testing.T) {
	next := ReconcilePricedOrder(PricedOrder{}, PartialPricedOrder{FreeShipping: domain.Flag(true)}, PreviewMode{})
	if !next.FreeShipping {
		t.Fatalf("expected free shipping raised")
	}
	if next.FreeServiceFee {
		t.Fatalf("missing flag must not raise free service fee")
	}
}

func TestReconcilePricedOrderPickupOnlyTakesDeliveryAndTotal(t *testing.T) {
	current := PricedOrder{Subtotal: amount(2000), ServiceFee: amount(100), BookingFee: amount(0)}
	remote := PartialPricedOrder{
		Subtotal:       amount(9999),
		ServiceFee:     amount(500),
		BookingFee:     amount(50),
		DeliveryCharge: amount(0),
		Total:          amount(2100),
		Discount:       amount(300),
	}

	next := ReconcilePricedOrder(current, remote, PreviewMode{IsPickup: true})
	if !next.Subtotal.Decimal.Equal(decimal.NewFromInt(2000)) || !next.ServiceFee.Decimal.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("pickup preview must not touch subtotal or service fee, got %#v", next)
	}
	if !next.DeliveryCharge.Valid || !next.DeliveryCharge.Decimal.IsZero() {
		t.Fatalf("expected delivery charge from remote")
	}
	if !next.Total.Decimal.Equal(decimal.NewFromInt(2100)) {
		t.Fatalf("expected total from remote, got %s", next.Total.Decimal)
	}
	if !next.Discount.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("expected first discount taken while zero, got %s", next.Discount)
	}
}

func TestReconcilePricedOrderPickupFillsUnsetComponents(t *testing.T) {
	remote := PartialPricedOrder{
		Subtotal:       amount(2000),
		ServiceFee:     amount(100),
		BookingFee:     amount(0),
		DeliveryCharge: amount(0),
		Total:          amount(2100),
	}

	next := ReconcilePricedOrder(PricedOrder{}, remote, PreviewMode{IsPickup: true})
	if !next.Subtotal.Valid || !next.Subtotal.Decimal.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("expected subtotal filled in, got %v", next.Subtotal)
	}
	if !next.ServiceFee.Valid || !next.ServiceFee.Decimal.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected service fee filled in, got %v", next.ServiceFee)
	}
	if !next.BookingFee.Valid {
		t.Fatalf("expected booking fee filled in")
	}

	waived := ReconcilePricedOrder(PricedOrder{FreeServiceFee: true}, remote, PreviewMode{IsPickup: true})
	if waived.ServiceFee.Valid {
		t.Fatalf("waived service fee must not be filled in, got %v", waived.ServiceFee)
	}
}

func TestReconcilePricedOrderStickyAcrossSequence(t *testing.T) {
	steps := []struct {
		name   string
		remote PartialPricedOrder
		mode   PreviewMode
	}{
		{name: "raises flags and discount", remote: PartialPricedOrder{
			Subtotal: amount(2000), FreeShipping: domain.Flag(true), FreeServiceFee: domain.Flag(true), Discount: amount(150),
		}},
		{name: "explicit false", remote: PartialPricedOrder{
			Subtotal: amount(2200), FreeShipping: domain.Flag(false), FreeServiceFee: domain.Flag(false), Discount: amount(0),
		}},
		{name: "absent flags", remote: PartialPricedOrder{Subtotal: amount(2400), Total: amount(2400)}},
		{name: "contradictory fees", remote: PartialPricedOrder{
			ServiceFee: amount(120), DeliveryCharge: amount(1800), FreeShipping: domain.Flag(false), Discount: amount(90),
		}},
		{name: "pickup false flags", mode: PreviewMode{IsPickup: true}, remote: PartialPricedOrder{
			DeliveryCharge: amount(500), FreeShipping: domain.Flag(false), FreeServiceFee: domain.Flag(false), Discount: amount(10),
		}},
		{name: "repile larger discount", mode: PreviewMode{IsRepiling: true}, remote: PartialPricedOrder{Discount: amount(900)}},
	}

	order := PricedOrder{}
	firstDiscount := decimal.Zero
	for i, step := range steps {
		order = ReconcilePricedOrder(order, step.remote, step.mode)
		if i == 0 {
			firstDiscount = order.Discount
			if !firstDiscount.Equal(decimal.NewFromInt(150)) {
				t.Fatalf("expected first discount 150, got %s", firstDiscount)
			}
		}
		if !order.FreeShipping || !order.FreeServiceFee {
			t.Fatalf("%s: sticky flag cleared, got %#v", step.name, order)
		}
		if !order.Discount.Equal(firstDiscount) {
			t.Fatalf("%s: discount moved from %s to %s", step.name, firstDiscount, order.Discount)
		}
		if order.ServiceFee.Valid && !order.ServiceFee.Decimal.IsZero() {
			t.Fatalf("%s: waived service fee charged %s", step.name, order.ServiceFee.Decimal)
		}
		if order.DeliveryCharge.Valid && !order.DeliveryCharge.Decimal.IsZero() {
			t.Fatalf("%s: waived delivery charged %s", step.name, order.DeliveryCharge.Decimal)
		}
	}
}

func TestReconcilePricedOrderDiscountKeepsFirstValue(t *testing.T) {
	first := ReconcilePricedOrder(PricedOrder{}, PartialPricedOrder{Discount: amount(200)}, PreviewMode{})
	if !first.Discount.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected first discount, got %s", first.Discount)
	}
	second := ReconcilePricedOrder(first, PartialPricedOrder{Discount: amount(50)}, PreviewMode{})
	if !second.Discount.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected discount to stay, got %s", second.Discount)
	}
	missing := ReconcilePricedOrder(first, PartialPricedOrder{}, PreviewMode{})
	if !missing.Discount.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("missing discount must keep the previous value")
	}
}

func TestApplyReward(t *testing.T) {
	base := PricedOrder{
		Subtotal:       amount(2000),
		ServiceFee:     amount(100),
		DeliveryCharge: amount(1500),
		Total:          amount(3600),
	}

	free := ApplyReward(base, Reward{Type: RewardTypeFreeDelivery})
	if !free.FreeShipping || !free.DeliveryCharge.Decimal.IsZero() || !free.Total.Decimal.Equal(decimal.NewFromInt(2100)) {
		t.Fatalf("unexpected free delivery result %#v", free)
	}

	noFee := ApplyReward(base, Reward{Type: RewardTypeNoServiceFee})
	if !noFee.FreeServiceFee || !noFee.ServiceFee.Decimal.IsZero() || !noFee.Total.Decimal.Equal(decimal.NewFromInt(3500)) {
		t.Fatalf("unexpected no service fee result %#v", noFee)
	}

	pct := decimal.NewFromInt(10)
	discounted := ApplyReward(base, Reward{Type: RewardTypeDiscount, DiscountPercent: &pct})
	if !discounted.Discount.Equal(decimal.NewFromInt(200)) || !discounted.Total.Decimal.Equal(decimal.NewFromInt(3400)) {
		t.Fatalf("unexpected discount result %#v", discounted)
	}

	unknown := ApplyReward(base, Reward{Type: RewardType("MYSTERY")})
	if unknown != base {
		t.Fatalf("unknown reward must leave the order untouched")
	}
}

func TestPreviewReconcilerDiscardsOlderResponses(t *testing.T) {
	r := NewPreviewReconciler()
	first := r.Issue()
	second := r.Issue()
	if first != 1 || second != 2 {
		t.Fatalf("unexpected sequence numbers %d, %d", first, second)
	}

	ctx := context.Background()
	current, applied := r.Apply(ctx, second, PricedOrder{}, PartialPricedOrder{Subtotal: amount(3000)}, PreviewMode{})
	if !applied || !current.Subtotal.Decimal.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("expected newer response applied")
	}
	stale, applied := r.Apply(ctx, first, current, PartialPricedOrder{Subtotal: amount(1000)}, PreviewMode{})
	if applied {
		t.Fatalf("expected older response discarded")
	}
	if !stale.Subtotal.Decimal.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("stale response changed the order: %s", stale.Subtotal.Decimal)
	}
	if r.LastApplied() != second {
		t.Fatalf("expected last applied %d, got %d", second, r.LastApplied())
	}
}
