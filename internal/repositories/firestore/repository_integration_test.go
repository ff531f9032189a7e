//go:build integration

package firestore

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	domain "github.com/pilemarket/checkout/internal/domain"
	"github.com/pilemarket/checkout/internal/platform/config"
	pfirestore "github.com/pilemarket/checkout/internal/platform/firestore"
)

func TestRepositoriesAgainstEmulator(t *testing.T) {
	host := strings.TrimSpace(os.Getenv("FIRESTORE_EMULATOR_HOST"))
	if host == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	provider := pfirestore.NewProvider(config.FirestoreConfig{ProjectID: "checkout-it", EmulatorHost: host})
	registry, err := NewRegistry(provider)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	suffix := time.Now().UTC().Format("150405.000000")
	vendorID := "vendor-" + suffix
	userID := "user-" + suffix

	if _, err := client.Collection("vendors").Doc(vendorID).Set(ctx, map[string]any{
		"name":             "Mama Put",
		"state":            "Lagos",
		"deliveryOption":   "Delivery & Pickup",
		"stockpileEnabled": true,
	}); err != nil {
		t.Fatalf("seed vendor: %v", err)
	}
	if _, err := client.Collection("stockpiles").Doc("pile-"+suffix).Set(ctx, map[string]any{
		"vendorId":      vendorID,
		"userId":        userID,
		"isActive":      true,
		"durationWeeks": 4,
		"createdAt":     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed stockpile: %v", err)
	}

	vendor, err := registry.Vendors().GetVendor(ctx, vendorID)
	if err != nil {
		t.Fatalf("get vendor: %v", err)
	}
	if vendor.Capability != domain.VendorCapabilityDeliveryAndPickup || !vendor.StockpileEnabled {
		t.Fatalf("unexpected vendor %#v", vendor)
	}

	if _, err := registry.Vendors().GetVendor(ctx, "missing-"+suffix); err == nil {
		t.Fatalf("expected not found")
	}

	active, err := registry.Stockpiles().FindActiveStockpile(ctx, vendorID, userID)
	if err != nil {
		t.Fatalf("find stockpile: %v", err)
	}
	if active == nil || active.ID != "pile-"+suffix || active.DurationWeeks != 4 {
		t.Fatalf("unexpected stockpile %#v", active)
	}
	none, err := registry.Stockpiles().FindActiveStockpile(ctx, vendorID, "someone-else")
	if err != nil || none != nil {
		t.Fatalf("expected no stockpile, got %#v, %v", none, err)
	}

	shown, err := registry.Disclaimers().DisclaimerShown(ctx, userID)
	if err != nil || shown {
		t.Fatalf("expected disclaimer not shown, got %v, %v", shown, err)
	}
	if err := registry.Disclaimers().MarkDisclaimerShown(ctx, userID); err != nil {
		t.Fatalf("mark disclaimer: %v", err)
	}
	shown, err = registry.Disclaimers().DisclaimerShown(ctx, userID)
	if err != nil || !shown {
		t.Fatalf("expected disclaimer shown, got %v, %v", shown, err)
	}
}
