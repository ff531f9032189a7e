package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/pilemarket/checkout/internal/domain"
	pfirestore "github.com/pilemarket/checkout/internal/platform/firestore"
	"github.com/pilemarket/checkout/internal/repositories"
)

const vendorCollection = "vendors"

// VendorRepository reads vendor profiles from the vendors collection.
type VendorRepository struct {
	base *pfirestore.BaseRepository[vendorDocument]
}

var _ repositories.VendorRepository = (*VendorRepository)(nil)

// NewVendorRepository constructs a Firestore-backed vendor repository.
func NewVendorRepository(provider *pfirestore.Provider) (*VendorRepository, error) {
	base, err := pfirestore.NewBaseRepository[vendorDocument](provider, vendorCollection, nil)
	if err != nil {
		return nil, err
	}
	return &VendorRepository{base: base}, nil
}

// GetVendor loads the vendor by document id.
func (r *VendorRepository) GetVendor(ctx context.Context, vendorID string) (domain.Vendor, error) {
	if r == nil || r.base == nil {
		return domain.Vendor{}, errors.New("vendor repository not initialised")
	}
	vendorID = strings.TrimSpace(vendorID)
	if vendorID == "" {
		return domain.Vendor{}, errors.New("vendor id is required")
	}
	doc, err := r.base.Get(ctx, vendorID)
	if err != nil {
		return domain.Vendor{}, err
	}
	return doc.toDomain(vendorID), nil
}

type vendorDocument struct {
	Name             string `firestore:"name"`
	State            string `firestore:"state"`
	DeliveryOption   string `firestore:"deliveryOption"`
	StockpileEnabled bool   `firestore:"stockpileEnabled"`
}

func (d vendorDocument) toDomain(id string) domain.Vendor {
	return domain.Vendor{
		ID:               id,
		Name:             strings.TrimSpace(d.Name),
		State:            strings.TrimSpace(d.State),
		Capability:       parseCapability(d.DeliveryOption),
		StockpileEnabled: d.StockpileEnabled,
	}
}

// parseCapability accepts the storefront's labels as well as snake_case variants. Unknown values
// fall back to delivery only.
func parseCapability(raw string) domain.VendorCapability {
	normalised := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	switch normalised {
	case "pickup", "pick up", "pick-up":
		return domain.VendorCapabilityPickup
	case "delivery & pickup", "delivery and pickup", "delivery_and_pickup", "both":
		return domain.VendorCapabilityDeliveryAndPickup
	default:
		return domain.VendorCapabilityDelivery
	}
}
