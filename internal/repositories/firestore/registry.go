package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/pilemarket/checkout/internal/platform/firestore"
	"github.com/pilemarket/checkout/internal/repositories"
)

// Registry bundles the Firestore repositories behind one provider.
type Registry struct {
	provider    *pfirestore.Provider
	vendors     *VendorRepository
	stockpiles  *StockpileRepository
	disclaimers *DisclaimerRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository against provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	vendors, err := NewVendorRepository(provider)
	if err != nil {
		return nil, err
	}
	stockpiles, err := NewStockpileRepository(provider)
	if err != nil {
		return nil, err
	}
	disclaimers, err := NewDisclaimerRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:    provider,
		vendors:     vendors,
		stockpiles:  stockpiles,
		disclaimers: disclaimers,
	}, nil
}

func (r *Registry) Vendors() repositories.VendorRepository { return r.vendors }

func (r *Registry) Stockpiles() repositories.StockpileSessionRepository { return r.stockpiles }

func (r *Registry) Disclaimers() repositories.DisclaimerRepository { return r.disclaimers }

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}
