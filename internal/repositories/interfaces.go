package repositories

import (
	"context"

	domain "github.com/pilemarket/checkout/internal/domain"
)

// Registry exposes the stores checkout reads from.
type Registry interface {
	Close(ctx context.Context) error

	Vendors() VendorRepository
	Stockpiles() StockpileSessionRepository
	Disclaimers() DisclaimerRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// VendorRepository loads vendor profiles.
type VendorRepository interface {
	GetVendor(ctx context.Context, vendorID string) (domain.Vendor, error)
}

// StockpileSessionRepository looks up the shopper's open stockpile with a vendor. It returns nil, nil
// when no active session exists.
type StockpileSessionRepository interface {
	FindActiveStockpile(ctx context.Context, vendorID, userID string) (*domain.StockpileSession, error)
}

// DisclaimerRepository persists the "promotional disclaimer shown" flag per user.
type DisclaimerRepository interface {
	DisclaimerShown(ctx context.Context, userID string) (bool, error)
	MarkDisclaimerShown(ctx context.Context, userID string) error
}

// HealthRepository collects dependency readiness.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.ReadinessReport, error)
}
