package memory

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	domain "github.com/pilemarket/checkout/internal/domain"
	"github.com/pilemarket/checkout/internal/repositories"
)

//go:embed seed.yaml
var defaultSeed []byte

// Error satisfies repositories.RepositoryError for in-memory lookups.
type Error struct {
	op       string
	notFound bool
}

func (e *Error) Error() string {
	if e.notFound {
		return e.op + ": not found"
	}
	return e.op + ": failed"
}

func (e *Error) IsNotFound() bool    { return e != nil && e.notFound }
func (e *Error) IsConflict() bool    { return false }
func (e *Error) IsUnavailable() bool { return false }

// Store keeps vendors, stockpile sessions and disclaimer flags in memory. It backs local development
// and tests, and is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	vendors     map[string]domain.Vendor
	stockpiles  map[string]domain.StockpileSession
	disclaimers map[string]bool
}

var (
	_ repositories.Registry                   = (*Store)(nil)
	_ repositories.VendorRepository           = (*Store)(nil)
	_ repositories.StockpileSessionRepository = (*Store)(nil)
	_ repositories.DisclaimerRepository       = (*Store)(nil)
)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		vendors:     make(map[string]domain.Vendor),
		stockpiles:  make(map[string]domain.StockpileSession),
		disclaimers: make(map[string]bool),
	}
}

// NewSeededStore returns a store loaded with the embedded demo vendors.
func NewSeededStore() (*Store, error) {
	store := NewStore()
	if err := store.LoadSeed(defaultSeed); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) Vendors() repositories.VendorRepository { return s }

func (s *Store) Stockpiles() repositories.StockpileSessionRepository { return s }

func (s *Store) Disclaimers() repositories.DisclaimerRepository { return s }

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

// PutVendor inserts or replaces a vendor.
func (s *Store) PutVendor(vendor domain.Vendor) error {
	id := strings.TrimSpace(vendor.ID)
	if id == "" {
		return errors.New("memory store: vendor id is required")
	}
	vendor.ID = id
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vendors[id] = vendor
	return nil
}

// PutStockpile inserts or replaces a stockpile session.
func (s *Store) PutStockpile(session domain.StockpileSession) error {
	id := strings.TrimSpace(session.ID)
	if id == "" {
		return errors.New("memory store: stockpile id is required")
	}
	session.ID = id
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stockpiles[id] = session
	return nil
}

func (s *Store) GetVendor(_ context.Context, vendorID string) (domain.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vendor, ok := s.vendors[strings.TrimSpace(vendorID)]
	if !ok {
		return domain.Vendor{}, &Error{op: "memory.vendors.get", notFound: true}
	}
	return vendor, nil
}

// FindActiveStockpile returns the oldest active session for the pair, or nil when there is none.
func (s *Store) FindActiveStockpile(_ context.Context, vendorID, userID string) (*domain.StockpileSession, error) {
	vendorID = strings.TrimSpace(vendorID)
	userID = strings.TrimSpace(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []domain.StockpileSession
	for _, session := range s.stockpiles {
		if session.IsActive && session.VendorID == vendorID && session.UserID == userID {
			matches = append(matches, session)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	found := matches[0]
	return &found, nil
}

func (s *Store) DisclaimerShown(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disclaimers[strings.TrimSpace(userID)], nil
}

func (s *Store) MarkDisclaimerShown(_ context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("memory store: user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disclaimers[userID] = true
	return nil
}

type seedFile struct {
	Vendors []struct {
		ID               string `yaml:"id"`
		Name             string `yaml:"name"`
		State            string `yaml:"state"`
		DeliveryOption   string `yaml:"deliveryOption"`
		StockpileEnabled bool   `yaml:"stockpileEnabled"`
	} `yaml:"vendors"`
	Stockpiles []struct {
		ID            string    `yaml:"id"`
		VendorID      string    `yaml:"vendorId"`
		UserID        string    `yaml:"userId"`
		DurationWeeks int       `yaml:"durationWeeks"`
		CreatedAt     time.Time `yaml:"createdAt"`
	} `yaml:"stockpiles"`
}

// LoadSeed adds the vendors and active stockpiles described by a YAML document.
func (s *Store) LoadSeed(data []byte) error {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("memory store: parse seed: %w", err)
	}
	for _, v := range file.Vendors {
		capability := domain.VendorCapability(strings.TrimSpace(v.DeliveryOption))
		switch capability {
		case domain.VendorCapabilityDelivery, domain.VendorCapabilityPickup, domain.VendorCapabilityDeliveryAndPickup:
		case "":
			capability = domain.VendorCapabilityDelivery
		default:
			return fmt.Errorf("memory store: vendor %s: unknown delivery option %q", v.ID, v.DeliveryOption)
		}
		if err := s.PutVendor(domain.Vendor{
			ID:               v.ID,
			Name:             v.Name,
			State:            v.State,
			Capability:       capability,
			StockpileEnabled: v.StockpileEnabled,
		}); err != nil {
			return err
		}
	}
	for _, p := range file.Stockpiles {
		if err := s.PutStockpile(domain.StockpileSession{
			ID:            p.ID,
			VendorID:      p.VendorID,
			UserID:        p.UserID,
			IsActive:      true,
			DurationWeeks: p.DurationWeeks,
			CreatedAt:     p.CreatedAt.UTC(),
		}); err != nil {
			return err
		}
	}
	return nil
}
