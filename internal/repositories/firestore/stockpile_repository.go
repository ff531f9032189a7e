package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/pilemarket/checkout/internal/domain"
	pfirestore "github.com/pilemarket/checkout/internal/platform/firestore"
	"github.com/pilemarket/checkout/internal/repositories"
)

const stockpileCollection = "stockpiles"

// StockpileRepository looks up open stockpile sessions.
type StockpileRepository struct {
	base *pfirestore.BaseRepository[domain.StockpileSession]
}

var _ repositories.StockpileSessionRepository = (*StockpileRepository)(nil)

// NewStockpileRepository constructs a Firestore-backed stockpile repository.
func NewStockpileRepository(provider *pfirestore.Provider) (*StockpileRepository, error) {
	base, err := pfirestore.NewBaseRepository[domain.StockpileSession](provider, stockpileCollection, decodeStockpile)
	if err != nil {
		return nil, err
	}
	return &StockpileRepository{base: base}, nil
}

// FindActiveStockpile returns the shopper's active pile with the vendor, or nil when there is none.
func (r *StockpileRepository) FindActiveStockpile(ctx context.Context, vendorID, userID string) (*domain.StockpileSession, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("stockpile repository not initialised")
	}
	vendorID = strings.TrimSpace(vendorID)
	userID = strings.TrimSpace(userID)
	if vendorID == "" || userID == "" {
		return nil, errors.New("vendor id and user id are required")
	}
	sessions, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("vendorId", "==", vendorID).
			Where("userId", "==", userID).
			Where("isActive", "==", true).
			Limit(1)
	})
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	session := sessions[0]
	return &session, nil
}

type stockpileDocument struct {
	VendorID      string    `firestore:"vendorId"`
	UserID        string    `firestore:"userId"`
	IsActive      bool      `firestore:"isActive"`
	DurationWeeks int       `firestore:"durationWeeks"`
	CreatedAt     time.Time `firestore:"createdAt"`
}

func decodeStockpile(snap *firestore.DocumentSnapshot) (domain.StockpileSession, error) {
	var doc stockpileDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.StockpileSession{}, err
	}
	session := doc.toDomain(snap.Ref.ID)
	if session.CreatedAt.IsZero() {
		session.CreatedAt = snap.CreateTime
	}
	return session, nil
}

func (d stockpileDocument) toDomain(id string) domain.StockpileSession {
	return domain.StockpileSession{
		ID:            id,
		VendorID:      strings.TrimSpace(d.VendorID),
		UserID:        strings.TrimSpace(d.UserID),
		IsActive:      d.IsActive,
		DurationWeeks: d.DurationWeeks,
		CreatedAt:     d.CreatedAt.UTC(),
	}
}
