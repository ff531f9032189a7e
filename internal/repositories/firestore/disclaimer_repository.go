package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/pilemarket/checkout/internal/platform/firestore"
	"github.com/pilemarket/checkout/internal/repositories"
)

const (
	userFlagsPath       = "users/%s/flags"
	promoDisclaimerFlag = "promoDisclaimer"
)

// DisclaimerRepository stores the promotional disclaimer flag under users/{uid}/flags.
type DisclaimerRepository struct {
	base *pfirestore.BaseRepository[flagDocument]
	now  func() time.Time
}

var _ repositories.DisclaimerRepository = (*DisclaimerRepository)(nil)

// NewDisclaimerRepository constructs a Firestore-backed disclaimer repository.
func NewDisclaimerRepository(provider *pfirestore.Provider) (*DisclaimerRepository, error) {
	base, err := pfirestore.NewBaseRepository[flagDocument](provider, userFlagsPath, nil)
	if err != nil {
		return nil, err
	}
	return &DisclaimerRepository{base: base, now: time.Now}, nil
}

// DisclaimerShown reports whether the disclaimer was already shown. A missing flag document means no.
func (r *DisclaimerRepository) DisclaimerShown(ctx context.Context, userID string) (bool, error) {
	userID, err := r.validate(userID)
	if err != nil {
		return false, err
	}
	doc, err := r.base.Get(ctx, promoDisclaimerFlag, userID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return false, nil
		}
		return false, err
	}
	return doc.Shown, nil
}

// MarkDisclaimerShown records the flag, merging into any existing document.
func (r *DisclaimerRepository) MarkDisclaimerShown(ctx context.Context, userID string) error {
	userID, err := r.validate(userID)
	if err != nil {
		return err
	}
	data := map[string]any{
		"shown":   true,
		"shownAt": r.now().UTC(),
	}
	return r.base.Set(ctx, promoDisclaimerFlag, data, []firestore.SetOption{firestore.MergeAll}, userID)
}

func (r *DisclaimerRepository) validate(userID string) (string, error) {
	if r == nil || r.base == nil {
		return "", errors.New("disclaimer repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.Contains(userID, "/") {
		return "", errors.New("valid user id is required")
	}
	return userID, nil
}

type flagDocument struct {
	Shown   bool      `firestore:"shown"`
	ShownAt time.Time `firestore:"shownAt"`
}
