package handlers

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pilemarket/checkout/internal/services"
)

type sessionPayload struct {
	ID                string              `json:"id"`
	Vendor            vendorPayload       `json:"vendor"`
	CartItems         []cartItemPayload   `json:"cartItems"`
	Fingerprint       string              `json:"cartHash"`
	UserInfo          userInfoPayload     `json:"userInfo"`
	Mode              string              `json:"mode"`
	DeliveryMode      string              `json:"deliveryMode,omitempty"`
	IsPickup          bool                `json:"isPickup"`
	StockpileWeeks    *int                `json:"stockpileWeeks,omitempty"`
	MaxStockpileWeeks int                 `json:"maxStockpileWeeks"`
	AlreadyStockpiled bool                `json:"alreadyStockpiled"`
	ActiveStockpile   *stockpilePayload   `json:"activeStockpile,omitempty"`
	Payment           string              `json:"payment,omitempty"`
	WalletID          string              `json:"walletId,omitempty"`
	DeliveryNote      string              `json:"deliveryNote,omitempty"`
	Note              string              `json:"note,omitempty"`
	PricedOrder       pricedOrderPayload  `json:"pricedOrder"`
	PreviewSequence   uint64              `json:"previewSequence"`
	PricingError      string              `json:"pricingError,omitempty"`
	SubmitError       string              `json:"submitError,omitempty"`
	CanSubmit         bool                `json:"canSubmit"`
	Blockers          []string            `json:"blockers"`
	Awaiting          bool                `json:"awaitingSubmission"`
	Terminal          string              `json:"terminal,omitempty"`
	Dispatch          *dispatchPayload    `json:"dispatch,omitempty"`
	PaymentLink       *paymentLinkPayload `json:"paymentLink,omitempty"`
	Trivia            triviaPayload       `json:"trivia"`
	CreatedAt         string              `json:"createdAt"`
	UpdatedAt         string              `json:"updatedAt"`
}

type vendorPayload struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	State            string `json:"state"`
	DeliveryOption   string `json:"deliveryOption"`
	StockpileEnabled bool   `json:"stockpileEnabled"`
}

type cartItemPayload struct {
	ProductID    string          `json:"productId"`
	SubProductID *string         `json:"subProductId,omitempty"`
	Variant      *variantPayload `json:"variant,omitempty"`
	Quantity     int             `json:"quantity"`
	UnitPrice    string          `json:"unitPrice"`
}

type userInfoPayload struct {
	Name    string   `json:"name,omitempty"`
	Email   string   `json:"email,omitempty"`
	Phone   string   `json:"phone,omitempty"`
	Address string   `json:"address,omitempty"`
	State   string   `json:"state,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

type stockpilePayload struct {
	ID            string `json:"id"`
	DurationWeeks int    `json:"durationWeeks"`
	CreatedAt     string `json:"createdAt,omitempty"`
}

type pricedOrderPayload struct {
	Subtotal       *string `json:"subtotal"`
	BookingFee     *string `json:"bookingFee"`
	ServiceFee     *string `json:"serviceFee"`
	DeliveryCharge *string `json:"deliveryCharge"`
	Total          *string `json:"total"`
	Discount       string  `json:"discount"`
	FreeServiceFee bool    `json:"freeServiceFee"`
	FreeShipping   bool    `json:"freeShipping"`
}

type dispatchPayload struct {
	Route            string `json:"route"`
	Outcome          string `json:"outcome"`
	AuthorizationURL string `json:"authorizationUrl,omitempty"`
	ShareURL         string `json:"shareUrl,omitempty"`
	ExpiresAt        string `json:"expiresAt,omitempty"`
	Message          string `json:"message,omitempty"`
}

type paymentLinkPayload struct {
	URL              string `json:"url"`
	ExpiresAt        string `json:"expiresAt,omitempty"`
	RemainingSeconds int64  `json:"remainingSeconds"`
	Expired          bool   `json:"expired"`
}

type triviaPayload struct {
	Enabled       bool                  `json:"enabled"`
	RewardClaimed bool                  `json:"rewardClaimed"`
	RewardPending bool                  `json:"rewardPending"`
	Round         *roundPayload         `json:"round,omitempty"`
	LastOutcome   *rewardOutcomePayload `json:"lastOutcome,omitempty"`
}

type roundPayload struct {
	QuestionID     string                `json:"questionId,omitempty"`
	Question       string                `json:"question,omitempty"`
	Options        []string              `json:"options,omitempty"`
	Phase          string                `json:"phase"`
	StartsInMS     int64                 `json:"startsInMs"`
	RemainingMS    int64                 `json:"remainingMs"`
	ShowDisclaimer bool                  `json:"showDisclaimer"`
	Outcome        *rewardOutcomePayload `json:"outcome,omitempty"`
}

type rewardOutcomePayload struct {
	Granted  bool           `json:"granted"`
	Reward   *rewardPayload `json:"reward,omitempty"`
	Message  string         `json:"message,omitempty"`
	TimedOut bool           `json:"timedOut,omitempty"`
}

type rewardPayload struct {
	Type            string  `json:"type"`
	DiscountPercent *string `json:"discountPercent,omitempty"`
}

func newSessionPayload(view services.CheckoutSessionView) sessionPayload {
	out := sessionPayload{
		ID: view.ID,
		Vendor: vendorPayload{
			ID:               view.Vendor.ID,
			Name:             view.Vendor.Name,
			State:            view.Vendor.State,
			DeliveryOption:   string(view.Vendor.Capability),
			StockpileEnabled: view.Vendor.StockpileEnabled,
		},
		CartItems:         make([]cartItemPayload, 0, len(view.Items)),
		Fingerprint:       view.Fingerprint,
		UserInfo:          newUserInfoPayload(view.User),
		Mode:              string(view.Mode),
		DeliveryMode:      string(view.DeliveryMode),
		IsPickup:          view.IsPickup,
		StockpileWeeks:    view.StockpileWeeks,
		MaxStockpileWeeks: view.MaxStockpileWeeks,
		AlreadyStockpiled: view.AlreadyStockpiled,
		Payment:           string(view.Payment),
		WalletID:          view.WalletID,
		DeliveryNote:      view.DeliveryNote,
		Note:              view.Note,
		PricedOrder: pricedOrderPayload{
			Subtotal:       money(view.Priced.Subtotal),
			BookingFee:     money(view.Priced.BookingFee),
			ServiceFee:     money(view.Priced.ServiceFee),
			DeliveryCharge: money(view.Priced.DeliveryCharge),
			Total:          money(view.Priced.Total),
			Discount:       view.Priced.Discount.StringFixed(2),
			FreeServiceFee: view.Priced.FreeServiceFee,
			FreeShipping:   view.Priced.FreeShipping,
		},
		PreviewSequence: view.PreviewSequence,
		PricingError:    view.PricingError,
		SubmitError:     view.SubmitError,
		CanSubmit:       view.CanSubmit,
		Blockers:        append([]string{}, view.Blockers...),
		Awaiting:        view.Awaiting,
		Terminal:        string(view.Terminal),
		Trivia: triviaPayload{
			Enabled:       view.Trivia.Enabled,
			RewardClaimed: view.Trivia.RewardClaimed,
			RewardPending: view.Trivia.RewardPending,
		},
		CreatedAt: formatTime(view.CreatedAt),
		UpdatedAt: formatTime(view.UpdatedAt),
	}
	for _, item := range view.Items {
		line := cartItemPayload{
			ProductID:    item.ProductID,
			SubProductID: item.SubProductID,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice.StringFixed(2),
		}
		if item.Variant != nil {
			line.Variant = &variantPayload{Color: item.Variant.Color, Size: item.Variant.Size}
		}
		out.CartItems = append(out.CartItems, line)
	}
	if pile := view.ActiveStockpile; pile != nil {
		out.ActiveStockpile = &stockpilePayload{
			ID:            pile.ID,
			DurationWeeks: pile.DurationWeeks,
			CreatedAt:     formatTime(pile.CreatedAt),
		}
	}
	if d := view.Dispatch; d != nil {
		out.Dispatch = &dispatchPayload{
			Route:            string(d.Route),
			Outcome:          string(d.Outcome),
			AuthorizationURL: d.AuthorizationURL,
			ShareURL:         d.ShareURL,
			Message:          d.Message,
		}
		if d.ExpiresAt != nil {
			out.Dispatch.ExpiresAt = formatTime(*d.ExpiresAt)
		}
	}
	if link := view.PaymentLink; link != nil {
		out.PaymentLink = &paymentLinkPayload{
			URL:              link.URL,
			RemainingSeconds: int64(link.Remaining / time.Second),
			Expired:          link.Expired,
		}
		if link.ExpiresAt != nil {
			out.PaymentLink.ExpiresAt = formatTime(*link.ExpiresAt)
		}
	}
	if round := view.Trivia.Round; round != nil {
		out.Trivia.Round = &roundPayload{
			QuestionID:     round.QuestionID,
			Question:       round.Question,
			Options:        append([]string(nil), round.Options...),
			Phase:          string(round.Phase),
			StartsInMS:     round.StartsIn.Milliseconds(),
			RemainingMS:    round.Remaining.Milliseconds(),
			ShowDisclaimer: round.ShowDisclaimer,
		}
		if round.Outcome != nil {
			outcome := newRewardOutcomePayload(*round.Outcome)
			out.Trivia.Round.Outcome = &outcome
		}
	}
	if last := view.Trivia.LastOutcome; last != nil {
		outcome := newRewardOutcomePayload(*last)
		out.Trivia.LastOutcome = &outcome
	}
	return out
}

func newUserInfoPayload(user services.UserInfo) userInfoPayload {
	out := userInfoPayload{
		Name:    user.Name,
		Email:   user.Email,
		Phone:   user.Phone,
		Address: user.Address,
		State:   user.State,
	}
	if user.Location != nil {
		lat, lng := user.Location.Lat, user.Location.Lng
		out.Lat = &lat
		out.Lng = &lng
	}
	return out
}

func newRewardOutcomePayload(outcome services.RewardOutcome) rewardOutcomePayload {
	out := rewardOutcomePayload{
		Granted:  outcome.Granted,
		Message:  outcome.Message,
		TimedOut: outcome.TimedOut,
	}
	if outcome.Reward != nil {
		out.Reward = &rewardPayload{Type: string(outcome.Reward.Type)}
		if pct := outcome.Reward.DiscountPercent; pct != nil {
			value := pct.String()
			out.Reward.DiscountPercent = &value
		}
	}
	return out
}

func money(value decimal.NullDecimal) *string {
	if !value.Valid {
		return nil
	}
	out := value.Decimal.StringFixed(2)
	return &out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
