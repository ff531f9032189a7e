package services

import (
	"context"

	domain "github.com/pilemarket/checkout/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	CartLineItem          = domain.CartLineItem
	VariantAttributes     = domain.VariantAttributes
	PricedOrder           = domain.PricedOrder
	PartialPricedOrder    = domain.PartialPricedOrder
	PreviewMode           = domain.PreviewMode
	CheckoutMode          = domain.CheckoutMode
	DeliveryModeSelection = domain.DeliveryModeSelection
	VendorCapability      = domain.VendorCapability
	PaymentSelection      = domain.PaymentSelection
	Vendor                = domain.Vendor
	StockpileSession      = domain.StockpileSession
	UserInfo              = domain.UserInfo
	LatLng                = domain.LatLng
	Reward                = domain.Reward
	RewardType            = domain.RewardType
	TriviaQuestion        = domain.TriviaQuestion
	OrderRequest          = domain.OrderRequest
)

// PricingOracle computes authoritative order previews.
type PricingOracle interface {
	Preview(ctx context.Context, req OrderRequest) (PartialPricedOrder, error)
}

// RewardOracle serves trivia questions and judges answers.
type RewardOracle interface {
	FetchQuestion(ctx context.Context, req domain.TriviaQuestionRequest) (TriviaQuestion, error)
	SubmitAnswer(ctx context.Context, req domain.TriviaAnswerRequest) (domain.TriviaAnswerResult, error)
}

// VendorDirectory loads vendor profile data.
type VendorDirectory interface {
	GetVendor(ctx context.Context, vendorID string) (Vendor, error)
}

// StockpileLookup finds the shopper's open stockpile session with a vendor, if any.
type StockpileLookup interface {
	FindActiveStockpile(ctx context.Context, vendorID, userID string) (*StockpileSession, error)
}

// DisclaimerStore persists whether the promotional disclaimer has been shown to a user.
type DisclaimerStore interface {
	DisclaimerShown(ctx context.Context, userID string) (bool, error)
	MarkDisclaimerShown(ctx context.Context, userID string) error
}

// CheckoutEvent is published when a checkout session ends.
type CheckoutEvent struct {
	SessionID   string
	VendorID    string
	UserID      string
	Kind        string
	Mode        CheckoutMode
	Payment     PaymentSelection
	Fingerprint string
	Total       string
}

// Checkout event kinds.
const (
	CheckoutEventOrderSubmitted = "order_submitted"
	CheckoutEventLinkGenerated  = "link_generated"
	CheckoutEventAbandoned      = "abandoned"
)

// CheckoutEventPublisher forwards checkout lifecycle events to downstream consumers.
type CheckoutEventPublisher interface {
	PublishCheckoutEvent(ctx context.Context, event CheckoutEvent) (string, error)
}

// Reward types re-exported for service callers.
const (
	RewardTypeDiscount     = domain.RewardDiscount
	RewardTypeFreeShipping = domain.RewardFreeShipping
	RewardTypeFreeDelivery = domain.RewardFreeDelivery
	RewardTypeNoServiceFee = domain.RewardNoServiceFee
)

// CheckoutSessions is the session API consumed by the HTTP layer.
type CheckoutSessions interface {
	Create(ctx context.Context, in CreateSessionInput) (CheckoutSessionView, error)
	Get(ctx context.Context, sessionID, userID string) (CheckoutSessionView, error)
	Abandon(ctx context.Context, sessionID, userID string) error
	UpdateCart(ctx context.Context, sessionID, userID string, items []CartLineItem) (CheckoutSessionView, error)
	UpdateUser(ctx context.Context, sessionID, userID string, user UserInfo) (CheckoutSessionView, error)
	EnterStockpile(ctx context.Context, sessionID, userID string) (CheckoutSessionView, error)
	ExitStockpile(ctx context.Context, sessionID, userID string) (CheckoutSessionView, error)
	ContinueRepile(ctx context.Context, sessionID, userID string) (CheckoutSessionView, error)
	CancelRepile(ctx context.Context, sessionID, userID string) (CheckoutSessionView, error)
	SelectDeliveryMode(ctx context.Context, sessionID, userID string, selection DeliveryModeSelection) (CheckoutSessionView, error)
	SelectWeeks(ctx context.Context, sessionID, userID string, weeks int) (CheckoutSessionView, error)
	SelectPayment(ctx context.Context, sessionID, userID string, payment PaymentSelection, walletID string) (CheckoutSessionView, error)
	UpdateNotes(ctx context.Context, sessionID, userID, deliveryNote, note string) (CheckoutSessionView, error)
	RefreshPreview(ctx context.Context, sessionID, userID string) (CheckoutSessionView, error)
	StartTrivia(ctx context.Context, sessionID, userID string) (CheckoutSessionView, error)
	AnswerTrivia(ctx context.Context, sessionID, userID, answer string) (RewardOutcome, CheckoutSessionView, error)
	Submit(ctx context.Context, sessionID, userID string) (CheckoutSessionView, error)
}
