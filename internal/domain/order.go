package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderRequest is the payload sent to the pricing oracle for both previews and submissions.
type OrderRequest struct {
	VendorID          string
	CartItems         []CartLineItem
	CartHash          string
	User              UserInfo
	Preview           bool
	ShareOnly         bool
	IsRepiling        bool
	IsStockpile       bool
	IsPickup          bool
	StockpileDuration *int
	DeliveryNote      string
	Note              string
	WalletID          string
	// Sequence is the reconciler's issue number; the oracle echoes nothing back, it is used for logging only.
	Sequence uint64
}

// SubmitResult is the pricing oracle response to a non-preview order request.
type SubmitResult struct {
	Success          bool
	AuthorizationURL string
	ShareURL         string
	ExpiresAt        *time.Time
	Message          string
	Code             string
}

// TriviaQuestionRequest starts a trivia round with the reward oracle.
type TriviaQuestionRequest struct {
	VendorID   string
	OrderValue decimal.Decimal
	CartHash   string
}

// TriviaAnswerRequest submits an answer; a nil Answer means the question timed out.
type TriviaAnswerRequest struct {
	VendorID   string
	QuestionID string
	Answer     *string
	OrderValue decimal.Decimal
	CartHash   string
}

// TriviaAnswerResult is the reward oracle verdict.
type TriviaAnswerResult struct {
	Success bool
	Reward  *Reward
	Message string
}
