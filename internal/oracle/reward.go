package oracle

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/pilemarket/checkout/internal/domain"
)

type questionRequestPayload struct {
	VendorID   string          `json:"vendorId"`
	OrderValue decimal.Decimal `json:"orderValue"`
	CartHash   string          `json:"cartHash"`
}

type questionPayload struct {
	QuestionID string   `json:"questionId"`
	Question   string   `json:"question"`
	Options    []string `json:"options"`
}

type answerRequestPayload struct {
	VendorID   string          `json:"vendorId"`
	QuestionID string          `json:"questionId"`
	Answer     *string         `json:"answer"`
	OrderValue decimal.Decimal `json:"orderValue"`
	CartHash   string          `json:"cartHash"`
}

type answerPayload struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Reward  *rewardPayload `json:"reward"`
}

type rewardPayload struct {
	Type            string              `json:"type"`
	DiscountPercent decimal.NullDecimal `json:"discountPercent"`
}

// FetchQuestion starts a trivia round with playTrivia.
func (c *Client) FetchQuestion(ctx context.Context, req domain.TriviaQuestionRequest) (domain.TriviaQuestion, error) {
	var out questionPayload
	err := c.post(ctx, c.rewardURL, "playTrivia", questionRequestPayload{
		VendorID:   req.VendorID,
		OrderValue: req.OrderValue,
		CartHash:   req.CartHash,
	}, &out, nil, attribute.String("checkout.vendor_id", req.VendorID))
	if err != nil {
		return domain.TriviaQuestion{}, err
	}
	return domain.TriviaQuestion{
		ID:      strings.TrimSpace(out.QuestionID),
		Text:    strings.TrimSpace(out.Question),
		Options: out.Options,
	}, nil
}

// SubmitAnswer sends the shopper's answer; a nil answer reports a timed-out question.
func (c *Client) SubmitAnswer(ctx context.Context, req domain.TriviaAnswerRequest) (domain.TriviaAnswerResult, error) {
	var out answerPayload
	err := c.post(ctx, c.rewardURL, "playTrivia", answerRequestPayload{
		VendorID:   req.VendorID,
		QuestionID: req.QuestionID,
		Answer:     req.Answer,
		OrderValue: req.OrderValue,
		CartHash:   req.CartHash,
	}, &out, nil,
		attribute.String("checkout.vendor_id", req.VendorID),
		attribute.String("trivia.question_id", req.QuestionID),
		attribute.Bool("trivia.timed_out", req.Answer == nil),
	)
	if err != nil {
		return domain.TriviaAnswerResult{}, err
	}
	result := domain.TriviaAnswerResult{Success: out.Success, Message: strings.TrimSpace(out.Message)}
	if out.Reward != nil {
		if reward, ok := toReward(*out.Reward); ok {
			result.Reward = &reward
		}
	}
	return result, nil
}

func toReward(p rewardPayload) (domain.Reward, bool) {
	reward := domain.Reward{Type: domain.RewardType(strings.ToUpper(strings.TrimSpace(p.Type)))}
	switch reward.Type {
	case domain.RewardFreeShipping, domain.RewardFreeDelivery, domain.RewardNoServiceFee:
	case domain.RewardDiscount:
		if !p.DiscountPercent.Valid {
			return domain.Reward{}, false
		}
		pct := p.DiscountPercent.Decimal
		reward.DiscountPercent = &pct
	default:
		return domain.Reward{}, false
	}
	return reward, true
}
