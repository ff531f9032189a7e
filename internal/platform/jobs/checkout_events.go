package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/pilemarket/checkout/internal/services"
)

// checkoutEventMessage is the JSON body published for each checkout lifecycle event.
type checkoutEventMessage struct {
	SessionID   string    `json:"sessionId"`
	VendorID    string    `json:"vendorId"`
	UserID      string    `json:"userId,omitempty"`
	Kind        string    `json:"kind"`
	Mode        string    `json:"mode"`
	Payment     string    `json:"payment,omitempty"`
	CartHash    string    `json:"cartHash,omitempty"`
	Total       string    `json:"total,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
}

// PubSubCheckoutPublisher publishes checkout events to a Pub/Sub topic.
type PubSubCheckoutPublisher struct {
	topic *pubsub.Topic
	now   func() time.Time
}

// NewPubSubCheckoutPublisher wraps topic. Message ordering is enabled so events for one session
// arrive in publish order.
func NewPubSubCheckoutPublisher(topic *pubsub.Topic) (*PubSubCheckoutPublisher, error) {
	if topic == nil {
		return nil, errors.New("checkout publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubCheckoutPublisher{topic: topic, now: time.Now}, nil
}

// PublishCheckoutEvent blocks until Pub/Sub acknowledges the message and returns its server id.
func (p *PubSubCheckoutPublisher) PublishCheckoutEvent(ctx context.Context, event services.CheckoutEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("checkout publisher: not initialised")
	}
	data, err := json.Marshal(checkoutEventMessage{
		SessionID:   event.SessionID,
		VendorID:    event.VendorID,
		UserID:      event.UserID,
		Kind:        event.Kind,
		Mode:        string(event.Mode),
		Payment:     string(event.Payment),
		CartHash:    event.Fingerprint,
		Total:       event.Total,
		PublishedAt: p.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal checkout event: %w", err)
	}

	attrs := map[string]string{"kind": event.Kind}
	if vendor := strings.TrimSpace(event.VendorID); vendor != "" {
		attrs["vendorId"] = vendor
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: event.SessionID,
	})
	id, err := result.Get(ctx)
	if err != nil {
		p.topic.ResumePublish(event.SessionID)
		return "", fmt.Errorf("publish checkout event: %w", err)
	}
	return id, nil
}
