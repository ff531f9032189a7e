package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/pilemarket/checkout/internal/domain"
)

// Outcome enumerates how a dispatched order left the checkout.
type Outcome string

const (
	// OutcomeRedirect indicates the shopper must complete payment at the gateway URL.
	OutcomeRedirect Outcome = "redirect"
	// OutcomeOrderSubmitted indicates the order was paid and placed without further action.
	OutcomeOrderSubmitted Outcome = "order_submitted"
	// OutcomeLinkGenerated indicates a share-to-pay link was created; nothing was collected yet.
	OutcomeLinkGenerated Outcome = "link_generated"
)

const insufficientFundsCode = "INSUFFICIENT_FUNDS"

var (
	// ErrUnsupportedPayment is returned when no route is registered for the payment selection.
	ErrUnsupportedPayment = errors.New("payments: unsupported payment selection")
	// ErrWalletRequired is returned when a wallet payment has no wallet id.
	ErrWalletRequired = errors.New("payments: wallet id is required")
)

// InsufficientFundsError signals that the shopper's wallet cannot cover the order. The cart is kept.
type InsufficientFundsError struct {
	WalletID string
	Message  string
}

// Error implements the error interface.
func (e *InsufficientFundsError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return "payments: insufficient wallet funds: " + e.Message
	}
	return "payments: insufficient wallet funds"
}

// RejectedError reports an order the pricing oracle refused to place.
type RejectedError struct {
	Route   domain.PaymentSelection
	Code    string
	Message string
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "order rejected"
	}
	if e.Code != "" {
		return fmt.Sprintf("payments: %s: %s (%s)", e.Route, msg, e.Code)
	}
	return fmt.Sprintf("payments: %s: %s", e.Route, msg)
}

// OrderSubmitter places orders through the pricing oracle's non-preview path.
type OrderSubmitter interface {
	Submit(ctx context.Context, req domain.OrderRequest) (domain.SubmitResult, error)
}

// DispatchResult describes the dispatched order.
type DispatchResult struct {
	Route            domain.PaymentSelection
	Outcome          Outcome
	AuthorizationURL string
	ShareURL         string
	ExpiresAt        *time.Time
	Message          string
}

// Route sends an order down one payment path.
type Route interface {
	Dispatch(ctx context.Context, submitter OrderSubmitter, order domain.OrderRequest) (DispatchResult, error)
}

// RouteFunc adapts a function to the Route interface.
type RouteFunc func(ctx context.Context, submitter OrderSubmitter, order domain.OrderRequest) (DispatchResult, error)

// Dispatch implements Route.
func (f RouteFunc) Dispatch(ctx context.Context, submitter OrderSubmitter, order domain.OrderRequest) (DispatchResult, error) {
	return f(ctx, submitter, order)
}

// Dispatcher selects the route for a payment selection and exposes a single entry point.
type Dispatcher struct {
	submitter OrderSubmitter
	routes    map[domain.PaymentSelection]Route
}

// DispatcherOption configures optional behaviour when building a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRoute registers or replaces the route for a payment selection.
func WithRoute(selection domain.PaymentSelection, route Route) DispatcherOption {
	return func(d *Dispatcher) {
		key := domain.PaymentSelection(strings.ToLower(strings.TrimSpace(string(selection))))
		if key == "" {
			return
		}
		if route == nil {
			delete(d.routes, key)
			return
		}
		d.routes[key] = route
	}
}

// NewDispatcher constructs a Dispatcher with the paystack, wallet and share routes registered.
func NewDispatcher(submitter OrderSubmitter, opts ...DispatcherOption) (*Dispatcher, error) {
	if submitter == nil {
		return nil, errors.New("payments: order submitter is required")
	}
	d := &Dispatcher{
		submitter: submitter,
		routes: map[domain.PaymentSelection]Route{
			domain.PaymentPaystack: RouteFunc(dispatchPaystack),
			domain.PaymentWallet:   RouteFunc(dispatchWallet),
			domain.PaymentShare:    RouteFunc(dispatchShare),
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	if len(d.routes) == 0 {
		return nil, errors.New("payments: at least one route is required")
	}
	return d, nil
}

// Dispatch submits the order through the route for selection.
func (d *Dispatcher) Dispatch(ctx context.Context, selection domain.PaymentSelection, order domain.OrderRequest) (DispatchResult, error) {
	if d == nil {
		return DispatchResult{}, errors.New("payments: dispatcher is nil")
	}
	key := domain.PaymentSelection(strings.ToLower(strings.TrimSpace(string(selection))))
	route, ok := d.routes[key]
	if !ok {
		return DispatchResult{}, fmt.Errorf("%w: %q", ErrUnsupportedPayment, selection)
	}
	order.Preview = false
	result, err := route.Dispatch(ctx, d.submitter, order)
	if err != nil {
		return DispatchResult{}, err
	}
	result.Route = key
	return result, nil
}

func dispatchPaystack(ctx context.Context, submitter OrderSubmitter, order domain.OrderRequest) (DispatchResult, error) {
	order.ShareOnly = false
	order.WalletID = ""
	res, err := submitter.Submit(ctx, order)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("payments: paystack submit: %w", err)
	}
	if !res.Success {
		return DispatchResult{}, &RejectedError{Route: domain.PaymentPaystack, Code: res.Code, Message: res.Message}
	}
	url := strings.TrimSpace(res.AuthorizationURL)
	if url == "" {
		return DispatchResult{}, &RejectedError{Route: domain.PaymentPaystack, Message: "missing authorization url"}
	}
	return DispatchResult{Outcome: OutcomeRedirect, AuthorizationURL: url, Message: res.Message}, nil
}

func dispatchWallet(ctx context.Context, submitter OrderSubmitter, order domain.OrderRequest) (DispatchResult, error) {
	order.ShareOnly = false
	order.WalletID = strings.TrimSpace(order.WalletID)
	if order.WalletID == "" {
		return DispatchResult{}, ErrWalletRequired
	}
	res, err := submitter.Submit(ctx, order)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("payments: wallet submit: %w", err)
	}
	if !res.Success {
		if strings.EqualFold(strings.TrimSpace(res.Code), insufficientFundsCode) {
			return DispatchResult{}, &InsufficientFundsError{WalletID: order.WalletID, Message: res.Message}
		}
		return DispatchResult{}, &RejectedError{Route: domain.PaymentWallet, Code: res.Code, Message: res.Message}
	}
	return DispatchResult{Outcome: OutcomeOrderSubmitted, Message: res.Message}, nil
}

func dispatchShare(ctx context.Context, submitter OrderSubmitter, order domain.OrderRequest) (DispatchResult, error) {
	order.ShareOnly = true
	order.WalletID = ""
	res, err := submitter.Submit(ctx, order)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("payments: share submit: %w", err)
	}
	if !res.Success {
		return DispatchResult{}, &RejectedError{Route: domain.PaymentShare, Code: res.Code, Message: res.Message}
	}
	url := strings.TrimSpace(res.ShareURL)
	if url == "" {
		return DispatchResult{}, &RejectedError{Route: domain.PaymentShare, Message: "missing share url"}
	}
	var expires *time.Time
	if res.ExpiresAt != nil {
		at := res.ExpiresAt.UTC()
		expires = &at
	}
	return DispatchResult{Outcome: OutcomeLinkGenerated, ShareURL: url, ExpiresAt: expires, Message: res.Message}, nil
}
