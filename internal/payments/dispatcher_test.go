package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/pilemarket/checkout/internal/domain"
)

type fakeSubmitter struct {
	calls  []domain.OrderRequest
	result domain.SubmitResult
	err    error
}

func (f *fakeSubmitter) Submit(ctx context.Context, req domain.OrderRequest) (domain.SubmitResult, error) {
	f.calls = append(f.calls, req)
	return f.result, f.err
}

func TestDispatcherPaystackReturnsRedirect(t *testing.T) {
	submitter := &fakeSubmitter{result: domain.SubmitResult{Success: true, AuthorizationURL: "https://checkout.paystack.com/abc"}}
	d, err := NewDispatcher(submitter)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	res, err := d.Dispatch(context.Background(), domain.PaymentPaystack, domain.OrderRequest{VendorID: "v1", Preview: true, WalletID: "w1"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Outcome != OutcomeRedirect || res.AuthorizationURL != "https://checkout.paystack.com/abc" || res.Route != domain.PaymentPaystack {
		t.Fatalf("unexpected result %#v", res)
	}
	if len(submitter.calls) != 1 {
		t.Fatalf("expected one submit, got %d", len(submitter.calls))
	}
	sent := submitter.calls[0]
	if sent.Preview || sent.ShareOnly || sent.WalletID != "" {
		t.Fatalf("unexpected payload %#v", sent)
	}
}

func TestDispatcherPaystackMissingURL(t *testing.T) {
	d, _ := NewDispatcher(&fakeSubmitter{result: domain.SubmitResult{Success: true}})
	_, err := d.Dispatch(context.Background(), domain.PaymentPaystack, domain.OrderRequest{})
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
}

func TestDispatcherWalletInsufficientFunds(t *testing.T) {
	submitter := &fakeSubmitter{result: domain.SubmitResult{Success: false, Code: "INSUFFICIENT_FUNDS", Message: "Top up your wallet"}}
	d, _ := NewDispatcher(submitter)

	_, err := d.Dispatch(context.Background(), domain.PaymentWallet, domain.OrderRequest{WalletID: "wallet-1"})
	var funds *InsufficientFundsError
	if !errors.As(err, &funds) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if funds.WalletID != "wallet-1" || funds.Message != "Top up your wallet" {
		t.Fatalf("unexpected error %#v", funds)
	}
	if submitter.calls[0].WalletID != "wallet-1" {
		t.Fatalf("expected wallet id forwarded")
	}
}

func TestDispatcherWalletRequiresID(t *testing.T) {
	submitter := &fakeSubmitter{}
	d, _ := NewDispatcher(submitter)
	if _, err := d.Dispatch(context.Background(), domain.PaymentWallet, domain.OrderRequest{}); !errors.Is(err, ErrWalletRequired) {
		t.Fatalf("expected ErrWalletRequired, got %v", err)
	}
	if len(submitter.calls) != 0 {
		t.Fatalf("submit must not be called without a wallet")
	}
}

func TestDispatcherWalletSuccess(t *testing.T) {
	d, _ := NewDispatcher(&fakeSubmitter{result: domain.SubmitResult{Success: true, Message: "Order placed"}})
	res, err := d.Dispatch(context.Background(), domain.PaymentWallet, domain.OrderRequest{WalletID: "wallet-1"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Outcome != OutcomeOrderSubmitted || res.Message != "Order placed" {
		t.Fatalf("unexpected result %#v", res)
	}
}

func TestDispatcherShareGeneratesLink(t *testing.T) {
	expires := time.Date(2025, 4, 2, 10, 0, 0, 0, time.FixedZone("WAT", 3600))
	submitter := &fakeSubmitter{result: domain.SubmitResult{Success: true, ShareURL: "https://pile.market/pay/xyz", ExpiresAt: &expires}}
	d, _ := NewDispatcher(submitter)

	res, err := d.Dispatch(context.Background(), domain.PaymentShare, domain.OrderRequest{WalletID: "wallet-1"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Outcome != OutcomeLinkGenerated || res.ShareURL != "https://pile.market/pay/xyz" {
		t.Fatalf("unexpected result %#v", res)
	}
	if res.ExpiresAt == nil || !res.ExpiresAt.Equal(expires) || res.ExpiresAt.Location() != time.UTC {
		t.Fatalf("expected UTC expiry, got %v", res.ExpiresAt)
	}
	sent := submitter.calls[0]
	if !sent.ShareOnly || sent.WalletID != "" {
		t.Fatalf("unexpected payload %#v", sent)
	}
}

func TestDispatcherTransportErrorIsWrapped(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	d, _ := NewDispatcher(&fakeSubmitter{err: cause})
	_, err := d.Dispatch(context.Background(), domain.PaymentShare, domain.OrderRequest{})
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}

func TestDispatcherUnsupportedSelection(t *testing.T) {
	d, _ := NewDispatcher(&fakeSubmitter{}, WithRoute(domain.PaymentShare, nil))
	if _, err := d.Dispatch(context.Background(), domain.PaymentShare, domain.OrderRequest{}); !errors.Is(err, ErrUnsupportedPayment) {
		t.Fatalf("expected ErrUnsupportedPayment, got %v", err)
	}
	if _, err := d.Dispatch(context.Background(), domain.PaymentUnset, domain.OrderRequest{}); !errors.Is(err, ErrUnsupportedPayment) {
		t.Fatalf("expected ErrUnsupportedPayment for unset, got %v", err)
	}
}

func TestDispatcherCustomRoute(t *testing.T) {
	called := false
	d, err := NewDispatcher(&fakeSubmitter{}, WithRoute(domain.PaymentWallet, RouteFunc(func(ctx context.Context, s OrderSubmitter, order domain.OrderRequest) (DispatchResult, error) {
		called = true
		return DispatchResult{Outcome: OutcomeOrderSubmitted}, nil
	})))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	res, err := d.Dispatch(context.Background(), "WALLET", domain.OrderRequest{})
	if err != nil || !called {
		t.Fatalf("expected custom route, err=%v", err)
	}
	if res.Route != domain.PaymentWallet {
		t.Fatalf("expected normalised route, got %q", res.Route)
	}
}

func TestNewDispatcherRequiresSubmitter(t *testing.T) {
	if _, err := NewDispatcher(nil); err == nil {
		t.Fatalf("expected error for nil submitter")
	}
}
