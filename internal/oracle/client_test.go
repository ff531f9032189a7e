package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/pilemarket/checkout/internal/domain"
)

func TestPreviewSendsOrderAndDecodesPartialResponse(t *testing.T) {
	var received map[string]any
	var apiKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get(apiKeyHeader)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"subtotal": 2000, "deliveryCharge": "2040.00", "freeShipping": false}`))
	}))
	defer server.Close()

	client := newTestClient(t, Config{PricingURL: server.URL + "/processOrder", APIKey: "k-1"})
	weeks := 2
	out, err := client.Preview(context.Background(), domain.OrderRequest{
		VendorID:          "vendor-1",
		CartHash:          "hash-1",
		CartItems:         []domain.CartLineItem{{ProductID: "rice", Quantity: 2, UnitPrice: decimal.NewFromInt(1000), Variant: &domain.VariantAttributes{Size: "50kg"}}},
		User:              domain.UserInfo{ID: "user-1", State: "Lagos", Location: &domain.LatLng{Lat: 6.5, Lng: 3.4}},
		IsStockpile:       true,
		StockpileDuration: &weeks,
		DeliveryNote:      "gate 3",
	})
	require.NoError(t, err)

	assert.Equal(t, "k-1", apiKey)
	assert.Equal(t, true, received["preview"])
	assert.Equal(t, "hash-1", received["cartHash"])
	assert.Equal(t, true, received["isStockpile"])
	assert.Equal(t, float64(2), received["stockpileDuration"])
	assert.Equal(t, "gate 3", received["deliveryNote"])
	user := received["userInfo"].(map[string]any)
	assert.Equal(t, 6.5, user["lat"])
	items := received["cartItems"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "50kg", items[0].(map[string]any)["selectedSize"])

	require.True(t, out.Subtotal.Valid)
	assert.True(t, out.Subtotal.Decimal.Equal(decimal.NewFromInt(2000)))
	assert.True(t, out.DeliveryCharge.Decimal.Equal(decimal.NewFromInt(2040)))
	assert.False(t, out.Total.Valid, "missing total must stay unset")
	assert.False(t, out.ServiceFee.Valid)
	require.NotNil(t, out.FreeShipping)
	assert.False(t, *out.FreeShipping)
	assert.Nil(t, out.FreeServiceFee)
}

func TestPreviewStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, Config{PricingURL: server.URL})
	_, err := client.Preview(context.Background(), domain.OrderRequest{VendorID: "vendor-1"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.Status)
	assert.Equal(t, "boom", statusErr.Body)
}

func TestSubmitDecodesResultAndClientErrors(t *testing.T) {
	expires := time.Date(2025, time.May, 3, 11, 0, 0, 0, time.UTC)
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["preview"])
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			assert.Equal(t, true, body["shareOnly"])
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success":   true,
				"shareUrl":  "https://pile.market/pay/abc",
				"expiresAt": expires.Format(time.RFC3339),
			})
			return
		}
		assert.Equal(t, "wallet-1", body["walletId"])
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"success": false, "code": "INSUFFICIENT_FUNDS", "message": "top up"}`))
	}))
	defer server.Close()

	client := newTestClient(t, Config{PricingURL: server.URL})
	share, err := client.Submit(context.Background(), domain.OrderRequest{VendorID: "vendor-1", Preview: true, ShareOnly: true})
	require.NoError(t, err)
	assert.True(t, share.Success)
	assert.Equal(t, "https://pile.market/pay/abc", share.ShareURL)
	require.NotNil(t, share.ExpiresAt)
	assert.True(t, share.ExpiresAt.Equal(expires))

	wallet, err := client.Submit(context.Background(), domain.OrderRequest{VendorID: "vendor-1", WalletID: "wallet-1"})
	require.NoError(t, err)
	assert.False(t, wallet.Success)
	assert.Equal(t, "INSUFFICIENT_FUNDS", wallet.Code)
	assert.Equal(t, "top up", wallet.Message)
}

func TestRewardRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		if _, ok := body["questionId"]; !ok {
			assert.Equal(t, "2000", body["orderValue"])
			_, _ = w.Write([]byte(`{"questionId": "q-1", "question": "Capital?", "options": ["Abuja", "Lagos"]}`))
			return
		}
		if body["answer"] == nil {
			_, _ = w.Write([]byte(`{"success": false, "message": "too slow"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success": true, "reward": {"type": "discount", "discountPercent": 10}}`))
	}))
	defer server.Close()

	client := newTestClient(t, Config{RewardURL: server.URL})
	question, err := client.FetchQuestion(context.Background(), domain.TriviaQuestionRequest{
		VendorID: "vendor-1", OrderValue: decimal.NewFromInt(2000), CartHash: "hash-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TriviaQuestion{ID: "q-1", Text: "Capital?", Options: []string{"Abuja", "Lagos"}}, question)

	answer := "Abuja"
	granted, err := client.SubmitAnswer(context.Background(), domain.TriviaAnswerRequest{VendorID: "vendor-1", QuestionID: "q-1", Answer: &answer})
	require.NoError(t, err)
	require.True(t, granted.Success)
	require.NotNil(t, granted.Reward)
	assert.Equal(t, domain.RewardDiscount, granted.Reward.Type)
	assert.True(t, granted.Reward.DiscountPercent.Equal(decimal.NewFromInt(10)))

	timedOut, err := client.SubmitAnswer(context.Background(), domain.TriviaAnswerRequest{VendorID: "vendor-1", QuestionID: "q-1"})
	require.NoError(t, err)
	assert.False(t, timedOut.Success)
	assert.Nil(t, timedOut.Reward)
	assert.Equal(t, "too slow", timedOut.Message)
}

func TestClientWithoutEndpoints(t *testing.T) {
	client := newTestClient(t, Config{})
	assert.False(t, client.PricingConfigured())
	assert.False(t, client.RewardConfigured())

	_, err := client.Preview(context.Background(), domain.OrderRequest{})
	assert.True(t, errors.Is(err, ErrNotConfigured))
	_, err = client.FetchQuestion(context.Background(), domain.TriviaQuestionRequest{})
	assert.True(t, errors.Is(err, ErrNotConfigured))
	assert.True(t, errors.Is(client.Ping(context.Background()), ErrNotConfigured))
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(Config{PricingURL: "ftp://example.com"})
	assert.Error(t, err)
	_, err = NewClient(Config{RewardURL: "https://"})
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusMethodNotAllowed)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	client := newTestClient(t, Config{PricingURL: server.URL})
	require.NoError(t, client.Ping(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	var statusErr *StatusError
	require.ErrorAs(t, client.Ping(context.Background()), &statusErr)
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	client, err := NewClient(cfg)
	require.NoError(t, err)
	return client
}
