package oracle

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/pilemarket/checkout/internal/domain"
)

type cartItemPayload struct {
	ProductID     string          `json:"productId"`
	SubProductID  *string         `json:"subProductId,omitempty"`
	SelectedSize  string          `json:"selectedSize,omitempty"`
	SelectedColor string          `json:"selectedColor,omitempty"`
	Quantity      int             `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
}

type userInfoPayload struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Email   string   `json:"email,omitempty"`
	Phone   string   `json:"phone,omitempty"`
	Address string   `json:"address,omitempty"`
	State   string   `json:"state,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

type orderPayload struct {
	VendorID          string            `json:"vendorId"`
	CartItems         []cartItemPayload `json:"cartItems"`
	CartHash          string            `json:"cartHash"`
	UserInfo          userInfoPayload   `json:"userInfo"`
	Preview           bool              `json:"preview"`
	ShareOnly         bool              `json:"shareOnly,omitempty"`
	IsRepiling        bool              `json:"isRepiling"`
	IsStockpile       bool              `json:"isStockpile"`
	IsPickup          bool              `json:"isPickup"`
	StockpileDuration *int              `json:"stockpileDuration,omitempty"`
	DeliveryNote      string            `json:"deliveryNote"`
	Note              string            `json:"note,omitempty"`
	WalletID          string            `json:"walletId,omitempty"`
}

type previewPayload struct {
	Subtotal       decimal.NullDecimal `json:"subtotal"`
	BookingFee     decimal.NullDecimal `json:"bookingFee"`
	ServiceFee     decimal.NullDecimal `json:"serviceFee"`
	DeliveryCharge decimal.NullDecimal `json:"deliveryCharge"`
	Total          decimal.NullDecimal `json:"total"`
	Discount       decimal.NullDecimal `json:"discount"`
	FreeServiceFee *bool               `json:"freeServiceFee"`
	FreeShipping   *bool               `json:"freeShipping"`
}

type submitPayload struct {
	Success          bool   `json:"success"`
	AuthorizationURL string `json:"authorization_url"`
	ShareURL         string `json:"shareUrl"`
	ExpiresAt        string `json:"expiresAt"`
	Message          string `json:"message"`
	Code             string `json:"code"`
}

// Preview asks processOrder for a price preview. Missing fields in the response stay unset.
func (c *Client) Preview(ctx context.Context, req domain.OrderRequest) (domain.PartialPricedOrder, error) {
	req.Preview = true
	var out previewPayload
	err := c.post(ctx, c.pricingURL, "processOrder", newOrderPayload(req), &out, nil,
		attribute.String("checkout.vendor_id", req.VendorID),
		attribute.Bool("checkout.preview", true),
		attribute.Int64("checkout.preview_sequence", int64(req.Sequence)),
	)
	if err != nil {
		return domain.PartialPricedOrder{}, err
	}
	return domain.PartialPricedOrder{
		Subtotal:       out.Subtotal,
		BookingFee:     out.BookingFee,
		ServiceFee:     out.ServiceFee,
		DeliveryCharge: out.DeliveryCharge,
		Total:          out.Total,
		Discount:       out.Discount,
		FreeServiceFee: out.FreeServiceFee,
		FreeShipping:   out.FreeShipping,
	}, nil
}

// Submit places the order through processOrder. Client errors carrying a JSON body are returned as an
// unsuccessful result so the caller can inspect the oracle's code.
func (c *Client) Submit(ctx context.Context, req domain.OrderRequest) (domain.SubmitResult, error) {
	req.Preview = false
	var out submitPayload
	err := c.post(ctx, c.pricingURL, "processOrder", newOrderPayload(req), &out, isClientError,
		attribute.String("checkout.vendor_id", req.VendorID),
		attribute.Bool("checkout.preview", false),
		attribute.Bool("checkout.share_only", req.ShareOnly),
	)
	if err != nil {
		return domain.SubmitResult{}, err
	}
	result := domain.SubmitResult{
		Success:          out.Success,
		AuthorizationURL: strings.TrimSpace(out.AuthorizationURL),
		ShareURL:         strings.TrimSpace(out.ShareURL),
		Message:          strings.TrimSpace(out.Message),
		Code:             strings.TrimSpace(out.Code),
	}
	if ts, ok := parseTime(out.ExpiresAt); ok {
		result.ExpiresAt = &ts
	}
	return result, nil
}

func newOrderPayload(req domain.OrderRequest) orderPayload {
	items := make([]cartItemPayload, 0, len(req.CartItems))
	for _, item := range req.CartItems {
		line := cartItemPayload{
			ProductID:    item.ProductID,
			SubProductID: item.SubProductID,
			Quantity:     item.Quantity,
			Price:        item.UnitPrice,
		}
		if item.Variant != nil {
			line.SelectedSize = item.Variant.Size
			line.SelectedColor = item.Variant.Color
		}
		items = append(items, line)
	}
	user := userInfoPayload{
		ID:      req.User.ID,
		Name:    req.User.Name,
		Email:   req.User.Email,
		Phone:   req.User.Phone,
		Address: req.User.Address,
		State:   req.User.State,
	}
	if req.User.Location != nil {
		lat, lng := req.User.Location.Lat, req.User.Location.Lng
		user.Lat, user.Lng = &lat, &lng
	}
	return orderPayload{
		VendorID:          req.VendorID,
		CartItems:         items,
		CartHash:          req.CartHash,
		UserInfo:          user,
		Preview:           req.Preview,
		ShareOnly:         req.ShareOnly,
		IsRepiling:        req.IsRepiling,
		IsStockpile:       req.IsStockpile,
		IsPickup:          req.IsPickup,
		StockpileDuration: req.StockpileDuration,
		DeliveryNote:      req.DeliveryNote,
		Note:              req.Note,
		WalletID:          req.WalletID,
	}
}

func isClientError(status int) bool {
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError
}

func parseTime(val string) (time.Time, bool) {
	val = strings.TrimSpace(val)
	if val == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, val); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
