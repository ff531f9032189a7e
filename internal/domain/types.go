package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// VariantAttributes captures the optional colour/size selection of a cart line.
type VariantAttributes struct {
	Color string
	Size  string
}

// CartLineItem is an immutable snapshot of a single cart entry taken at fingerprint/preview time.
type CartLineItem struct {
	ProductID    string
	SubProductID *string
	Variant      *VariantAttributes
	Quantity     int
	UnitPrice    decimal.Decimal
}

// Key returns the stable insertion key the storefront cart uses for this line.
func (i CartLineItem) Key() string {
	parts := []string{strings.TrimSpace(i.ProductID)}
	if i.SubProductID != nil && strings.TrimSpace(*i.SubProductID) != "" {
		parts = append(parts, strings.TrimSpace(*i.SubProductID))
	}
	if i.Variant != nil {
		if size := strings.TrimSpace(i.Variant.Size); size != "" {
			parts = append(parts, size)
		}
		if color := strings.TrimSpace(i.Variant.Color); color != "" {
			parts = append(parts, color)
		}
	}
	return strings.Join(parts, ":")
}

// CheckoutMode enumerates the top-level checkout flows.
type CheckoutMode string

const (
	CheckoutModeDeliver   CheckoutMode = "deliver"
	CheckoutModeStockpile CheckoutMode = "stockpile"
	// CheckoutModeRepile is the stockpile sub-state used when the user already has an active pile with the vendor.
	CheckoutModeRepile CheckoutMode = "repile"
)

// DeliveryModeSelection records the fulfilment choice made within the deliver flow.
type DeliveryModeSelection string

const (
	DeliveryModeUnset    DeliveryModeSelection = ""
	DeliveryModePickup   DeliveryModeSelection = "pickup"
	DeliveryModeDelivery DeliveryModeSelection = "delivery"
)

// VendorCapability lists the fulfilment options a vendor offers.
type VendorCapability string

const (
	VendorCapabilityDelivery          VendorCapability = "Delivery"
	VendorCapabilityPickup            VendorCapability = "Pickup"
	VendorCapabilityDeliveryAndPickup VendorCapability = "Delivery & Pickup"
)

// AllowsPickup reports whether customers may collect orders in person.
func (c VendorCapability) AllowsPickup() bool {
	return c == VendorCapabilityPickup || c == VendorCapabilityDeliveryAndPickup
}

// AllowsDelivery reports whether the vendor ships orders.
func (c VendorCapability) AllowsDelivery() bool {
	return c == VendorCapabilityDelivery || c == VendorCapabilityDeliveryAndPickup || c == ""
}

// PaymentSelection enumerates the supported payment paths.
type PaymentSelection string

const (
	PaymentUnset    PaymentSelection = ""
	PaymentPaystack PaymentSelection = "paystack"
	PaymentWallet   PaymentSelection = "wallet"
	PaymentShare    PaymentSelection = "share"
)

// Valid reports whether the selection names a supported payment path.
func (p PaymentSelection) Valid() bool {
	switch p {
	case PaymentPaystack, PaymentWallet, PaymentShare:
		return true
	default:
		return false
	}
}

// Vendor holds the subset of vendor profile data the checkout core depends on.
type Vendor struct {
	ID               string
	Name             string
	State            string
	Capability       VendorCapability
	StockpileEnabled bool
}

// StockpileSession is owned by the remote store; its presence forces the repile flow.
type StockpileSession struct {
	ID            string
	VendorID      string
	UserID        string
	IsActive      bool
	DurationWeeks int
	CreatedAt     time.Time
}

// LatLng is a geographic coordinate supplied by the storefront.
type LatLng struct {
	Lat float64
	Lng float64
}

// UserInfo describes the shopper as sent to the pricing oracle.
type UserInfo struct {
	ID       string
	Name     string
	Email    string
	Phone    string
	Address  string
	State    string
	Location *LatLng
}

// RewardType enumerates the trivia rewards the reward oracle can grant.
type RewardType string

const (
	RewardDiscount     RewardType = "DISCOUNT"
	RewardFreeShipping RewardType = "FREE_SHIPPING"
	RewardFreeDelivery RewardType = "FREE_DELIVERY"
	RewardNoServiceFee RewardType = "NO_SERVICE_FEE"
)

// Reward is the payload granted by a successful trivia answer.
type Reward struct {
	Type            RewardType
	DiscountPercent *decimal.Decimal
}

// TriviaQuestion is returned by the reward oracle when a round starts.
type TriviaQuestion struct {
	ID      string
	Text    string
	Options []string
}
