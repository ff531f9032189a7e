package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

type fingerprintLine struct {
	key           string
	ProductID     string  `json:"productId"`
	SubProductID  *string `json:"subProductId"`
	SelectedSize  *string `json:"selectedSize"`
	SelectedColor *string `json:"selectedColor"`
	Quantity      int     `json:"quantity"`
}

// Fingerprint returns a deterministic digest of the cart contents. Line order does not matter; any
// change to a quantity, variant, or the set of lines produces a different value. It returns false for
// an empty cart.
func Fingerprint(items []CartLineItem) (string, bool) {
	if len(items) == 0 {
		return "", false
	}

	lines := make([]fingerprintLine, 0, len(items))
	for _, item := range items {
		line := fingerprintLine{
			key:       item.Key(),
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
		}
		if item.SubProductID != nil {
			line.SubProductID = optionalString(*item.SubProductID)
		}
		if item.Variant != nil {
			line.SelectedSize = optionalString(item.Variant.Size)
			line.SelectedColor = optionalString(item.Variant.Color)
		}
		lines = append(lines, line)
	}

	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].key == lines[j].key {
			return lines[i].Quantity < lines[j].Quantity
		}
		return lines[i].key < lines[j].key
	})

	// Struct fields marshal in declaration order, which keeps the encoding canonical.
	payload, err := json.Marshal(lines)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), true
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
