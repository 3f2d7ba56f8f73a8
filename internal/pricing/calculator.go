// Package pricing computes catalog prices from marketplace availability.
package pricing

import (
	"math"

	"github.com/sells-group/pricing-agent/internal/model"
)

// ComputePrice maps a base price and availability signal to a final price.
//
// Zero configured vendors or zero hits always count as scarce and apply the
// full unavailable markup. With ScaleByScarcity the markup is scaled by the
// fraction of vendors without a hit; otherwise available items keep the base
// price. The result is clamped to [MinPrice, MaxPrice] (MaxPrice 0 = no
// ceiling) and then rounded.
func ComputePrice(basePrice float64, hits, allowedVendorCount int, rules model.PricingRules) float64 {
	if basePrice < 0 || math.IsNaN(basePrice) {
		basePrice = 0
	}

	var price float64
	switch {
	case allowedVendorCount <= 0 || hits <= 0:
		price = basePrice * (1 + rules.MarkupUnavailable)
	case rules.ScaleByScarcity:
		ratio := clamp(float64(hits)/float64(allowedVendorCount), 0, 1)
		price = basePrice * (1 + rules.MarkupUnavailable*(1-ratio))
	default:
		price = basePrice
	}

	price = clampToRules(price, rules)
	rounded := applyRounding(price, rules.Rounding)

	// Rounding may step just outside the bounds (e.g. x.99 below a whole
	// MinPrice); the bounds win.
	if outOfBounds(rounded, rules) {
		return round2(clampToRules(rounded, rules))
	}
	return rounded
}

// Scarcity returns 1 - hits/allowedVendorCount clamped to [0,1]. No
// configured vendors count as fully scarce.
func Scarcity(hits, allowedVendorCount int) float64 {
	if allowedVendorCount <= 0 {
		return 1
	}
	return 1 - clamp(float64(hits)/float64(allowedVendorCount), 0, 1)
}

func applyRounding(price float64, mode model.Rounding) float64 {
	switch mode {
	case model.RoundingNearest99:
		r := math.Round(price)
		if r < price {
			r++
		}
		return round2(r - 0.01)
	default:
		return round2(price)
	}
}

func clampToRules(price float64, rules model.PricingRules) float64 {
	if price < rules.MinPrice {
		price = rules.MinPrice
	}
	if rules.MaxPrice > 0 && price > rules.MaxPrice {
		price = rules.MaxPrice
	}
	return price
}

func outOfBounds(price float64, rules model.PricingRules) bool {
	if price < rules.MinPrice {
		return true
	}
	return rules.MaxPrice > 0 && price > rules.MaxPrice
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
