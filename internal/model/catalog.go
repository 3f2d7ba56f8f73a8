package model

import (
	"strings"
	"time"
)

// PriceSourceComputed marks catalog prices written by the pricing agent.
const PriceSourceComputed = "computed"

// CatalogItem is the subset of a catalog product the pricing agent reads.
type CatalogItem struct {
	ID                      string     `json:"id"`
	Name                    string     `json:"name"`
	SKU                     string     `json:"sku,omitempty"`
	PartNumber              string     `json:"partNumber,omitempty"`
	Price                   float64    `json:"price"`
	BasePrice               float64    `json:"basePrice"`
	AvailabilityHits        int        `json:"availabilityHits"`
	AvailabilityLastChecked *time.Time `json:"availabilityLastChecked,omitempty"`
	AvailabilitySampleURLs  []string   `json:"availabilitySampleUrls,omitempty"`
	PriceSource             string     `json:"priceSource,omitempty"`
}

// EffectiveBasePrice returns the stored base price, or the current price
// when no base price has been captured yet.
func (c CatalogItem) EffectiveBasePrice() float64 {
	if c.BasePrice > 0 {
		return c.BasePrice
	}
	return c.Price
}

// SearchQuery builds the availability search query for the item.
func (c CatalogItem) SearchQuery() string {
	name := strings.Join(strings.Fields(c.Name), " ")
	pn := strings.Join(strings.Fields(c.PartNumber), " ")
	switch {
	case pn != "" && name != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(pn)):
		return `"` + pn + `" ` + name
	case name != "":
		return name
	case pn != "":
		return pn
	default:
		return strings.TrimSpace(c.SKU)
	}
}

// CatalogUpdate is a single queued write-back for one catalog item.
type CatalogUpdate struct {
	ID                      string    `json:"id"`
	Price                   float64   `json:"price"`
	BasePrice               float64   `json:"basePrice"`
	AvailabilityHits        int       `json:"availabilityHits"`
	AvailabilityLastChecked time.Time `json:"availabilityLastChecked"`
	AvailabilitySampleURLs  []string  `json:"availabilitySampleUrls"`
	PriceSource             string    `json:"priceSource"`
}
