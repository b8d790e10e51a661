package catalog

import (
	"context"
	"fmt"

	"github.com/SirIceHydra/sams-hardware-sub001/internal/orders"
)

// LineCheck is the per-line result of a price/stock validation.
// PriceDifference is current minus cart: positive means the price went up.
// CartStockStatus is the status the cart remembered at add time, surfaced so
// the customer can be told "was in stock when you added it".
type LineCheck struct {
	ProductID       string  `json:"productId"`
	VariationID     string  `json:"variationId,omitempty"`
	CartPrice       float64 `json:"cartPrice"`
	CartStockStatus string  `json:"cartStockStatus,omitempty"`
	CurrentPrice    float64 `json:"currentPrice"`
	PriceChanged    bool    `json:"priceChanged"`
	PriceDifference float64 `json:"priceDifference"`
	StockStatus     string  `json:"stockStatus"`
	Available       bool    `json:"available"`
}

// Report aggregates line checks. AllOk is true only when every line is in
// stock at an unchanged price; checkout must not proceed otherwise.
type Report struct {
	AllOk       bool        `json:"allOk"`
	Lines       []LineCheck `json:"lines"`
	Unavailable []LineCheck `json:"unavailableLines,omitempty"`
}

// Validator compares remembered cart prices against fresh catalog snapshots.
type Validator struct {
	resolver Resolver
}

// NewValidator returns a Validator reading snapshots from resolver.
func NewValidator(resolver Resolver) *Validator {
	return &Validator{resolver: resolver}
}

// Validate resolves a fresh snapshot per line and classifies each as ok,
// price-drifted, or unavailable. A resolver error fails the whole validation
// closed: stale prices are never waved through just because the catalog was
// unreachable.
func (v *Validator) Validate(ctx context.Context, lines []orders.Line) (*Report, error) {
	report := &Report{AllOk: true}
	for _, line := range lines {
		snap, err := v.resolver.Resolve(ctx, line.ProductID, line.VariationID)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", SKU(line.ProductID, line.VariationID), err)
		}

		check := LineCheck{
			ProductID:       line.ProductID,
			VariationID:     line.VariationID,
			CartPrice:       line.UnitPriceAtAdd,
			CartStockStatus: line.StockStatusAtAdd,
		}
		if snap == nil {
			// product no longer exists; the current price is gone too, so the
			// whole remembered price counts as drift
			check.Available = false
			check.StockStatus = StockOutOfStock
			check.PriceChanged = check.CurrentPrice != line.UnitPriceAtAdd
			check.PriceDifference = check.CurrentPrice - line.UnitPriceAtAdd
		} else {
			check.CurrentPrice = snap.Price
			check.StockStatus = snap.StockStatus
			check.Available = snap.StockStatus == StockInStock
			check.PriceChanged = snap.Price != line.UnitPriceAtAdd
			check.PriceDifference = snap.Price - line.UnitPriceAtAdd
		}

		report.Lines = append(report.Lines, check)
		if !check.Available {
			report.Unavailable = append(report.Unavailable, check)
		}
		if !check.Available || check.PriceChanged {
			report.AllOk = false
		}
	}
	return report, nil
}
