package validation

// CheckoutLine is a single cart line as the client remembers it.
type CheckoutLine struct {
	ProductID      string  `json:"productId" validate:"required"`
	VariationID    string  `json:"variationId,omitempty"`
	Quantity       int     `json:"quantity" validate:"required,min=1"`      // must be >= 1
	UnitPriceAtAdd float64 `json:"unitPriceAtAdd" validate:"required,gt=0"` // price remembered at add-to-cart time
	StockStatus    string  `json:"stockStatus,omitempty" validate:"omitempty,oneof=instock outofstock"`
}

// CheckoutRequest is the payload for POST /checkout.
type CheckoutRequest struct {
	Lines    []CheckoutLine `json:"lines" validate:"required,min=1,dive"` // at least one line
	Amount   float64        `json:"amount" validate:"required,gt=0"`      // total the client claims
	Currency string         `json:"currency" validate:"required,len=3"`   // ISO 4217, e.g. ZAR
}
