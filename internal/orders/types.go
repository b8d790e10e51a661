package orders

import "time"

// Order statuses. Transitions are monotonic: an order leaves "pending" exactly
// once and the terminal statuses are never left again.
const (
	StatusPending   = "pending"
	StatusPaid      = "paid"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Failure reasons recorded on a failed or cancelled order.
const (
	ReasonDeclined   = "declined"
	ReasonCancelled  = "cancelled"
	ReasonUnknown    = "unknown"
	ReasonOutOfStock = "out_of_stock"
)

// IsTerminal reports whether a status permits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusPaid, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Line is a single cart line frozen into the order at creation time.
type Line struct {
	ProductID        string  `dynamodbav:"product_id" json:"productId"`
	VariationID      string  `dynamodbav:"variation_id,omitempty" json:"variationId,omitempty"`
	Quantity         int     `dynamodbav:"quantity" json:"quantity"`
	UnitPriceAtAdd   float64 `dynamodbav:"unit_price_at_add" json:"unitPriceAtAdd"`
	StockStatusAtAdd string  `dynamodbav:"stock_status_at_add,omitempty" json:"stockStatusAtAdd,omitempty"`
}

// Order represents the item stored in the orders DynamoDB table.
// Amount and Currency are the authoritative total at creation time and are
// never touched after the conditional create.
type Order struct {
	OrderID       string    `dynamodbav:"order_id"`     // PK
	OrderNumber   string    `dynamodbav:"order_number"` // human-facing reference, e.g. ORD-1001
	Status        string    `dynamodbav:"status"`       // pending | paid | failed | cancelled
	Amount        float64   `dynamodbav:"amount"`
	Currency      string    `dynamodbav:"currency"`
	Lines         []Line    `dynamodbav:"lines"`
	PaymentID     string    `dynamodbav:"payment_id,omitempty"`     // gateway transaction reference
	FailureReason string    `dynamodbav:"failure_reason,omitempty"` // declined | cancelled | unknown | out_of_stock
	CreatedAt     time.Time `dynamodbav:"created_at"`
	UpdatedAt     time.Time `dynamodbav:"updated_at"`
	Attempts      int       `dynamodbav:"attempts,omitempty"`
}

// StatusMeta carries the metadata recorded alongside a status transition.
type StatusMeta struct {
	PaymentID     string
	FailureReason string
}
