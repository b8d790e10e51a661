package validation

import (
	"fmt"
	"math"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// register struct-level validation for CheckoutRequest to ensure the
	// claimed Amount matches the sum of (unit price * quantity) of the lines.
	v.RegisterStructValidation(checkoutStructValidation, CheckoutRequest{})

	return v
}

// checkoutStructValidation verifies the aggregated total of the lines equals
// Amount (compared in cents to dodge float rounding).
func checkoutStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CheckoutRequest)

	var sum float64
	for _, line := range req.Lines {
		sum += float64(line.Quantity) * line.UnitPriceAtAdd
	}

	sumCents := int(math.Round(sum * 100))
	amountCents := int(math.Round(req.Amount * 100))
	if sumCents != amountCents {
		sl.ReportError(req.Amount, "amount", "Amount", "amount_match_lines", fmt.Sprintf("lines sum %.2f != amount %.2f", sum, req.Amount))
	}
}
