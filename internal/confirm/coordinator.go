// Package confirm reconciles gateway results against the order ledger.
//
// Two independent callers can race here for the same order: the browser
// returning from the gateway and the gateway's own server notification. The
// ledger's conditional status update is the mutual-exclusion boundary: of
// two concurrent attempts exactly one performs the transition, the other
// observes the terminal state and returns the same outcome.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/SirIceHydra/sams-hardware-sub001/internal/catalog"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/gateway"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/orders"
)

// ErrOrderNotFound indicates the confirmation referenced no known order.
// Fatal for that confirmation call; nothing is created.
var ErrOrderNotFound = errors.New("order not found")

// ErrPersistence indicates a ledger read or write failed. The caller must
// retry; idempotency makes retries safe.
var ErrPersistence = errors.New("confirmation persistence error")

// ErrNotCancellable indicates a cancel request hit an order that already
// left pending.
var ErrNotCancellable = errors.New("order is not cancellable")

// Ledger is the order store surface the coordinator needs.
type Ledger interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	UpdateStatus(ctx context.Context, orderID, expectedStatus, newStatus string, meta orders.StatusMeta) error
}

// StockChecker re-validates an order's lines against the live catalog.
type StockChecker interface {
	Validate(ctx context.Context, lines []orders.Line) (*catalog.Report, error)
}

// Outcome is the externally observed result of a confirmation attempt.
// Repeated attempts for the same order yield identical outcomes; only the
// first carries Transitioned=true.
type Outcome struct {
	OrderID        string `json:"orderId"`
	OrderNumber    string `json:"orderNumber"`
	Status         string `json:"status"`
	PaymentID      string `json:"paymentId,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Transitioned   bool   `json:"-"`
	Message        string `json:"message"`
	RecoveryAction string `json:"recoveryAction,omitempty"`
}

// Coordinator applies gateway results to orders exactly once.
type Coordinator struct {
	ledger       Ledger
	stock        StockChecker
	checkRetries int
	checkTimeout time.Duration
	backoff      time.Duration
	sleep        func(time.Duration)
}

// NewCoordinator wires a coordinator with a bounded retry budget for the
// catalog re-check: three attempts, two-second timeout each, backoff between.
func NewCoordinator(ledger Ledger, stock StockChecker) *Coordinator {
	return &Coordinator{
		ledger:       ledger,
		stock:        stock,
		checkRetries: 3,
		checkTimeout: 2 * time.Second,
		backoff:      200 * time.Millisecond,
		sleep:        time.Sleep,
	}
}

// Confirm looks up the order and idempotently applies the gateway result.
//
// Terminal orders short-circuit to their stored outcome with no side effects.
// A verified success re-checks stock first: money is not booked as a
// completed sale for unfulfillable lines. An unverified success (browser
// redirect) transitions nothing and reports the current state.
func (co *Coordinator) Confirm(ctx context.Context, orderID string, res gateway.Result) (*Outcome, error) {
	o, err := co.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrPersistence, orderID, err)
	}
	if o == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	if orders.IsTerminal(o.Status) {
		return storedOutcome(o), nil
	}

	if res.Success {
		if !res.Verified {
			// advisory only: the signed notification is the trigger that pays
			out := storedOutcome(o)
			out.Message = "payment is being confirmed with the gateway"
			return out, nil
		}

		report, err := co.recheckStock(ctx, o.Lines)
		if err != nil {
			log.Printf("[confirm] stock re-check exhausted for order=%s: %v", o.OrderID, err)
			return co.transition(ctx, o, orders.StatusFailed, orders.StatusMeta{
				PaymentID:     res.PaymentID,
				FailureReason: orders.ReasonUnknown,
			})
		}
		if len(report.Unavailable) > 0 {
			return co.transition(ctx, o, orders.StatusFailed, orders.StatusMeta{
				PaymentID:     res.PaymentID,
				FailureReason: orders.ReasonOutOfStock,
			})
		}
		return co.transition(ctx, o, orders.StatusPaid, orders.StatusMeta{
			PaymentID: res.PaymentID,
		})
	}

	reason := res.Reason
	if reason == "" {
		reason = orders.ReasonUnknown
	}
	if reason == orders.ReasonCancelled {
		return co.transition(ctx, o, orders.StatusCancelled, orders.StatusMeta{
			FailureReason: orders.ReasonCancelled,
		})
	}
	return co.transition(ctx, o, orders.StatusFailed, orders.StatusMeta{
		PaymentID:     res.PaymentID,
		FailureReason: reason,
	})
}

// Cancel applies a user-initiated cancellation. Only pending orders can be
// cancelled; a cancel after the order left pending is rejected, except that a
// repeated cancel is an idempotent no-op.
func (co *Coordinator) Cancel(ctx context.Context, orderID string) (*Outcome, error) {
	o, err := co.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrPersistence, orderID, err)
	}
	if o == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	switch o.Status {
	case orders.StatusCancelled:
		return storedOutcome(o), nil
	case orders.StatusPending:
		out, err := co.transition(ctx, o, orders.StatusCancelled, orders.StatusMeta{
			FailureReason: orders.ReasonCancelled,
		})
		if err != nil {
			return nil, err
		}
		if out.Status != orders.StatusCancelled {
			// lost a race against a gateway result
			return out, ErrNotCancellable
		}
		return out, nil
	default:
		return storedOutcome(o), ErrNotCancellable
	}
}

// transition performs the single conditional pending -> to update. A
// conditional failure means a concurrent attempt won; the stored terminal
// outcome is returned instead, identical to what the winner reported.
func (co *Coordinator) transition(ctx context.Context, o *orders.Order, to string, meta orders.StatusMeta) (*Outcome, error) {
	err := co.ledger.UpdateStatus(ctx, o.OrderID, orders.StatusPending, to, meta)
	if errors.Is(err, orders.ErrStatusMismatch) {
		current, gerr := co.ledger.Get(ctx, o.OrderID)
		if gerr != nil {
			return nil, fmt.Errorf("%w: re-read %s: %v", ErrPersistence, o.OrderID, gerr)
		}
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, o.OrderID)
		}
		return storedOutcome(current), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: update %s -> %s: %v", ErrPersistence, o.OrderID, to, err)
	}

	updated := *o
	updated.Status = to
	if meta.PaymentID != "" {
		updated.PaymentID = meta.PaymentID
	}
	if meta.FailureReason != "" {
		updated.FailureReason = meta.FailureReason
	}
	out := storedOutcome(&updated)
	out.Transitioned = true
	return out, nil
}

// recheckStock retries the catalog validation within a bounded budget before
// giving up. Each attempt runs under its own timeout so a slow catalog can
// never hang the confirmation request.
func (co *Coordinator) recheckStock(ctx context.Context, lines []orders.Line) (*catalog.Report, error) {
	var lastErr error
	for attempt := 0; attempt < co.checkRetries; attempt++ {
		if attempt > 0 {
			co.sleep(co.backoff * time.Duration(attempt))
		}
		checkCtx, cancel := context.WithTimeout(ctx, co.checkTimeout)
		report, err := co.stock.Validate(checkCtx, lines)
		cancel()
		if err == nil {
			return report, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func storedOutcome(o *orders.Order) *Outcome {
	out := &Outcome{
		OrderID:     o.OrderID,
		OrderNumber: o.OrderNumber,
		Status:      o.Status,
		PaymentID:   o.PaymentID,
		Reason:      o.FailureReason,
	}
	switch o.Status {
	case orders.StatusPaid:
		out.Message = "payment received"
	case orders.StatusCancelled:
		out.Message = "payment cancelled"
		out.RecoveryAction = "return_to_cart"
	case orders.StatusFailed:
		if o.FailureReason == orders.ReasonOutOfStock {
			out.Message = "an item sold out before payment completed; the payment will be reversed"
			out.RecoveryAction = "contact_support"
		} else {
			out.Message = "payment was not completed"
			out.RecoveryAction = "retry_payment"
		}
	default:
		out.Message = "payment is pending"
	}
	return out
}
