package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"

	"github.com/SirIceHydra/sams-hardware-sub001/internal/catalog"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/confirm"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/gateway"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/metrics"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/orders"
)

// Processor drains queued payment notifications through the confirmation
// coordinator. Re-deliveries are expected and safe: the coordinator's
// terminal-state guard turns duplicates into no-ops.
type Processor struct {
	orderStore  *orders.Store
	adapter     *gateway.Adapter
	coordinator *confirm.Coordinator
	recorder    *metrics.Recorder
}

// ProcessorConfig groups the processor's dependencies.
type ProcessorConfig struct {
	OrderStore *orders.Store
	Checker    *catalog.Validator
	Adapter    *gateway.Adapter
	Recorder   *metrics.Recorder
}

// NewProcessor wires a processor from its stores and adapters.
func NewProcessor(cfg ProcessorConfig) *Processor {
	return &Processor{
		orderStore:  cfg.OrderStore,
		adapter:     cfg.Adapter,
		coordinator: confirm.NewCoordinator(cfg.OrderStore, cfg.Checker),
		recorder:    cfg.Recorder,
	}
}

// Handle receives an SQS batch event and processes each message.
// Any error is returned so the runtime redelivers; messages that keep
// failing end up on the DLQ.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) error {
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			log.Printf("worker error: %v", err)
			return err
		}
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg NotifyMessage
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}

	log.Printf("[worker] received order=%s corr=%s", msg.OrderID, msg.CorrelationID)

	// Re-parse (and re-verify) the raw params rather than trusting whatever
	// was queued; the signature check is cheap and the queue is not a
	// trust boundary.
	res := p.adapter.ParseResult(msg.Params, gateway.SourceNotification)
	orderID := res.OrderID
	if orderID == "" {
		orderID = msg.OrderID
	}
	if orderID == "" {
		return fmt.Errorf("notification without order id, pf_payment_id=%q", res.PaymentID)
	}

	if err := p.orderStore.IncrementAttempts(ctx, orderID); err != nil {
		// visibility only, not worth a redelivery
		log.Printf("[worker] increment attempts order=%s: %v", orderID, err)
	}

	outcome, err := p.coordinator.Confirm(ctx, orderID, res)
	if errors.Is(err, confirm.ErrOrderNotFound) {
		// should never happen; let the message age out to the DLQ
		return fmt.Errorf("order not found: %s", orderID)
	}
	if err != nil {
		// persistence errors included: return so SQS redelivers
		return fmt.Errorf("confirm order=%s: %w", orderID, err)
	}

	if p.recorder != nil {
		if merr := p.recorder.RecordConfirmation(ctx, outcome.Status); merr != nil {
			log.Printf("[worker] record metric order=%s: %v", orderID, merr)
		}
	}

	log.Printf("[worker] confirmed order=%s status=%s transitioned=%t payment_id=%s",
		orderID, outcome.Status, outcome.Transitioned, outcome.PaymentID)
	return nil
}
