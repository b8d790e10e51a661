package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/SirIceHydra/sams-hardware-sub001/internal/aws"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/catalog"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/gateway"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/metrics"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/orders"
)

func newProcessorFromEnv(ctx context.Context) (*Processor, error) {
	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		return nil, err
	}

	orderStore := orders.NewStore(clients.DynamoDB, os.Getenv("ORDERS_TABLE"))
	resolver := catalog.NewSnapshotStore(clients.DynamoDB, os.Getenv("CATALOG_TABLE"))
	base := os.Getenv("CHECKOUT_BASE_URL")

	return NewProcessor(ProcessorConfig{
		OrderStore: orderStore,
		Checker:    catalog.NewValidator(resolver),
		Adapter: gateway.NewAdapter(gateway.Config{
			MerchantID:  os.Getenv("PAYFAST_MERCHANT_ID"),
			MerchantKey: os.Getenv("PAYFAST_MERCHANT_KEY"),
			Passphrase:  os.Getenv("PAYFAST_PASSPHRASE"),
			ProcessURL:  os.Getenv("PAYFAST_PROCESS_URL"),
			ReturnURL:   base + "/checkout/return",
			CancelURL:   base + "/checkout/cancel",
			NotifyURL:   base + "/checkout/notify",
		}),
		Recorder: metrics.NewRecorder(clients.CloudWatch, "SamsHardware/Checkout"),
	}), nil
}

func main() {
	ctx := context.Background()
	p, err := newProcessorFromEnv(ctx)
	if err != nil {
		log.Fatalf("failed to init worker: %v", err)
	}

	// If RUN_LOCAL=true, simulate a single SQS event for local testing.
	if os.Getenv("RUN_LOCAL") == "true" {
		testBody := os.Getenv("LOCAL_SQS_BODY")
		if testBody == "" {
			testBody = `{"order_id":"local-order-1","params":{"m_payment_id":"local-order-1","payment_status":"COMPLETE"}}`
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{
				{Body: testBody},
			},
		}
		if err := p.Handle(ctx, event); err != nil {
			log.Fatalf("local handler error: %v", err)
		}
		return
	}

	lambda.Start(p.Handle)
}
