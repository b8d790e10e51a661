package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/SirIceHydra/sams-hardware-sub001/internal/aws"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/gateway"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/handlers"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterCheckoutRoutes(r, cfg)

	return r
}

func gatewayConfigFromEnv() gateway.Config {
	base := os.Getenv("CHECKOUT_BASE_URL")
	return gateway.Config{
		MerchantID:  os.Getenv("PAYFAST_MERCHANT_ID"),
		MerchantKey: os.Getenv("PAYFAST_MERCHANT_KEY"),
		Passphrase:  os.Getenv("PAYFAST_PASSPHRASE"),
		ProcessURL:  os.Getenv("PAYFAST_PROCESS_URL"),
		ReturnURL:   base + "/checkout/return",
		CancelURL:   base + "/checkout/cancel",
		NotifyURL:   base + "/checkout/notify",
	}
}

func main() {
	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	cfg := handlers.HandlerConfig{
		DynamoDBClient: clients.DynamoDB,
		SQSClient:      clients.SQS,
		OrdersTable:    os.Getenv("ORDERS_TABLE"),
		CatalogTable:   os.Getenv("CATALOG_TABLE"),
		NotifyQueueURL: os.Getenv("NOTIFY_QUEUE_URL"),
		Gateway:        gatewayConfigFromEnv(),
		BridgeSecret:   os.Getenv("BRIDGE_SECRET"),
	}

	r := setupRouter(cfg)

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if os.Getenv("RUN_LOCAL") == "true" {
		addr := ":8080"
		log.Printf("running local server on %s", addr)
		if err := r.Run(addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
