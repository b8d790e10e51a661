package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/SirIceHydra/sams-hardware-sub001/internal/aws"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/catalog"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/confirm"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/gateway"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/orders"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/pending"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/validation"
)

// HandlerConfig groups dependencies for the checkout routes.
type HandlerConfig struct {
	DynamoDBClient aws.DynamoDBAPI
	SQSClient      aws.SQSAPI
	OrdersTable    string
	CatalogTable   string
	NotifyQueueURL string
	Gateway        gateway.Config
	BridgeSecret   string
}

// RegisterCheckoutRoutes registers the checkout payment flow:
// initiation, the browser's return/cancel pages, the gateway's server
// notification endpoint, and order lookup.
func RegisterCheckoutRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()
	ordersStore := orders.NewStore(cfg.DynamoDBClient, cfg.OrdersTable)
	resolver := catalog.NewSnapshotStore(cfg.DynamoDBClient, cfg.CatalogTable)
	checker := catalog.NewValidator(resolver)
	adapter := gateway.NewAdapter(cfg.Gateway)
	bridge := pending.NewBridge(cfg.BridgeSecret)
	coordinator := confirm.NewCoordinator(ordersStore, checker)
	publisher := aws.NewPublisher(cfg.SQSClient, cfg.NotifyQueueURL)

	r.POST("/checkout", func(c *gin.Context) {
		ctx := c.Request.Context()

		var req validation.CheckoutRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		lines := toOrderLines(req.Lines)

		// Pre-checkout price/stock validation. A resolver failure fails
		// closed: no order is created against a catalog we could not read.
		report, err := checker.Validate(ctx, lines)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalog_unavailable", "detail": err.Error()})
			return
		}
		if !report.AllOk {
			// surface the deltas; the customer must re-confirm, we never
			// silently re-price and charge
			c.JSON(http.StatusConflict, gin.H{
				"error":            "validation_failed",
				"lines":            report.Lines,
				"unavailableLines": report.Unavailable,
			})
			return
		}

		orderNumber, err := ordersStore.NextOrderNumber(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "order_number_failed", "detail": err.Error()})
			return
		}

		order := orders.Order{
			OrderID:     uuid.NewString(),
			OrderNumber: orderNumber,
			Status:      orders.StatusPending,
			Amount:      req.Amount,
			Currency:    req.Currency,
			Lines:       lines,
			CreatedAt:   time.Now().UTC(),
		}
		if err := ordersStore.Create(ctx, order); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "order_create_failed", "detail": err.Error()})
			return
		}

		// stash the handle before the browser leaves for the gateway's domain
		if err := bridge.Stash(c, pending.Handle{OrderID: order.OrderID, OrderNumber: order.OrderNumber}); err != nil {
			log.Printf("[checkout] stash pending handle for order=%s: %v", order.OrderID, err)
		}

		c.JSON(http.StatusCreated, gin.H{
			"orderId":     order.OrderID,
			"orderNumber": order.OrderNumber,
			"redirect":    adapter.BuildRedirectRequest(&order),
		})
	})

	r.GET("/checkout/return", func(c *gin.Context) {
		ctx := c.Request.Context()

		res := adapter.ParseResult(queryParams(c), gateway.SourceRedirect)
		orderID := resolveOrderID(c, bridge, res.OrderID)
		if orderID == "" {
			c.JSON(http.StatusNotFound, gin.H{
				"error":          "order_unresolved",
				"message":        "we could not match this payment to an order",
				"recoveryAction": "contact_support",
			})
			return
		}

		outcome, err := coordinator.Confirm(ctx, orderID, res)
		writeOutcome(c, outcome, err)
	})

	r.GET("/checkout/cancel", func(c *gin.Context) {
		ctx := c.Request.Context()

		res := adapter.ParseResult(queryParams(c), gateway.SourceRedirect)
		orderID := resolveOrderID(c, bridge, res.OrderID)
		if orderID == "" {
			c.JSON(http.StatusNotFound, gin.H{
				"error":          "order_unresolved",
				"message":        "we could not match this cancellation to an order",
				"recoveryAction": "contact_support",
			})
			return
		}

		outcome, err := coordinator.Cancel(ctx, orderID)
		if errors.Is(err, confirm.ErrNotCancellable) {
			c.JSON(http.StatusConflict, gin.H{"error": "not_cancellable", "outcome": outcome})
			return
		}
		writeOutcome(c, outcome, err)
	})

	// Server-to-server payment notification (ITN). Verified payloads are
	// queued for the worker; the queue's redelivery doubles as our retry
	// budget and confirmation idempotency makes every redelivery safe.
	r.POST("/checkout/notify", func(c *gin.Context) {
		ctx := c.Request.Context()

		if err := c.Request.ParseForm(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_form"})
			return
		}
		params := map[string]string{}
		for k, vals := range c.Request.PostForm {
			if len(vals) > 0 {
				params[k] = vals[0]
			}
		}

		res := adapter.ParseResult(params, gateway.SourceNotification)
		if !res.Verified {
			log.Printf("[notify] rejected unsigned/forged notification for m_payment_id=%q", params["m_payment_id"])
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
			return
		}
		if res.OrderID == "" {
			// cannot reconcile automatically; ack so the gateway stops
			// retrying a payload that will never match
			log.Printf("[notify] notification without order id, pf_payment_id=%q", res.PaymentID)
			c.JSON(http.StatusOK, gin.H{"status": "unreconciled"})
			return
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"order_id":       res.OrderID,
			"params":         params,
			"correlation_id": c.GetHeader("X-Request-Id"),
		})
		attrs := map[string]string{
			"order_id":      res.OrderID,
			"pf_payment_id": res.PaymentID,
		}
		if err := publisher.SendNotification(ctx, string(payload), attrs); err != nil {
			// non-2xx makes the gateway redeliver
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed", "detail": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "queued"})
	})

	r.GET("/orders/:id", func(c *gin.Context) {
		order, err := ordersStore.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "order_lookup_failed", "detail": err.Error()})
			return
		}
		if order == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"orderId":     order.OrderID,
			"orderNumber": order.OrderNumber,
			"status":      order.Status,
			"amount":      order.Amount,
			"currency":    order.Currency,
			"paymentId":   order.PaymentID,
			"reason":      order.FailureReason,
			"lines":       order.Lines,
		})
	})
}

// resolveOrderID prefers the gateway's own parameter and falls back to the
// stashed pending handle. The handle is cleared either way: the first
// confirmation attempt consumes it.
func resolveOrderID(c *gin.Context, bridge *pending.Bridge, fromParams string) string {
	handle := bridge.Read(c)
	bridge.Clear(c)
	if fromParams != "" {
		return fromParams
	}
	if handle != nil {
		return handle.OrderID
	}
	return ""
}

func writeOutcome(c *gin.Context, outcome *confirm.Outcome, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, outcome)
	case errors.Is(err, confirm.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":          "order_not_found",
			"message":        "we could not find this order",
			"recoveryAction": "contact_support",
		})
	case errors.Is(err, confirm.ErrPersistence):
		// recoverable: the caller (or the gateway's redelivery) retries
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "confirmation_retryable", "detail": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "confirmation_failed", "detail": err.Error()})
	}
}

func queryParams(c *gin.Context) map[string]string {
	params := map[string]string{}
	for k, vals := range c.Request.URL.Query() {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	return params
}

func toOrderLines(lines []validation.CheckoutLine) []orders.Line {
	out := make([]orders.Line, 0, len(lines))
	for _, l := range lines {
		out = append(out, orders.Line{
			ProductID:        l.ProductID,
			VariationID:      l.VariationID,
			Quantity:         l.Quantity,
			UnitPriceAtAdd:   l.UnitPriceAtAdd,
			StockStatusAtAdd: l.StockStatus,
		})
	}
	return out
}
