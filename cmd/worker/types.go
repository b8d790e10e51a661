package main

// NotifyMessage is the payload queued by the notify endpoint: the raw
// gateway parameters plus the order id they were matched to.
type NotifyMessage struct {
	OrderID       string            `json:"order_id"`
	Params        map[string]string `json:"params"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}
