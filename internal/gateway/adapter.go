// Package gateway builds the outbound redirect to the hosted payment page and
// normalizes the parameters that come back, either on the browser's return or
// in the gateway's server-to-server payment notification (ITN).
package gateway

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/SirIceHydra/sams-hardware-sub001/internal/orders"
)

// Source identifies which channel delivered a gateway result.
type Source string

const (
	// SourceRedirect marks results parsed from the browser's return query
	// string. These carry no signature and are advisory only.
	SourceRedirect Source = "redirect"
	// SourceNotification marks results from the server-to-server ITN call.
	SourceNotification Source = "notification"
)

// Payment statuses on the gateway's wire format.
const (
	statusComplete  = "COMPLETE"
	statusFailed    = "FAILED"
	statusCancelled = "CANCELLED"
)

// Result is a gateway outcome normalized from either channel.
type Result struct {
	Success   bool              `json:"success"`
	OrderID   string            `json:"orderId"`   // empty when the params could not be reconciled
	PaymentID string            `json:"paymentId"` // gateway's own transaction reference
	Reason    string            `json:"reason,omitempty"`
	Verified  bool              `json:"verified"` // signature checked out; required before success is trusted
	Source    Source            `json:"source"`
	RawParams map[string]string `json:"rawParams"` // retained for audit
}

// Field is one ordered key/value pair of the redirect form.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RedirectRequest is the outbound form posted to the hosted payment page.
type RedirectRequest struct {
	URL    string  `json:"url"`
	Fields []Field `json:"fields"`
}

// Config holds the merchant credentials and URLs for the gateway handshake.
type Config struct {
	MerchantID  string
	MerchantKey string
	Passphrase  string
	ProcessURL  string // hosted payment page
	ReturnURL   string
	CancelURL   string
	NotifyURL   string
}

// Adapter is a pure builder/parser; the actual redirect and notification
// transport belongs to the HTTP layer.
type Adapter struct {
	cfg Config
}

// NewAdapter returns an Adapter for the given merchant config.
func NewAdapter(cfg Config) *Adapter {
	return &Adapter{cfg: cfg}
}

// BuildRedirectRequest serializes the order into the gateway's parameter set
// plus a signature. Deterministic: the same order always yields the same
// request, so callers may rebuild it on retry.
func (a *Adapter) BuildRedirectRequest(o *orders.Order) RedirectRequest {
	fields := []Field{
		{"merchant_id", a.cfg.MerchantID},
		{"merchant_key", a.cfg.MerchantKey},
		{"return_url", a.cfg.ReturnURL},
		{"cancel_url", a.cfg.CancelURL},
		{"notify_url", a.cfg.NotifyURL},
		{"m_payment_id", o.OrderID},
		{"order_number", o.OrderNumber},
		{"amount", fmt.Sprintf("%.2f", o.Amount)},
		{"currency", o.Currency},
		{"item_name", "Order " + o.OrderNumber},
	}

	params := make(map[string]string, len(fields))
	for _, f := range fields {
		params[f.Key] = f.Value
	}
	fields = append(fields, Field{"signature", a.sign(params)})

	return RedirectRequest{URL: a.cfg.ProcessURL, Fields: fields}
}

// ParseResult normalizes raw redirect or notification parameters.
// It never fails: unknown extra parameters are ignored, and a missing order id
// yields Success=false with an empty OrderID, which callers treat as "cannot
// reconcile automatically" rather than a payment failure.
func (a *Adapter) ParseResult(params map[string]string, source Source) Result {
	res := Result{
		OrderID:   params["m_payment_id"],
		PaymentID: params["pf_payment_id"],
		Source:    source,
		RawParams: params,
	}

	switch params["payment_status"] {
	case statusComplete:
		res.Success = true
	case statusCancelled:
		res.Reason = orders.ReasonCancelled
	case statusFailed:
		res.Reason = orders.ReasonDeclined
	default:
		res.Reason = orders.ReasonUnknown
	}
	// some gateways report cancellation in a reason param on the return URL
	if params["reason"] == orders.ReasonCancelled {
		res.Success = false
		res.Reason = orders.ReasonCancelled
	}

	// Only a server notification carries a signature worth checking; a
	// browser redirect is never verified and must not mark anything paid.
	if source == SourceNotification {
		res.Verified = a.VerifySignature(params)
		if !res.Verified {
			res.Success = false
		}
	}

	if res.OrderID == "" {
		res.Success = false
	}
	return res
}

// VerifySignature recomputes the signature over all parameters except the
// signature itself and compares it to the one sent.
func (a *Adapter) VerifySignature(params map[string]string) bool {
	sent, ok := params["signature"]
	if !ok || sent == "" {
		return false
	}
	return a.sign(params) == sent
}

// sign computes the MD5 signature over the URL-encoded parameters in
// canonical (sorted-key) order, with the passphrase appended.
func (a *Adapter) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "signature" || params[k] == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	if a.cfg.Passphrase != "" {
		b.WriteString("&passphrase=")
		b.WriteString(url.QueryEscape(a.cfg.Passphrase))
	}

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
