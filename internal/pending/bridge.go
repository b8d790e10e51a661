// Package pending carries the order handle across the redirect to the
// gateway's domain and back. The handle lives in a signed browser cookie:
// written before the redirect out, read once on return, and cleared
// unconditionally after the first confirmation attempt so a stale handle can
// never attach to a later order.
package pending

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// CookieName is the pending-order cookie.
const CookieName = "sams_pending_order"

// ErrInvalidHandle indicates a missing, tampered, or expired handle value.
var ErrInvalidHandle = errors.New("invalid pending-order handle")

// Handle links the returning browser back to the order it initiated.
type Handle struct {
	OrderID     string `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
	IssuedAt    int64  `json:"issuedAt"`
}

// Bridge encodes handles into tamper-evident cookie values.
type Bridge struct {
	secret  []byte
	ttl     time.Duration
	nowFunc func() time.Time
}

// NewBridge returns a Bridge signing handles with secret. Handles expire
// after an hour; the time on the gateway's pages is externally controlled but
// a handle older than that is stale by any measure.
func NewBridge(secret string) *Bridge {
	return &Bridge{
		secret:  []byte(secret),
		ttl:     time.Hour,
		nowFunc: time.Now,
	}
}

// Encode serializes and signs a handle into a cookie value.
func (b *Bridge) Encode(h Handle) (string, error) {
	if h.IssuedAt == 0 {
		h.IssuedAt = b.nowFunc().Unix()
	}
	payload, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + b.mac(encoded), nil
}

// Decode verifies and deserializes a cookie value.
func (b *Bridge) Decode(value string) (*Handle, error) {
	encoded, sig, ok := strings.Cut(value, ".")
	if !ok {
		return nil, ErrInvalidHandle
	}
	if !hmac.Equal([]byte(b.mac(encoded)), []byte(sig)) {
		return nil, ErrInvalidHandle
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidHandle
	}
	var h Handle
	if err := json.Unmarshal(payload, &h); err != nil {
		return nil, ErrInvalidHandle
	}
	if b.nowFunc().Sub(time.Unix(h.IssuedAt, 0)) > b.ttl {
		return nil, ErrInvalidHandle
	}
	return &h, nil
}

// Stash writes the handle cookie before the redirect out.
func (b *Bridge) Stash(c *gin.Context, h Handle) error {
	value, err := b.Encode(h)
	if err != nil {
		return err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, value, int(b.ttl.Seconds()), "/", "", false, true)
	return nil
}

// Read returns the stashed handle, or nil when there is none or it fails
// verification. The bridge is a convenience, not the source of truth, so
// callers fall back to the order id in the gateway's return parameters.
func (b *Bridge) Read(c *gin.Context) *Handle {
	value, err := c.Cookie(CookieName)
	if err != nil {
		return nil
	}
	h, err := b.Decode(value)
	if err != nil {
		return nil
	}
	return h
}

// Clear expires the handle cookie. Runs after the first confirmation attempt
// regardless of outcome.
func (b *Bridge) Clear(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, "", -1, "/", "", false, true)
}

func (b *Bridge) mac(encoded string) string {
	m := hmac.New(sha256.New, b.secret)
	m.Write([]byte(encoded))
	return hex.EncodeToString(m.Sum(nil))
}
