// Package gateway talks to the online payment provider.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Gateway creates provider orders and verifies payment signatures
type Gateway interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, receipt string) (*Order, error)
	VerifySignature(orderID, paymentID, signature string) bool
}

// Order is a provider order awaiting payment. Amount is in minor units.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type Config struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	Currency  string
	Timeout   time.Duration
}

// Client is a Razorpay-compatible REST client
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a gateway client
func NewClient(cfg Config) *Client {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// KeyID is the public key handed to checkout clients
func (c *Client) KeyID() string {
	return c.cfg.KeyID
}

type createOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

// CreateOrder registers an order for amount (major units) with the provider
func (c *Client) CreateOrder(ctx context.Context, amount decimal.Decimal, receipt string) (*Order, error) {
	body, err := json.Marshal(createOrderRequest{
		Amount:   MinorUnits(amount),
		Currency: c.cfg.Currency,
		Receipt:  receipt,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
	}

	var order Order
	if err := json.Unmarshal(payload, &order); err != nil {
		return nil, fmt.Errorf("failed to decode gateway order: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("gateway order has no id")
	}
	return &order, nil
}

// VerifySignature checks the checkout signature for an order/payment pair
func (c *Client) VerifySignature(orderID, paymentID, signature string) bool {
	return VerifySignature(c.cfg.KeySecret, orderID, paymentID, signature)
}

// Sign computes the provider signature: hex(HMAC-SHA256(secret, order|payment))
func Sign(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time
func VerifySignature(secret, orderID, paymentID, signature string) bool {
	if secret == "" || orderID == "" || paymentID == "" || signature == "" {
		return false
	}
	expected := Sign(secret, orderID, paymentID)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// MinorUnits converts a major-unit amount to the provider's integer minor units
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// Sandbox issues orders locally and verifies signatures with its own secret.
// It stands in for the provider in development.
type Sandbox struct {
	Secret   string
	Currency string
}

func (s *Sandbox) CreateOrder(ctx context.Context, amount decimal.Decimal, receipt string) (*Order, error) {
	currency := s.Currency
	if currency == "" {
		currency = "INR"
	}
	return &Order{
		ID:       "order_" + uuid.NewString(),
		Amount:   MinorUnits(amount),
		Currency: currency,
		Receipt:  receipt,
		Status:   "created",
	}, nil
}

func (s *Sandbox) VerifySignature(orderID, paymentID, signature string) bool {
	return VerifySignature(s.Secret, orderID, paymentID, signature)
}
