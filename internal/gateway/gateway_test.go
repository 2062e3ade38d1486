package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/orders", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_key", user)
		assert.Equal(t, "shh", pass)

		var req createOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(50050), req.Amount)
		assert.Equal(t, "INR", req.Currency)
		assert.Equal(t, "SUBSCRIPTION_7_1", req.Receipt)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Order{ID: "order_abc", Amount: req.Amount, Currency: req.Currency, Receipt: req.Receipt, Status: "created"})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, KeyID: "rzp_key", KeySecret: "shh"})
	order, err := c.CreateOrder(context.Background(), decimal.RequireFromString("500.50"), "SUBSCRIPTION_7_1")
	require.NoError(t, err)
	assert.Equal(t, "order_abc", order.ID)
	assert.Equal(t, int64(50050), order.Amount)
}

func TestCreateOrderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR"}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, KeyID: "k", KeySecret: "s"})
	_, err := c.CreateOrder(context.Background(), decimal.NewFromInt(1), "r")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestVerifySignature(t *testing.T) {
	sig := Sign("secret", "order_1", "pay_1")
	assert.Len(t, sig, 64)

	c := NewClient(Config{KeySecret: "secret"})
	assert.True(t, c.VerifySignature("order_1", "pay_1", sig))
	assert.False(t, c.VerifySignature("order_1", "pay_2", sig))
	assert.False(t, c.VerifySignature("order_1", "pay_1", "deadbeef"))
	assert.False(t, VerifySignature("", "order_1", "pay_1", Sign("", "order_1", "pay_1")))
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(50000), MinorUnits(decimal.NewFromInt(500)))
	assert.Equal(t, int64(1999), MinorUnits(decimal.RequireFromString("19.99")))
	assert.Equal(t, int64(1), MinorUnits(decimal.RequireFromString("0.005")))
}

func TestSandbox(t *testing.T) {
	s := &Sandbox{Secret: "dev"}
	order, err := s.CreateOrder(context.Background(), decimal.NewFromInt(500), "r")
	require.NoError(t, err)
	assert.Contains(t, order.ID, "order_")
	assert.True(t, s.VerifySignature(order.ID, "pay_1", Sign("dev", order.ID, "pay_1")))
}
