package api

import (
	"net/http"
	"strconv"

	"circulation-service/internal/service"

	"github.com/gin-gonic/gin"
)

type verifyPaymentRequest struct {
	OrderID   string `json:"order_id" binding:"required"`
	PaymentID string `json:"payment_id" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

func (h *Handler) createGatewayOrder(c *gin.Context) {
	var req service.GatewayOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}
	req.MemberID = memberID(c)

	order, err := h.Payments.CreateGatewayOrder(c.Request.Context(), req, h.now())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// verifyGatewayPayment is the gateway's payment callback
func (h *Handler) verifyGatewayPayment(c *gin.Context) {
	var req verifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	conf, err := h.Payments.ConfirmGatewayPayment(c.Request.Context(), req.OrderID, req.PaymentID, req.Signature, h.now())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, conf)
}

func (h *Handler) acceptCashPayment(c *gin.Context) {
	var req service.CashPayment
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}
	req.AdminID = memberID(c)

	conf, err := h.Payments.ConfirmCashPayment(c.Request.Context(), req, h.now())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, conf)
}

func (h *Handler) listMyPayments(c *gin.Context) {
	id := memberID(c)
	payments, err := h.Payments.ListPayments(c.Request.Context(), &id, c.Query("status"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

func (h *Handler) listAllPayments(c *gin.Context) {
	var filter *int64
	if raw := c.Query("member_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.badRequest(c, "Invalid member_id", err)
			return
		}
		filter = &id
	}

	payments, err := h.Payments.ListPayments(c.Request.Context(), filter, c.Query("status"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payments": payments})
}
