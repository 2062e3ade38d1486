package api

import (
	"context"
	"net/http"
	"time"

	"circulation-service/internal/models"
	"circulation-service/internal/service"

	"github.com/gin-gonic/gin"
)

type reviewRequest struct {
	Response string `json:"response"`
}

func (h *Handler) createRequest(c *gin.Context) {
	var req service.NewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	created, err := h.Requests.Create(c.Request.Context(), memberID(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, created)
}

func (h *Handler) applyForMembership(c *gin.Context) {
	var req service.MembershipApplication
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	created, err := h.Requests.CreateMembership(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, created)
}

func (h *Handler) listMyRequests(c *gin.Context) {
	requests, err := h.Requests.ListMine(c.Request.Context(), memberID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

func (h *Handler) listAllRequests(c *gin.Context) {
	requests, err := h.Requests.ListAll(c.Request.Context(), c.Query("status"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

func (h *Handler) approveRequest(c *gin.Context) {
	h.review(c, h.Requests.Approve)
}

func (h *Handler) rejectRequest(c *gin.Context) {
	h.review(c, h.Requests.Reject)
}

func (h *Handler) review(c *gin.Context, decide func(ctx context.Context, requestID, adminID int64, response string, now time.Time) (*models.Request, error)) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var body reviewRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			h.badRequest(c, "Invalid request body", err)
			return
		}
	}

	req, err := decide(c.Request.Context(), id, memberID(c), body.Response, h.now())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, req)
}
