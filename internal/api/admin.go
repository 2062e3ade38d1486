package api

import (
	"net/http"
	"strconv"

	"circulation-service/internal/store"

	"github.com/gin-gonic/gin"
)

type memberStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) setMemberStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req memberStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	member, err := h.Admin.SetMemberStatus(c.Request.Context(), memberID(c), id, req.Status)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, member)
}

func (h *Handler) listAuditLogs(c *gin.Context) {
	filter := store.AuditFilter{
		Action:     c.Query("action"),
		EntityType: c.Query("entity_type"),
	}

	var err error
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		h.badRequest(c, "Invalid limit", err)
		return
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		h.badRequest(c, "Invalid offset", err)
		return
	}
	if filter.EntityID, err = queryID(c, "entity_id"); err != nil {
		h.badRequest(c, "Invalid entity_id", err)
		return
	}
	if filter.PerformedBy, err = queryID(c, "performed_by"); err != nil {
		h.badRequest(c, "Invalid performed_by", err)
		return
	}

	entries, err := h.Admin.AuditLog(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": entries})
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func queryID(c *gin.Context, key string) (*int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
