package api

import (
	"net/http"
	"strconv"

	"circulation-service/internal/catalog"

	"github.com/gin-gonic/gin"
)

func (h *Handler) searchTitles(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(catalog.DefaultPageSize)))
	available, _ := strconv.ParseBool(c.DefaultQuery("available", "false"))

	result, err := h.Catalog.Search(c.Request.Context(), catalog.SearchQuery{
		Search:        c.Query("search"),
		Genre:         c.Query("genre"),
		AvailableOnly: available,
		Page:          page,
		Limit:         limit,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) getTitle(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	title, err := h.Catalog.GetTitle(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, title)
}

func (h *Handler) getAvailability(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	availability, err := h.Catalog.Availability(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, availability)
}

func (h *Handler) addTitle(c *gin.Context) {
	var req catalog.NewTitle
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	title, err := h.Catalog.AddTitle(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, title)
}

func (h *Handler) updateTitle(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req catalog.TitleUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	title, err := h.Admin.UpdateTitle(c.Request.Context(), memberID(c), id, req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, title)
}

// archiveTitle is a soft delete
func (h *Handler) archiveTitle(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	title, err := h.Admin.ArchiveTitle(c.Request.Context(), memberID(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, title)
}
