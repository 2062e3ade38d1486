package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type issueLoanRequest struct {
	TitleID int64 `json:"title_id" binding:"required,gt=0"`
}

func (h *Handler) issueLoan(c *gin.Context) {
	var req issueLoanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	loan, err := h.Loans.IssueLoan(c.Request.Context(), memberID(c), req.TitleID, h.now())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, loan)
}

func (h *Handler) returnLoan(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	receipt, err := h.Loans.ReturnLoan(c.Request.Context(), id, memberID(c), h.now())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, receipt)
}

func (h *Handler) listLoans(c *gin.Context) {
	loans, err := h.Loans.ListOpenLoans(c.Request.Context(), memberID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"loans": loans})
}

func (h *Handler) loanHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	loans, err := h.Loans.LoanHistory(c.Request.Context(), memberID(c), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"loans": loans})
}

func (h *Handler) listAllLoans(c *gin.Context) {
	loans, err := h.Loans.ListAllOpenLoans(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"loans": loans})
}

func (h *Handler) listSubscriptions(c *gin.Context) {
	subs, err := h.Ledger.List(c.Request.Context(), memberID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (h *Handler) currentSubscription(c *gin.Context) {
	sub, err := h.Ledger.Current(c.Request.Context(), memberID(c), h.now())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"active":       sub != nil,
		"subscription": sub,
	})
}

func (h *Handler) runSweep(c *gin.Context) {
	report, err := h.Sweep.RunSweepOnce(c.Request.Context(), h.now())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}
