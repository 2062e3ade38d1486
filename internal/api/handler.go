package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"circulation-service/internal/catalog"
	"circulation-service/internal/errs"
	"circulation-service/internal/service"
	"circulation-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Services are the domain services the HTTP surface exposes
type Services struct {
	Catalog  *catalog.Tracker
	Loans    *service.LoanService
	Ledger   *service.SubscriptionLedger
	Payments *service.PaymentService
	Requests *service.RequestService
	Sweep    *service.PenaltySweep
	Admin    *service.AdminService
}

// ReadinessCheck reports whether a dependency is reachable
type ReadinessCheck func(ctx context.Context) error

// Options tune the HTTP surface
type Options struct {
	RateLimit  float64
	RateBurst  int
	Readiness  map[string]ReadinessCheck
	RequestLog bool
}

// Handler contains HTTP handlers
type Handler struct {
	Services
	opts   Options
	now    func() time.Time
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services, opts Options) *Handler {
	return &Handler{
		Services: svc,
		opts:     opts,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	if h.opts.RequestLog {
		router.Use(requestLogger())
	}

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(rateLimitMiddleware(h.opts.RateLimit, h.opts.RateBurst))
	{
		v1.POST("/membership", h.applyForMembership)
		v1.POST("/payments/verify", h.verifyGatewayPayment)
	}

	member := v1.Group("")
	member.Use(identityMiddleware())
	{
		member.GET("/titles", h.searchTitles)
		member.GET("/titles/:id", h.getTitle)
		member.GET("/titles/:id/availability", h.getAvailability)

		member.POST("/loans", h.issueLoan)
		member.POST("/loans/:id/return", h.returnLoan)
		member.GET("/loans", h.listLoans)
		member.GET("/loans/history", h.loanHistory)

		member.GET("/subscriptions", h.listSubscriptions)
		member.GET("/subscriptions/current", h.currentSubscription)

		member.POST("/payments/orders", h.createGatewayOrder)
		member.GET("/payments", h.listMyPayments)

		member.POST("/requests", h.createRequest)
		member.GET("/requests", h.listMyRequests)
	}

	admin := member.Group("/admin")
	admin.Use(requireAdmin())
	{
		admin.POST("/titles", h.addTitle)
		admin.PUT("/titles/:id", h.updateTitle)
		admin.DELETE("/titles/:id", h.archiveTitle)
		admin.POST("/members/:id/status", h.setMemberStatus)
		admin.GET("/audit-logs", h.listAuditLogs)
		admin.GET("/loans", h.listAllLoans)
		admin.POST("/payments/cash", h.acceptCashPayment)
		admin.GET("/payments", h.listAllPayments)
		admin.GET("/requests", h.listAllRequests)
		admin.POST("/requests/:id/approve", h.approveRequest)
		admin.POST("/requests/:id/reject", h.rejectRequest)
		admin.POST("/sweep", h.runSweep)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.opts.Readiness {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// writeError maps a service error onto a status code
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrInvalidSignature):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrTitleNotFound), errors.Is(err, errs.ErrLoanNotFound),
		errors.Is(err, errs.ErrMemberNotFound), errors.Is(err, errs.ErrPaymentNotFound),
		errors.Is(err, errs.ErrRequestNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrNoActiveSubscription):
		status = http.StatusPaymentRequired
	case errors.Is(err, errs.ErrUnavailable), errors.Is(err, errs.ErrDuplicateLoan),
		errors.Is(err, errs.ErrRequestNotPending):
		status = http.StatusConflict
	case errs.IsRetryable(err):
		status = http.StatusServiceUnavailable
		c.Header("Retry-After", "1")
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) badRequest(c *gin.Context, msg string, err error) {
	body := gin.H{"error": msg}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}
