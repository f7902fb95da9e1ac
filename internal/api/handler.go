package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"payout-ledger/internal/broker"
	"payout-ledger/internal/ledger"
	"payout-ledger/internal/models"
	"payout-ledger/internal/service"
	"payout-ledger/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// webhookDedupeTTL bounds how long a delivered webhook's event id is held in
// the Redis fast path. The processed_events table is the durable dedupe.
const webhookDedupeTTL = 24 * time.Hour

// WebhookDeduper short-circuits redelivered webhook notifications before they
// reach the broker. *redisclient.Client satisfies it.
type WebhookDeduper interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Handler contains HTTP handlers
type Handler struct {
	balances     *ledger.Ledger
	engine       *service.AllocationEngine
	finalizer    *service.Finalizer
	orchestrator *service.PayoutOrchestrator
	publisher    *broker.EventPublisher
	dedupe       WebhookDeduper
}

// NewHandler creates a new HTTP handler
func NewHandler(
	balances *ledger.Ledger,
	engine *service.AllocationEngine,
	finalizer *service.Finalizer,
	orchestrator *service.PayoutOrchestrator,
	publisher *broker.EventPublisher,
	dedupe WebhookDeduper,
) *Handler {
	return &Handler{
		balances:     balances,
		engine:       engine,
		finalizer:    finalizer,
		orchestrator: orchestrator,
		publisher:    publisher,
		dedupe:       dedupe,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/transfers", h.transferWebhook)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/funding", h.addFunding)
		v1.POST("/allocations", h.setAllocation)
		v1.GET("/allocations/:userId", h.getAllocations)
		v1.GET("/balances/:userId", h.getBalance)
		v1.POST("/payouts", h.requestPayout)
		v1.POST("/payouts/batch", h.processBatch)
		v1.POST("/cycles/advance", h.advanceCycle)
		v1.GET("/creators/:id/balance", h.getCreatorBalance)
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
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// AddFundingRequest is the body for POST /funding
type AddFundingRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Month  string `json:"month"`
	Cents  int64  `json:"cents" binding:"required"`
}

// addFunding credits a subscriber's funded total for the month
func (h *Handler) addFunding(c *gin.Context) {
	var req AddFundingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.Month == "" {
		req.Month = time.Now().UTC().Format("2006-01")
	}

	balance, err := h.balances.ApplySubscriptionFunding(c.Request.Context(), req.UserID, req.Month, req.Cents)
	if err != nil {
		c.JSON(statusForError(err), gin.H{
			"error":   "Failed to apply funding",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, balance)
}

// SetAllocationRequest is the body for POST /allocations
type SetAllocationRequest struct {
	AllocatorID  int64  `json:"allocator_id" binding:"required"`
	RecipientID  int64  `json:"recipient_id" binding:"required"`
	ResourceID   int64  `json:"resource_id" binding:"required"`
	ResourceType string `json:"resource_type" binding:"required"`
	DeltaCents   int64  `json:"delta_cents" binding:"required"`
}

// setAllocation applies an allocation delta for the open month
func (h *Handler) setAllocation(c *gin.Context) {
	var req SetAllocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.engine.SetAllocation(c.Request.Context(),
		req.AllocatorID, req.RecipientID, req.ResourceID, req.ResourceType, req.DeltaCents)
	if err != nil {
		c.JSON(statusForError(err), gin.H{
			"error":   "Failed to set allocation",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// getAllocations lists an allocator's active rows for the open month
func (h *Handler) getAllocations(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	allocations, err := h.engine.GetActiveAllocations(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list allocations",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"allocations": allocations})
}

// getBalance retrieves a subscriber's balance for a month (current by default)
func (h *Handler) getBalance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	month := c.Query("month")
	if month == "" {
		month = time.Now().UTC().Format("2006-01")
	}

	balance, err := h.balances.GetBalance(c.Request.Context(), userID, month)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load balance",
			"details": err.Error(),
		})
		return
	}
	if balance == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Balance not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":         balance,
		"available_cents": balance.AvailableCents(),
	})
}

// RequestPayoutRequest is the body for POST /payouts
type RequestPayoutRequest struct {
	CreatorID   int64  `json:"creator_id" binding:"required"`
	AmountCents int64  `json:"amount_cents"`
	Method      string `json:"method"`
}

// requestPayout requests a payout for one creator
func (h *Handler) requestPayout(c *gin.Context) {
	var req RequestPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	payout, err := h.orchestrator.RequestPayout(c.Request.Context(), req.CreatorID, req.AmountCents, req.Method)
	if err != nil {
		// The payout row may still exist in a retrying state; return it
		// alongside the error so the caller can track it.
		c.JSON(statusForError(err), gin.H{
			"error":   "Failed to process payout",
			"details": err.Error(),
			"payout":  payout,
		})
		return
	}

	c.JSON(http.StatusCreated, payout)
}

// ProcessBatchRequest is the body for POST /payouts/batch
type ProcessBatchRequest struct {
	MaxConcurrency int `json:"max_concurrency"`
}

// processBatch runs a payout batch over all eligible creators
func (h *Handler) processBatch(c *gin.Context) {
	var req ProcessBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	summary, err := h.orchestrator.ProcessBatch(c.Request.Context(), req.MaxConcurrency)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to process payout batch",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// advanceCycle drives the billing cycle state machine to completion
func (h *Handler) advanceCycle(c *gin.Context) {
	if err := h.finalizer.AdvanceCycle(c.Request.Context(), time.Now()); err != nil {
		c.JSON(statusForError(err), gin.H{
			"error":   "Failed to advance cycle",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

// getCreatorBalance retrieves a creator's balance projection
func (h *Handler) getCreatorBalance(c *gin.Context) {
	creatorID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid creator ID"})
		return
	}

	cb, err := h.balances.GetCreatorBalance(c.Request.Context(), creatorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load creator balance",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, cb)
}

// transferWebhook accepts processor transfer notifications and replays them
// through the transfer-events topic so the reconciliation worker applies them
// in order with at-least-once delivery.
func (h *Handler) transferWebhook(c *gin.Context) {
	var event models.TransferEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid webhook body",
			"details": err.Error(),
		})
		return
	}
	if event.TransferID == "" || event.Status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "transfer_id and status are required"})
		return
	}

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	} else if seen, err := h.dedupe.CheckIdempotencyKey(c.Request.Context(), event.EventID); err == nil && seen {
		c.JSON(http.StatusAccepted, gin.H{"status": "duplicate"})
		return
	}
	event.EventType = models.EventTypeTransferUpdate
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := h.publisher.PublishTransferEvent(c.Request.Context(), &event); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to enqueue transfer event",
			"details": err.Error(),
		})
		return
	}

	// Best effort; the processed_events dedupe is authoritative.
	_ = h.dedupe.SetIdempotencyKey(c.Request.Context(), event.EventID, event.Status, webhookDedupeTTL)

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// statusForError maps domain errors to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidResourceType):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrBudgetExceeded),
		errors.Is(err, ledger.ErrBelowMinimumThreshold),
		errors.Is(err, ledger.ErrBelowMinimumAfterFees),
		errors.Is(err, ledger.ErrInsufficientAvailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrCycleLocked),
		errors.Is(err, ledger.ErrStaleVersion):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
