package api

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"twillow/internal/distribution"
	"twillow/internal/health"
	"twillow/internal/queue"
	"twillow/internal/ratelimit"
	"twillow/internal/store"
)

var phonePattern = regexp.MustCompile(`^[0-9+]{10,15}$`)

const maxTextLength = 160

// RequestStore is the persistence surface the handlers need.
type RequestStore interface {
	CreateRequest(ctx context.Context, phone, text string, maxRetries int) (*store.Request, error)
	UpdateRequestStatus(ctx context.Context, id int64, status store.Status, providerUsed *string) error
	GetRequest(ctx context.Context, id int64) (*store.Request, error)
	ListRequests(ctx context.Context, filter store.RequestFilter) ([]*store.Request, error)
	GetRequestStats(ctx context.Context) (*store.RequestStats, error)
	ResponsesByRequest(ctx context.Context, requestID int64) ([]*store.Response, error)
	RetriesByRequest(ctx context.Context, requestID int64) ([]*store.Retry, error)
	AllProviderHealth(ctx context.Context) ([]*store.ProviderHealth, error)
	Ping(ctx context.Context) error
}

// PendingCounter reports the retry scheduler's backlog.
type PendingCounter interface {
	Pending(ctx context.Context) (int64, error)
}

// ComponentChecker is a dependency that can report liveness.
type ComponentChecker interface {
	HealthCheck(ctx context.Context) error
}

type Handlers struct {
	logger          *zap.Logger
	store           RequestStore
	publisher       queue.DispatchPublisher
	globalLimiter   *ratelimit.GlobalLimiter
	providerLimiter *ratelimit.Limiter
	health          *health.Tracker
	selector        *distribution.Selector
	deadLetter      *queue.DeadLetter
	scheduler       PendingCounter
	kvChecker       ComponentChecker
	queueChecker    ComponentChecker
	providerIDs     []string
	maxRetries      int
}

func NewHandlers(
	logger *zap.Logger,
	st RequestStore,
	publisher queue.DispatchPublisher,
	globalLimiter *ratelimit.GlobalLimiter,
	providerLimiter *ratelimit.Limiter,
	healthTracker *health.Tracker,
	selector *distribution.Selector,
	deadLetter *queue.DeadLetter,
	scheduler PendingCounter,
	kvChecker ComponentChecker,
	queueChecker ComponentChecker,
	providerIDs []string,
	maxRetries int,
) *Handlers {
	return &Handlers{
		logger:          logger,
		store:           st,
		publisher:       publisher,
		globalLimiter:   globalLimiter,
		providerLimiter: providerLimiter,
		health:          healthTracker,
		selector:        selector,
		deadLetter:      deadLetter,
		scheduler:       scheduler,
		kvChecker:       kvChecker,
		queueChecker:    queueChecker,
		providerIDs:     providerIDs,
		maxRetries:      maxRetries,
	}
}

type sendRequest struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

// SendSMS handles POST /api/sms/send: validate, persist pending, enqueue a
// dispatch job, and acknowledge. Delivery happens asynchronously in the
// workers.
func (h *Handlers) SendSMS(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	if !phonePattern.MatchString(req.Phone) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "phone must be 10-15 characters of digits and +",
		})
	}
	if n := utf8.RuneCountInString(req.Text); n == 0 || n > maxTextLength {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": fmt.Sprintf("text must be 1-%d characters", maxTextLength),
		})
	}

	row, err := h.store.CreateRequest(c.Context(), req.Phone, req.Text, h.maxRetries)
	if err != nil {
		h.logger.Error("failed to persist request", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	messageID := fmt.Sprintf("msg_%d_%s", time.Now().UnixNano(), uuid.New().String()[:8])

	job := queue.DispatchJob{
		MessageID: messageID,
		RequestID: row.ID,
		Phone:     req.Phone,
		Text:      req.Text,
		Attempt:   0,
	}
	if err := h.publisher.PublishDispatch(c.Context(), job); err != nil {
		h.logger.Error("failed to enqueue dispatch job",
			zap.Int64("request_id", row.ID), zap.Error(err))
		if uerr := h.store.UpdateRequestStatus(c.Context(), row.ID, store.StatusFailed, nil); uerr != nil {
			h.logger.Error("failed to mark request failed", zap.Int64("request_id", row.ID), zap.Error(uerr))
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "failed to queue message"})
	}

	if err := h.store.UpdateRequestStatus(c.Context(), row.ID, store.StatusProcessing, nil); err != nil {
		h.logger.Error("failed to mark request processing",
			zap.Int64("request_id", row.ID), zap.Error(err))
	}

	h.logger.Info("request queued",
		zap.Int64("request_id", row.ID),
		zap.String("message_id", messageID))

	return c.JSON(fiber.Map{
		"success":    true,
		"message_id": messageID,
		"request_id": row.ID,
		"queued":     true,
		"message":    "SMS queued for sending",
	})
}

// RateLimitStats handles GET /api/sms/rate-limits.
func (h *Handlers) RateLimitStats(c *fiber.Ctx) error {
	providers := make(map[string]ratelimit.Stats, len(h.providerIDs))
	for _, id := range h.providerIDs {
		providers[id] = h.providerLimiter.Stats(c.Context(), id)
	}

	return c.JSON(fiber.Map{
		"global":    h.globalLimiter.Stats(c.Context()),
		"providers": providers,
	})
}

// ProviderHealthIndex handles GET /api/sms/health: the sliding-window status
// for every configured provider.
func (h *Handlers) ProviderHealthIndex(c *fiber.Ctx) error {
	statuses := make(map[string]health.Status, len(h.providerIDs))
	for _, id := range h.providerIDs {
		st, err := h.health.Status(c.Context(), id)
		if err != nil {
			h.logger.Error("health status read failed",
				zap.String("provider", id), zap.Error(err))
		}
		statuses[id] = st
	}
	return c.JSON(statuses)
}

// ProviderHealthDetail handles GET /api/sms/health/:provider.
func (h *Handlers) ProviderHealthDetail(c *fiber.Ctx) error {
	id := c.Params("provider")
	if !h.knownProvider(id) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown provider"})
	}

	st, err := h.health.Status(c.Context(), id)
	if err != nil {
		h.logger.Error("health status read failed",
			zap.String("provider", id), zap.Error(err))
	}
	return c.JSON(st)
}

// ResetProviderHealth handles POST /api/sms/health/:provider/reset.
func (h *Handlers) ResetProviderHealth(c *fiber.Ctx) error {
	id := c.Params("provider")
	if !h.knownProvider(id) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown provider"})
	}

	if err := h.health.Reset(c.Context(), id); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to reset health"})
	}
	return c.JSON(fiber.Map{"success": true, "provider": id})
}

// ListRequests handles GET /api/sms/requests with status, provider, time
// range, and limit filters.
func (h *Handlers) ListRequests(c *fiber.Ctx) error {
	filter := store.RequestFilter{
		Status:   store.Status(c.Query("status")),
		Provider: c.Query("provider"),
	}

	if v := c.Query("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid start_time"})
		}
		filter.StartTime = &t
	}
	if v := c.Query("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid end_time"})
		}
		filter.EndTime = &t
	}
	filter.Limit = c.QueryInt("limit", 100)

	requests, err := h.store.ListRequests(c.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list requests", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	return c.JSON(fiber.Map{"requests": requests, "count": len(requests)})
}

// GetRequest handles GET /api/sms/requests/:id and includes the request's
// responses and retry history.
func (h *Handlers) GetRequest(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request id"})
	}

	req, err := h.store.GetRequest(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "request not found"})
	}

	responses, err := h.store.ResponsesByRequest(c.Context(), id)
	if err != nil {
		h.logger.Error("failed to load responses", zap.Int64("request_id", id), zap.Error(err))
	}
	retries, err := h.store.RetriesByRequest(c.Context(), id)
	if err != nil {
		h.logger.Error("failed to load retries", zap.Int64("request_id", id), zap.Error(err))
	}

	return c.JSON(fiber.Map{
		"request":   req,
		"responses": responses,
		"retries":   retries,
	})
}

// RequestStats handles GET /api/sms/stats.
func (h *Handlers) RequestStats(c *fiber.Ctx) error {
	stats, err := h.store.GetRequestStats(c.Context())
	if err != nil {
		h.logger.Error("failed to aggregate stats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	summaries, err := h.store.AllProviderHealth(c.Context())
	if err != nil {
		h.logger.Error("failed to load provider summaries", zap.Error(err))
	}

	return c.JSON(fiber.Map{
		"requests":  stats,
		"providers": summaries,
	})
}

// DistributionStats handles GET /api/sms/distribution-stats.
func (h *Handlers) DistributionStats(c *fiber.Ctx) error {
	return c.JSON(h.selector.Stats())
}

// ResetDistributionStats handles POST /api/sms/distribution-stats/reset.
func (h *Handlers) ResetDistributionStats(c *fiber.Ctx) error {
	h.selector.ResetStats()
	return c.JSON(fiber.Map{"success": true})
}

// QueueStatus handles GET /api/sms/queue-status: scheduler backlog and
// dead-letter depth plus recent entries.
func (h *Handlers) QueueStatus(c *fiber.Ctx) error {
	pending, err := h.scheduler.Pending(c.Context())
	if err != nil {
		h.logger.Error("failed to read scheduler backlog", zap.Error(err))
	}

	dlqLen, err := h.deadLetter.Len(c.Context())
	if err != nil {
		h.logger.Error("failed to read dead letter depth", zap.Error(err))
	}
	entries, err := h.deadLetter.Entries(c.Context(), 50)
	if err != nil {
		h.logger.Error("failed to read dead letter entries", zap.Error(err))
	}

	return c.JSON(fiber.Map{
		"scheduled_retries":  pending,
		"dead_letter_count":  dlqLen,
		"dead_letter_recent": entries,
	})
}

// HealthCheck handles GET /health: aggregated component liveness.
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	components := fiber.Map{}
	healthy := true

	check := func(name string, err error) {
		if err != nil {
			healthy = false
			components[name] = fiber.Map{"status": "unhealthy", "error": err.Error()}
			return
		}
		components[name] = fiber.Map{"status": "healthy"}
	}

	check("database", h.store.Ping(ctx))
	check("redis", h.kvChecker.HealthCheck(ctx))
	check("nats", h.queueChecker.HealthCheck(ctx))

	status := "healthy"
	code := fiber.StatusOK
	if !healthy {
		status = "unhealthy"
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().Unix(),
	})
}

// Docs handles GET /docs: a JSON endpoint listing.
func (h *Handlers) Docs(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"title":   "Twillow SMS Dispatch API",
		"version": "1.0",
		"endpoints": fiber.Map{
			"send_sms":           "POST /api/sms/send - Queue an SMS for delivery",
			"rate_limits":        "GET /api/sms/rate-limits - Rate limit counters",
			"provider_health":    "GET /api/sms/health - Sliding-window health for all providers",
			"provider_detail":    "GET /api/sms/health/{provider} - Health for one provider",
			"reset_health":       "POST /api/sms/health/{provider}/reset - Clear a provider's health window",
			"requests":           "GET /api/sms/requests - List requests with filters",
			"request_detail":     "GET /api/sms/requests/{id} - Request with responses and retries",
			"stats":              "GET /api/sms/stats - Request and provider aggregates",
			"distribution_stats": "GET /api/sms/distribution-stats - Selector counters",
			"queue_status":       "GET /api/sms/queue-status - Scheduler backlog and dead letters",
			"health":             "GET /health - Component health check",
			"metrics":            "GET /metrics - Prometheus metrics",
		},
		"example_send": fiber.Map{
			"method": "POST",
			"url":    "/api/sms/send",
			"body":   fiber.Map{"phone": "+12345678901", "text": "Hello!"},
		},
	})
}

func (h *Handlers) knownProvider(id string) bool {
	for _, p := range h.providerIDs {
		if p == id {
			return true
		}
	}
	return false
}
