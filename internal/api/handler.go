// Package api exposes webhook management, delivery inspection, event
// ingest and alert evaluation over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/BetterDB-inc/monitor-sub000/internal/alerts"
	"github.com/BetterDB-inc/monitor-sub000/internal/dispatcher"
	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Store interface {
	CreateWebhook(ctx context.Context, w domain.Webhook) error
	GetWebhook(ctx context.Context, id uuid.UUID) (domain.Webhook, error)
	ListWebhooks(ctx context.Context) ([]domain.Webhook, error)
	UpdateWebhook(ctx context.Context, w domain.Webhook) error
	DeleteWebhook(ctx context.Context, id uuid.UUID) error
	GetDelivery(ctx context.Context, id uuid.UUID) (domain.Delivery, error)
	ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]domain.Delivery, error)
}

// Tester performs an unrecorded test send.
type Tester interface {
	TestWebhook(ctx context.Context, wh domain.Webhook) dispatcher.TestResult
}

type Retrier interface {
	ManualRetry(ctx context.Context, id uuid.UUID) (domain.Delivery, error)
	Stats(ctx context.Context) (domain.RetryStats, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.Event) error
}

type Alerter interface {
	DispatchThresholdAlert(ctx context.Context, a alerts.ThresholdAlert) bool
	DispatchThresholdAlertPerWebhook(ctx context.Context, a alerts.PerWebhookAlert) int
}

type AnalyticsReader interface {
	Count(ctx context.Context, webhookID uuid.UUID, eventType domain.EventType, status domain.DeliveryStatus, t time.Time) (int64, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	store     Store
	tester    Tester
	retrier   Retrier      // optional
	events    EventEmitter // optional
	alerter   Alerter      // optional
	analytics AnalyticsReader
	db        HealthChecker
	logger    *slog.Logger
	clock     func() time.Time
	router    chi.Router
}

func NewHandler(store Store, tester Tester) *Handler {
	h := &Handler{
		store:  store,
		tester: tester,
		logger: slog.Default().With("component", "api"),
		clock:  time.Now,
	}
	h.router = h.routes()
	return h
}

func (h *Handler) WithRetrier(r Retrier) *Handler {
	h.retrier = r
	return h
}

func (h *Handler) WithEvents(e EventEmitter) *Handler {
	h.events = e
	return h
}

func (h *Handler) WithAlerter(a Alerter) *Handler {
	h.alerter = a
	return h
}

func (h *Handler) WithAnalytics(a AnalyticsReader) *Handler {
	h.analytics = a
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) WithLogger(l *slog.Logger) *Handler {
	h.logger = l.With("component", "api")
	return h
}

func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", h.health)
	r.Get("/event-types", h.eventTypes)

	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/", h.listWebhooks)
		r.Post("/", h.createWebhook)
		r.Route("/{id}", func(r chi.Router) {
			r.Use(requireUUID)
			r.Get("/", h.getWebhook)
			r.Put("/", h.updateWebhook)
			r.Delete("/", h.deleteWebhook)
			r.Post("/test", h.testWebhook)
			r.Get("/deliveries", h.listDeliveries)
			r.Get("/analytics", h.webhookAnalytics)
		})
	})

	r.Route("/deliveries/{id}", func(r chi.Router) {
		r.Use(requireUUID)
		r.Get("/", h.getDelivery)
		r.Post("/retry", h.retryDelivery)
	})
	r.Get("/retries/stats", h.retryStats)

	r.Post("/events", h.ingestEvent)
	r.Post("/alerts/threshold", h.thresholdAlert)
	r.Post("/alerts/per-webhook", h.perWebhookAlert)

	return r
}

// requireUUID rejects requests whose {id} path parameter is not a UUID.
func requireUUID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := uuid.Parse(chi.URLParam(r, "id")); err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func pathID(r *http.Request) uuid.UUID {
	// requireUUID has already validated the parameter.
	id, _ := uuid.Parse(chi.URLParam(r, "id"))
	return id
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := h.db.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components["database"] = "unhealthy: " + err.Error()
		} else {
			resp.Components["database"] = "healthy"
		}
	}

	if h.retrier != nil {
		if stats, err := h.retrier.Stats(r.Context()); err == nil {
			resp.Components["retry_queue"] = strconv.Itoa(stats.PendingRetries) + " pending"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) eventTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, EventTypesResponse{
		Events:     domain.EventTypes,
		Thresholds: domain.DefaultThresholds,
	})
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// decodeJSON reads a size-limited JSON body into v, writing the error
// response itself when it fails.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: json encode error", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeDomainError maps go-errors categories onto HTTP status codes.
// Unclassified errors are logged and reported as 500 without detail.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		attrs := append([]slog.Attr{slog.String("op", op), slog.Any("error", err)}, goerrors.ToSlogAttributes(err)...)
		h.logger.LogAttrs(r.Context(), slog.LevelError, "request failed", attrs...)
		writeError(w, status, op+" failed")
		return
	}

	resp := ErrorResponse{Error: err.Error()}
	var e *goerrors.Error
	if goerrors.As(err, &e) {
		resp.Error = e.Message
		resp.Code = e.TextCode
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	var e *goerrors.Error
	if !goerrors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryValidation, goerrors.CategoryBadInput:
		return http.StatusBadRequest
	case goerrors.CategoryRateLimit:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
