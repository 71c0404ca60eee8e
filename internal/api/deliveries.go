package api

import (
	"context"
	"net/http"

	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
)

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	webhookID := pathID(r)

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Distinguish an unknown webhook from one with no deliveries.
	if _, err := h.store.GetWebhook(r.Context(), webhookID); err != nil {
		h.writeDomainError(w, r, "list deliveries", err)
		return
	}

	deliveries, err := h.store.ListDeliveries(r.Context(), webhookID, limit, offset)
	if err != nil {
		h.writeDomainError(w, r, "list deliveries", err)
		return
	}

	resp := ListDeliveriesResponse{Deliveries: make([]DeliveryResponse, len(deliveries))}
	for i, d := range deliveries {
		resp.Deliveries[i] = toDeliveryResponse(d)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.GetDelivery(r.Context(), pathID(r))
	if err != nil {
		h.writeDomainError(w, r, "get delivery", err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryResponse(d))
}

// retryDelivery attempts the delivery synchronously and returns the stored
// result of that attempt.
func (h *Handler) retryDelivery(w http.ResponseWriter, r *http.Request) {
	if h.retrier == nil {
		writeError(w, http.StatusServiceUnavailable, "retry scheduler not configured")
		return
	}

	d, err := h.retrier.ManualRetry(context.WithoutCancel(r.Context()), pathID(r))
	if err != nil {
		h.writeDomainError(w, r, "retry delivery", err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryResponse(d))
}

func (h *Handler) retryStats(w http.ResponseWriter, r *http.Request) {
	if h.retrier == nil {
		writeError(w, http.StatusServiceUnavailable, "retry scheduler not configured")
		return
	}

	stats, err := h.retrier.Stats(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "retry stats", err)
		return
	}
	writeJSON(w, http.StatusOK, RetryStatsResponse{
		PendingRetries: stats.PendingRetries,
		NextRetryTime:  formatTimePtr(stats.NextRetryTime),
	})
}

func (h *Handler) webhookAnalytics(w http.ResponseWriter, r *http.Request) {
	if h.analytics == nil {
		writeError(w, http.StatusServiceUnavailable, "analytics not configured")
		return
	}

	event := domain.EventType(r.URL.Query().Get("event"))
	if !event.Valid() {
		writeError(w, http.StatusBadRequest, "query parameter event must be a known event type")
		return
	}

	id := pathID(r)
	now := h.clock().UTC()
	resp := AnalyticsResponse{
		WebhookID: id.String(),
		Event:     event,
		At:        formatTime(now),
		Counts:    make(map[string]int64),
	}

	statuses := []domain.DeliveryStatus{
		domain.DeliveryStatusSuccess,
		domain.DeliveryStatusRetrying,
		domain.DeliveryStatusFailed,
	}
	for _, status := range statuses {
		n, err := h.analytics.Count(r.Context(), id, event, status, now)
		if err != nil {
			h.writeDomainError(w, r, "webhook analytics", err)
			return
		}
		resp.Counts[string(status)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}
