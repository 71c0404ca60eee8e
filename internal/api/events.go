package api

import (
	"context"
	"net/http"

	"github.com/BetterDB-inc/monitor-sub000/internal/alerts"
	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
)

// ingestEvent queues an event on the bus. Delivery happens asynchronously;
// a full bus is reported as 503 so producers can back off.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	var req EventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateEventRequest(req); err != nil {
		h.writeDomainError(w, r, "ingest event", err)
		return
	}

	event := domain.Event{
		Type:      req.Event,
		Data:      req.Data,
		Scope:     domain.Scope{ConnectionID: req.ConnectionID},
		CreatedAt: h.clock().UTC(),
	}
	if err := h.events.Emit(r.Context(), event); err != nil {
		h.logger.Warn("event rejected", "event", req.Event, "error", err)
		h.writeDomainError(w, r, "ingest event", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) thresholdAlert(w http.ResponseWriter, r *http.Request) {
	if h.alerter == nil {
		writeError(w, http.StatusServiceUnavailable, "alerting not configured")
		return
	}

	var req ThresholdAlertRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateThresholdAlert(req); err != nil {
		h.writeDomainError(w, r, "threshold alert", err)
		return
	}

	// A fired alert is recorded before delivery, so a client disconnect
	// must not abort the dispatch.
	fired := h.alerter.DispatchThresholdAlert(context.WithoutCancel(r.Context()), alerts.ThresholdAlert{
		EventType: req.Event,
		AlertKey:  req.AlertKey,
		Value:     req.Value,
		Threshold: req.Threshold,
		Above:     above(req.Above),
		Data:      req.Data,
		Scope:     domain.Scope{ConnectionID: req.ConnectionID},
	})

	resp := AlertResponse{}
	if fired {
		resp.Fired = 1
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) perWebhookAlert(w http.ResponseWriter, r *http.Request) {
	if h.alerter == nil {
		writeError(w, http.StatusServiceUnavailable, "alerting not configured")
		return
	}

	var req PerWebhookAlertRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validatePerWebhookAlert(req); err != nil {
		h.writeDomainError(w, r, "per-webhook alert", err)
		return
	}

	fired := h.alerter.DispatchThresholdAlertPerWebhook(context.WithoutCancel(r.Context()), alerts.PerWebhookAlert{
		EventType:    req.Event,
		AlertKey:     req.AlertKey,
		Value:        req.Value,
		ThresholdKey: req.ThresholdKey,
		Above:        above(req.Above),
		Data:         req.Data,
	})
	writeJSON(w, http.StatusOK, AlertResponse{Fired: fired})
}

func above(b *bool) bool {
	return b == nil || *b
}
