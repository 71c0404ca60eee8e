package api

import (
	"crypto/rand"
	"encoding/hex"
	"maps"
	"net/http"

	"github.com/google/uuid"

	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
)

const secretPrefix = "whsec_"

func generateSecret() string {
	b := make([]byte, 24)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b)
	return secretPrefix + hex.EncodeToString(b)
}

func (h *Handler) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateCreateWebhook(req); err != nil {
		h.writeDomainError(w, r, "create webhook", err)
		return
	}

	now := h.clock().UTC()
	wh := domain.Webhook{
		ID:          uuid.New(),
		Enabled:     true,
		RetryPolicy: domain.DefaultRetryPolicy(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	applyWebhookRequest(&wh, req)
	if req.Secret == nil {
		wh.Secret = generateSecret()
	}

	if err := h.store.CreateWebhook(r.Context(), wh); err != nil {
		h.writeDomainError(w, r, "create webhook", err)
		return
	}
	h.logger.Info("webhook created", "webhook_id", wh.ID, "url", wh.URL, "events", len(wh.Events))

	// The only response that carries the full secret.
	resp := toWebhookResponse(wh)
	resp.Secret = wh.Secret
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) listWebhooks(w http.ResponseWriter, r *http.Request) {
	webhooks, err := h.store.ListWebhooks(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "list webhooks", err)
		return
	}

	resp := ListWebhooksResponse{Webhooks: make([]WebhookResponse, len(webhooks))}
	for i, wh := range webhooks {
		resp.Webhooks[i] = toWebhookResponse(wh)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := h.store.GetWebhook(r.Context(), pathID(r))
	if err != nil {
		h.writeDomainError(w, r, "get webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, toWebhookResponse(wh))
}

func (h *Handler) updateWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateWebhookFields(req); err != nil {
		h.writeDomainError(w, r, "update webhook", err)
		return
	}

	wh, err := h.store.GetWebhook(r.Context(), pathID(r))
	if err != nil {
		h.writeDomainError(w, r, "update webhook", err)
		return
	}
	applyWebhookRequest(&wh, req)
	wh.UpdatedAt = h.clock().UTC()

	if err := h.store.UpdateWebhook(r.Context(), wh); err != nil {
		h.writeDomainError(w, r, "update webhook", err)
		return
	}
	h.logger.Info("webhook updated", "webhook_id", wh.ID, "enabled", wh.Enabled)
	writeJSON(w, http.StatusOK, toWebhookResponse(wh))
}

func (h *Handler) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if err := h.store.DeleteWebhook(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "delete webhook", err)
		return
	}
	h.logger.Info("webhook deleted", "webhook_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) testWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := h.store.GetWebhook(r.Context(), pathID(r))
	if err != nil {
		h.writeDomainError(w, r, "test webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, h.tester.TestWebhook(r.Context(), wh))
}

// applyWebhookRequest copies every field set in req onto wh.
func applyWebhookRequest(wh *domain.Webhook, req WebhookRequest) {
	if req.Name != "" {
		wh.Name = req.Name
	}
	if req.URL != "" {
		wh.URL = req.URL
	}
	if req.Secret != nil {
		wh.Secret = *req.Secret
	}
	if req.Enabled != nil {
		wh.Enabled = *req.Enabled
	}
	if req.Events != nil {
		wh.Events = append([]domain.EventType(nil), req.Events...)
	}
	if req.Headers != nil {
		wh.Headers = maps.Clone(req.Headers)
	}
	if req.RetryPolicy != nil {
		wh.RetryPolicy = *req.RetryPolicy
	}
	if req.DeliveryConfig != nil {
		dc := *req.DeliveryConfig
		wh.DeliveryConfig = &dc
	}
	if req.AlertConfig != nil {
		ac := *req.AlertConfig
		wh.AlertConfig = &ac
	}
	if req.Thresholds != nil {
		wh.Thresholds = maps.Clone(req.Thresholds)
	}
	if req.ConnectionID != nil {
		if *req.ConnectionID == "" {
			wh.ConnectionID = nil
		} else {
			conn := *req.ConnectionID
			wh.ConnectionID = &conn
		}
	}
}
