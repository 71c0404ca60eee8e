// Package memory is an in-process webhook and delivery store for tests and
// single-process deployments. State is lost on restart.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
)

type Store struct {
	mu         sync.Mutex
	webhooks   map[uuid.UUID]domain.Webhook
	deliveries map[uuid.UUID]domain.Delivery
}

func New() *Store {
	return &Store{
		webhooks:   make(map[uuid.UUID]domain.Webhook),
		deliveries: make(map[uuid.UUID]domain.Delivery),
	}
}

func cloneWebhook(w domain.Webhook) domain.Webhook {
	w.Events = slices.Clone(w.Events)
	w.Headers = maps.Clone(w.Headers)
	w.Thresholds = maps.Clone(w.Thresholds)
	return w
}

func (s *Store) CreateWebhook(ctx context.Context, w domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[w.ID]; ok {
		return goerrors.New("webhook already exists", goerrors.CategoryConflict).WithCode(409)
	}
	s.webhooks[w.ID] = cloneWebhook(w)
	return nil
}

func (s *Store) GetWebhook(ctx context.Context, id uuid.UUID) (domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return domain.Webhook{}, domain.NewWebhookNotFound(id)
	}
	return cloneWebhook(w), nil
}

// ListWebhooks returns all webhooks, oldest first.
func (s *Store) ListWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Webhook, 0, len(s.webhooks))
	for _, w := range s.webhooks {
		out = append(out, cloneWebhook(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateWebhook(ctx context.Context, w domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[w.ID]; !ok {
		return domain.NewWebhookNotFound(w.ID)
	}
	s.webhooks[w.ID] = cloneWebhook(w)
	return nil
}

// DeleteWebhook removes the webhook and its deliveries.
func (s *Store) DeleteWebhook(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[id]; !ok {
		return domain.NewWebhookNotFound(id)
	}
	delete(s.webhooks, id)
	for did, d := range s.deliveries {
		if d.WebhookID == id {
			delete(s.deliveries, did)
		}
	}
	return nil
}

// GetWebhooksByEvent returns enabled webhooks subscribed to eventType and
// visible to scope.
func (s *Store) GetWebhooksByEvent(ctx context.Context, eventType domain.EventType, scope domain.Scope) ([]domain.Webhook, error) {
	return s.subscribers(eventType, func(w domain.Webhook) bool { return w.VisibleTo(scope) })
}

// GetWebhooksByEventAllScopes ignores connection scoping.
func (s *Store) GetWebhooksByEventAllScopes(ctx context.Context, eventType domain.EventType) ([]domain.Webhook, error) {
	return s.subscribers(eventType, func(domain.Webhook) bool { return true })
}

func (s *Store) subscribers(eventType domain.EventType, visible func(domain.Webhook) bool) ([]domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Webhook
	for _, w := range s.webhooks {
		if w.Enabled && w.Subscribes(eventType) && visible(w) {
			out = append(out, cloneWebhook(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateDelivery(ctx context.Context, d domain.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[d.WebhookID]; !ok {
		return domain.NewWebhookNotFound(d.WebhookID)
	}
	if _, ok := s.deliveries[d.ID]; ok {
		return goerrors.New("delivery already exists", goerrors.CategoryConflict).WithCode(409)
	}
	s.deliveries[d.ID] = d
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id uuid.UUID) (domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return domain.Delivery{}, domain.NewDeliveryNotFound(id)
	}
	return d, nil
}

// UpdateDelivery applies u unless the delivery is terminal or u carries a
// stale claim. A successful update releases the claim lease.
func (s *Store) UpdateDelivery(ctx context.Context, id uuid.UUID, u domain.DeliveryUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return domain.NewDeliveryNotFound(id)
	}
	if d.Status.IsTerminal() {
		return domain.ErrStatusTransitionDenied
	}
	if u.ExpectedClaim != nil && *u.ExpectedClaim != d.ClaimToken {
		return domain.ErrClaimLost
	}

	d.Status = u.Status
	d.StatusCode = u.StatusCode
	d.ResponseBody = u.ResponseBody
	d.Attempts = u.Attempts
	d.NextRetryAt = u.NextRetryAt
	d.CompletedAt = u.CompletedAt
	d.DurationMs = u.DurationMs
	d.ClaimedUntil = nil
	s.deliveries[id] = d
	return nil
}

// ClaimRetriableDeliveries stamps up to limit due retrying deliveries with
// claim and returns them ordered by next retry time.
func (s *Store) ClaimRetriableDeliveries(ctx context.Context, claim domain.Claim, limit int) ([]domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.Delivery
	for _, d := range s.deliveries {
		if retriable(d, claim.At) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for i := range due {
		until := claim.Until
		due[i].ClaimToken = claim.Token
		due[i].ClaimedUntil = &until
		s.deliveries[due[i].ID] = due[i]
	}
	return due, nil
}

func retriable(d domain.Delivery, now time.Time) bool {
	if d.Status != domain.DeliveryStatusRetrying || d.NextRetryAt == nil || d.NextRetryAt.After(now) {
		return false
	}
	return d.ClaimedUntil == nil || d.ClaimedUntil.Before(now)
}

// ReopenDelivery forces a delivery back to retrying, due now and claimed
// by claim. Succeeded deliveries and deliveries under a live claim cannot
// be reopened.
func (s *Store) ReopenDelivery(ctx context.Context, id uuid.UUID, claim domain.Claim) (domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return domain.Delivery{}, domain.NewDeliveryNotFound(id)
	}
	if d.Status == domain.DeliveryStatusSuccess {
		return domain.Delivery{}, domain.NewDeliveryAlreadySucceeded(id)
	}
	if d.ClaimedUntil != nil && !d.ClaimedUntil.Before(claim.At) {
		return domain.Delivery{}, domain.NewDeliveryInFlight(id)
	}

	at, until := claim.At, claim.Until
	d.Status = domain.DeliveryStatusRetrying
	d.NextRetryAt = &at
	d.CompletedAt = nil
	d.ClaimToken = claim.Token
	d.ClaimedUntil = &until
	s.deliveries[id] = d
	return d, nil
}

// GetRetryStats counts deliveries waiting for a retry, due or not.
func (s *Store) GetRetryStats(ctx context.Context) (domain.RetryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats domain.RetryStats
	for _, d := range s.deliveries {
		if d.Status != domain.DeliveryStatusRetrying || d.NextRetryAt == nil {
			continue
		}
		stats.PendingRetries++
		if stats.NextRetryTime == nil || d.NextRetryAt.Before(*stats.NextRetryTime) {
			next := *d.NextRetryAt
			stats.NextRetryTime = &next
		}
	}
	return stats, nil
}

// ListDeliveries returns a webhook's deliveries, newest first.
func (s *Store) ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Delivery
	for _, d := range s.deliveries {
		if d.WebhookID == webhookID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneOldDeliveries deletes terminal deliveries created before cutoff.
func (s *Store) PruneOldDeliveries(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, d := range s.deliveries {
		if d.Status.IsTerminal() && d.CreatedAt.Before(cutoff) {
			delete(s.deliveries, id)
			n++
		}
	}
	return n, nil
}

// RequeueStalePending moves up to limit deliveries stuck in pending since
// before olderThan to retrying, due at now.
func (s *Store) RequeueStalePending(ctx context.Context, olderThan, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []domain.Delivery
	for _, d := range s.deliveries {
		if d.Status == domain.DeliveryStatusPending && d.CreatedAt.Before(olderThan) {
			stale = append(stale, d)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	for _, d := range stale {
		next := now
		d.Status = domain.DeliveryStatusRetrying
		d.NextRetryAt = &next
		s.deliveries[d.ID] = d
	}
	return len(stale), nil
}
