// Package postgres stores webhooks and deliveries in PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/BetterDB-inc/monitor-sub000/internal/alerts"
	"github.com/BetterDB-inc/monitor-sub000/internal/api"
	"github.com/BetterDB-inc/monitor-sub000/internal/dispatcher"
	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
	"github.com/BetterDB-inc/monitor-sub000/internal/pruner"
	"github.com/BetterDB-inc/monitor-sub000/internal/reconciler"
	"github.com/BetterDB-inc/monitor-sub000/internal/scheduler"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a store. Each operation runs under opTimeout; zero disables it.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// PingContext reports database reachability for health checks.
func (s *Store) PingContext(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) CreateWebhook(ctx context.Context, w domain.Webhook) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args, err := webhookArgs(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, queryInsertWebhook, append(args, w.CreatedAt, w.UpdatedAt)...)
	if isPQCode(err, pqUniqueViolation) {
		return goerrors.New("webhook already exists", goerrors.CategoryConflict).WithCode(409)
	}
	return err
}

func (s *Store) GetWebhook(ctx context.Context, id uuid.UUID) (domain.Webhook, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	w, err := scanWebhook(s.db.QueryRowContext(ctx, queryGetWebhook, id))
	if err == sql.ErrNoRows {
		return domain.Webhook{}, domain.NewWebhookNotFound(id)
	}
	return w, err
}

// ListWebhooks returns all webhooks, oldest first.
func (s *Store) ListWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	return s.queryWebhooks(ctx, queryListWebhooks)
}

func (s *Store) UpdateWebhook(ctx context.Context, w domain.Webhook) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args, err := webhookArgs(w)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, queryUpdateWebhook, append(args, w.UpdatedAt)...)
	if err != nil {
		return err
	}
	return requireRow(result, domain.NewWebhookNotFound(w.ID))
}

// DeleteWebhook removes the webhook; its deliveries go with it via ON DELETE CASCADE.
func (s *Store) DeleteWebhook(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryDeleteWebhook, id)
	if err != nil {
		return err
	}
	return requireRow(result, domain.NewWebhookNotFound(id))
}

// GetWebhooksByEvent returns enabled webhooks subscribed to eventType and
// visible to scope.
func (s *Store) GetWebhooksByEvent(ctx context.Context, eventType domain.EventType, scope domain.Scope) ([]domain.Webhook, error) {
	return s.queryWebhooks(ctx, queryGetWebhooksByEvent, string(eventType), scope.ConnectionID)
}

func (s *Store) GetWebhooksByEventAllScopes(ctx context.Context, eventType domain.EventType) ([]domain.Webhook, error) {
	return s.queryWebhooks(ctx, queryGetWebhooksByEventAllScopes, string(eventType))
}

func (s *Store) queryWebhooks(ctx context.Context, query string, args ...any) ([]domain.Webhook, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateDelivery(ctx context.Context, d domain.Delivery) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, queryInsertDelivery,
		d.ID,
		d.WebhookID,
		string(d.EventType),
		payload,
		string(d.Status),
		d.StatusCode,
		d.ResponseBody,
		d.Attempts,
		d.NextRetryAt,
		d.CreatedAt,
		d.CompletedAt,
		d.DurationMs,
		nullUUID(d.ClaimToken),
		d.ClaimedUntil,
	)
	switch {
	case isPQCode(err, pqForeignKeyViolation):
		return domain.NewWebhookNotFound(d.WebhookID)
	case isPQCode(err, pqUniqueViolation):
		return goerrors.New("delivery already exists", goerrors.CategoryConflict).WithCode(409)
	}
	return err
}

func (s *Store) GetDelivery(ctx context.Context, id uuid.UUID) (domain.Delivery, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	d, err := scanDelivery(s.db.QueryRowContext(ctx, queryGetDelivery, id))
	if err == sql.ErrNoRows {
		return domain.Delivery{}, domain.NewDeliveryNotFound(id)
	}
	return d, err
}

// UpdateDelivery applies u unless the delivery is terminal or u carries a
// stale claim. The guards live in the WHERE clause so the check and the
// write happen under the same row lock.
func (s *Store) UpdateDelivery(ctx context.Context, id uuid.UUID, u domain.DeliveryUpdate) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var expected uuid.NullUUID
	if u.ExpectedClaim != nil {
		expected = uuid.NullUUID{UUID: *u.ExpectedClaim, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, queryUpdateDelivery,
		id,
		string(u.Status),
		u.StatusCode,
		u.ResponseBody,
		u.Attempts,
		u.NextRetryAt,
		u.CompletedAt,
		u.DurationMs,
		expected,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}

	// Not found, terminal, or claimed by someone else.
	var status string
	var token uuid.NullUUID
	err = s.db.QueryRowContext(ctx, queryGetDeliveryGuard, id).Scan(&status, &token)
	if err == sql.ErrNoRows {
		return domain.NewDeliveryNotFound(id)
	}
	if err != nil {
		return err
	}
	if domain.DeliveryStatus(status).IsTerminal() {
		return domain.ErrStatusTransitionDenied
	}
	return domain.ErrClaimLost
}

// ClaimRetriableDeliveries stamps up to limit due retrying deliveries with
// claim and returns them ordered by next retry time. Rows locked by a
// concurrent claimer are skipped.
func (s *Store) ClaimRetriableDeliveries(ctx context.Context, claim domain.Claim, limit int) ([]domain.Delivery, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryClaimRetriableDeliveries, claim.Token, claim.Until, claim.At, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	sort.Slice(result, func(i, j int) bool { return result[i].NextRetryAt.Before(*result[j].NextRetryAt) })
	return result, nil
}

// ReopenDelivery forces a delivery back to retrying, due at claim.At and
// owned by claim. Succeeded deliveries cannot be reopened.
func (s *Store) ReopenDelivery(ctx context.Context, id uuid.UUID, claim domain.Claim) (domain.Delivery, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	d, err := scanDelivery(s.db.QueryRowContext(ctx, queryReopenDelivery, id, claim.At, claim.Token, claim.Until))
	if err == nil {
		return d, nil
	}
	if err != sql.ErrNoRows {
		return domain.Delivery{}, err
	}

	var status string
	var claimedUntil sql.NullTime
	err = s.db.QueryRowContext(ctx, queryReopenGuard, id).Scan(&status, &claimedUntil)
	if err == sql.ErrNoRows {
		return domain.Delivery{}, domain.NewDeliveryNotFound(id)
	}
	if err != nil {
		return domain.Delivery{}, err
	}
	if domain.DeliveryStatus(status) == domain.DeliveryStatusSuccess {
		return domain.Delivery{}, domain.NewDeliveryAlreadySucceeded(id)
	}
	return domain.Delivery{}, domain.NewDeliveryInFlight(id)
}

// GetRetryStats counts deliveries waiting for a retry, due or not.
func (s *Store) GetRetryStats(ctx context.Context) (domain.RetryStats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var stats domain.RetryStats
	var next sql.NullTime
	if err := s.db.QueryRowContext(ctx, queryGetRetryStats).Scan(&stats.PendingRetries, &next); err != nil {
		return domain.RetryStats{}, err
	}
	if next.Valid {
		stats.NextRetryTime = &next.Time
	}
	return stats, nil
}

// ListDeliveries returns a webhook's deliveries, newest first.
func (s *Store) ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]domain.Delivery, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListDeliveries, webhookID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// PruneOldDeliveries deletes terminal deliveries created before cutoff.
func (s *Store) PruneOldDeliveries(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryPruneOldDeliveries, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// RequeueStalePending moves up to limit deliveries stuck in pending since
// before olderThan to retrying, due at now.
func (s *Store) RequeueStalePending(ctx context.Context, olderThan, now time.Time, limit int) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryRequeueStalePending, olderThan, now, limit)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// webhookArgs returns columns id through connection_id in insert order.
func webhookArgs(w domain.Webhook) ([]any, error) {
	headers, err := json.Marshal(nonNilMap(w.Headers))
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	policy, err := json.Marshal(w.RetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("encode retry policy: %w", err)
	}
	deliveryConfig, err := marshalOptional(w.DeliveryConfig)
	if err != nil {
		return nil, fmt.Errorf("encode delivery config: %w", err)
	}
	alertConfig, err := marshalOptional(w.AlertConfig)
	if err != nil {
		return nil, fmt.Errorf("encode alert config: %w", err)
	}
	thresholds, err := json.Marshal(nonNilMap(w.Thresholds))
	if err != nil {
		return nil, fmt.Errorf("encode thresholds: %w", err)
	}

	events := make([]string, len(w.Events))
	for i, e := range w.Events {
		events[i] = string(e)
	}

	var connectionID sql.NullString
	if w.ConnectionID != nil {
		connectionID = sql.NullString{String: *w.ConnectionID, Valid: true}
	}

	return []any{
		w.ID,
		w.Name,
		w.URL,
		w.Secret,
		w.Enabled,
		pq.Array(events),
		headers,
		policy,
		deliveryConfig,
		alertConfig,
		thresholds,
		connectionID,
	}, nil
}

func scanWebhook(row rowScanner) (domain.Webhook, error) {
	var w domain.Webhook
	var events []string
	var headers, policy, deliveryConfig, alertConfig, thresholds []byte
	var connectionID sql.NullString

	err := row.Scan(
		&w.ID,
		&w.Name,
		&w.URL,
		&w.Secret,
		&w.Enabled,
		pq.Array(&events),
		&headers,
		&policy,
		&deliveryConfig,
		&alertConfig,
		&thresholds,
		&connectionID,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return domain.Webhook{}, err
	}

	for _, e := range events {
		w.Events = append(w.Events, domain.EventType(e))
	}
	if err := json.Unmarshal(headers, &w.Headers); err != nil {
		return domain.Webhook{}, fmt.Errorf("decode headers: %w", err)
	}
	if err := json.Unmarshal(policy, &w.RetryPolicy); err != nil {
		return domain.Webhook{}, fmt.Errorf("decode retry policy: %w", err)
	}
	if deliveryConfig != nil {
		w.DeliveryConfig = &domain.DeliveryConfig{}
		if err := json.Unmarshal(deliveryConfig, w.DeliveryConfig); err != nil {
			return domain.Webhook{}, fmt.Errorf("decode delivery config: %w", err)
		}
	}
	if alertConfig != nil {
		w.AlertConfig = &domain.AlertConfig{}
		if err := json.Unmarshal(alertConfig, w.AlertConfig); err != nil {
			return domain.Webhook{}, fmt.Errorf("decode alert config: %w", err)
		}
	}
	if err := json.Unmarshal(thresholds, &w.Thresholds); err != nil {
		return domain.Webhook{}, fmt.Errorf("decode thresholds: %w", err)
	}
	if connectionID.Valid {
		w.ConnectionID = &connectionID.String
	}
	return w, nil
}

func scanDelivery(row rowScanner) (domain.Delivery, error) {
	var d domain.Delivery
	var eventType, status string
	var payload []byte
	var token uuid.NullUUID

	err := row.Scan(
		&d.ID,
		&d.WebhookID,
		&eventType,
		&payload,
		&status,
		&d.StatusCode,
		&d.ResponseBody,
		&d.Attempts,
		&d.NextRetryAt,
		&d.CreatedAt,
		&d.CompletedAt,
		&d.DurationMs,
		&token,
		&d.ClaimedUntil,
	)
	if err != nil {
		return domain.Delivery{}, err
	}

	d.EventType = domain.EventType(eventType)
	d.Status = domain.DeliveryStatus(status)
	if token.Valid {
		d.ClaimToken = token.UUID
	}
	if err := json.Unmarshal(payload, &d.Payload); err != nil {
		return domain.Delivery{}, fmt.Errorf("decode payload: %w", err)
	}
	return d, nil
}

// marshalOptional returns an untyped nil for a nil v so the column is
// written as NULL.
func marshalOptional[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nonNilMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func requireRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// isPQCode reports whether err is a PostgreSQL error with the given SQLSTATE.
func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	if goerrors.As(err, &pqErr) {
		return string(pqErr.Code) == code
	}
	return false
}

// Compile-time interface assertions
var (
	_ scheduler.Store   = (*Store)(nil)
	_ dispatcher.Store  = (*Store)(nil)
	_ alerts.Registry   = (*Store)(nil)
	_ reconciler.Store  = (*Store)(nil)
	_ pruner.Store      = (*Store)(nil)
	_ api.Store         = (*Store)(nil)
	_ api.HealthChecker = (*Store)(nil)
)
