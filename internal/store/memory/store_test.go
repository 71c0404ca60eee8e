package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/BetterDB-inc/monitor-sub000/internal/alerts"
	"github.com/BetterDB-inc/monitor-sub000/internal/api"
	"github.com/BetterDB-inc/monitor-sub000/internal/dispatcher"
	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
	"github.com/BetterDB-inc/monitor-sub000/internal/pruner"
	"github.com/BetterDB-inc/monitor-sub000/internal/reconciler"
	"github.com/BetterDB-inc/monitor-sub000/internal/scheduler"
	"github.com/BetterDB-inc/monitor-sub000/internal/store/memory"
	"github.com/BetterDB-inc/monitor-sub000/internal/testutil"
)

var (
	_ dispatcher.Store = (*memory.Store)(nil)
	_ scheduler.Store  = (*memory.Store)(nil)
	_ alerts.Registry  = (*memory.Store)(nil)
	_ reconciler.Store = (*memory.Store)(nil)
	_ pruner.Store     = (*memory.Store)(nil)
	_ api.Store        = (*memory.Store)(nil)
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *memory.Store) domain.Webhook {
	t.Helper()
	wh := testutil.NewWebhook("http://a.test", domain.EventInstanceDown)
	if err := s.CreateWebhook(context.Background(), wh); err != nil {
		t.Fatalf("CreateWebhook: %v", err)
	}
	return wh
}

func retrying(wh domain.Webhook, next time.Time) domain.Delivery {
	return domain.Delivery{
		ID:          uuid.New(),
		WebhookID:   wh.ID,
		EventType:   domain.EventInstanceDown,
		Status:      domain.DeliveryStatusRetrying,
		Attempts:    1,
		NextRetryAt: &next,
		CreatedAt:   t0.Add(-time.Hour),
	}
}

func TestWebhookCRUD(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wh := seed(t, s)

	got, err := s.GetWebhook(ctx, wh.ID)
	if err != nil || got.URL != wh.URL {
		t.Fatalf("GetWebhook = %+v, %v", got, err)
	}

	got.Events[0] = domain.EventInstanceUp
	again, _ := s.GetWebhook(ctx, wh.ID)
	if again.Events[0] != domain.EventInstanceDown {
		t.Error("returned webhook should not alias stored state")
	}

	got.Enabled = false
	if err := s.UpdateWebhook(ctx, got); err != nil {
		t.Fatalf("UpdateWebhook: %v", err)
	}
	if subs, _ := s.GetWebhooksByEvent(ctx, domain.EventInstanceDown, domain.Scope{}); len(subs) != 0 {
		t.Errorf("disabled webhook returned as subscriber")
	}

	if err := s.DeleteWebhook(ctx, wh.ID); err != nil {
		t.Fatalf("DeleteWebhook: %v", err)
	}
	if _, err := s.GetWebhook(ctx, wh.ID); !goerrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := s.DeleteWebhook(ctx, wh.ID); !goerrors.IsNotFound(err) {
		t.Errorf("second delete: expected not found, got %v", err)
	}
}

func TestGetWebhooksByEvent_Scope(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	conn := "conn-a"
	global := testutil.NewWebhook("http://g.test", domain.EventMemoryCritical)
	scoped := testutil.NewWebhook("http://s.test", domain.EventMemoryCritical)
	scoped.ConnectionID = &conn
	s.CreateWebhook(ctx, global)
	s.CreateWebhook(ctx, scoped)

	if subs, _ := s.GetWebhooksByEvent(ctx, domain.EventMemoryCritical, domain.Scope{}); len(subs) != 1 {
		t.Errorf("global scope: %d subscribers, want 1", len(subs))
	}
	if subs, _ := s.GetWebhooksByEvent(ctx, domain.EventMemoryCritical, domain.Scope{ConnectionID: conn}); len(subs) != 2 {
		t.Errorf("conn-a scope: %d subscribers, want 2", len(subs))
	}
	if subs, _ := s.GetWebhooksByEventAllScopes(ctx, domain.EventMemoryCritical); len(subs) != 2 {
		t.Errorf("all scopes: %d subscribers, want 2", len(subs))
	}
}

func TestCreateDelivery_UnknownWebhook(t *testing.T) {
	s := memory.New()
	err := s.CreateDelivery(context.Background(), domain.Delivery{ID: uuid.New(), WebhookID: uuid.New()})
	if !goerrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestUpdateDelivery_Guards(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wh := seed(t, s)

	d := retrying(wh, t0)
	s.CreateDelivery(ctx, d)

	claimed, _ := s.ClaimRetriableDeliveries(ctx, domain.NewClaim(t0, time.Minute), 10)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d, want 1", len(claimed))
	}

	stale := uuid.New()
	err := s.UpdateDelivery(ctx, d.ID, domain.DeliveryUpdate{Status: domain.DeliveryStatusFailed, ExpectedClaim: &stale})
	if !goerrors.Is(err, domain.ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}

	token := claimed[0].ClaimToken
	done := t0
	if err := s.UpdateDelivery(ctx, d.ID, domain.DeliveryUpdate{Status: domain.DeliveryStatusSuccess, Attempts: 2, CompletedAt: &done, ExpectedClaim: &token}); err != nil {
		t.Fatalf("UpdateDelivery: %v", err)
	}

	err = s.UpdateDelivery(ctx, d.ID, domain.DeliveryUpdate{Status: domain.DeliveryStatusRetrying})
	if !goerrors.Is(err, domain.ErrStatusTransitionDenied) {
		t.Errorf("expected ErrStatusTransitionDenied, got %v", err)
	}

	if err := s.UpdateDelivery(ctx, uuid.New(), domain.DeliveryUpdate{}); !goerrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestClaimRetriableDeliveries_OrderLimitAndLease(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wh := seed(t, s)

	late := retrying(wh, t0.Add(-time.Second))
	early := retrying(wh, t0.Add(-time.Minute))
	future := retrying(wh, t0.Add(time.Hour))
	for _, d := range []domain.Delivery{late, early, future} {
		s.CreateDelivery(ctx, d)
	}

	first, _ := s.ClaimRetriableDeliveries(ctx, domain.NewClaim(t0, time.Minute), 1)
	if len(first) != 1 || first[0].ID != early.ID {
		t.Fatalf("first claim = %v, want the earliest due delivery", first)
	}

	second, _ := s.ClaimRetriableDeliveries(ctx, domain.NewClaim(t0, time.Minute), 10)
	if len(second) != 1 || second[0].ID != late.ID {
		t.Fatalf("second claim = %v, want only the unclaimed due delivery", second)
	}

	if again, _ := s.ClaimRetriableDeliveries(ctx, domain.NewClaim(t0, time.Minute), 10); len(again) != 0 {
		t.Errorf("claimed deliveries handed out again: %v", again)
	}

	// Lease expiry makes them available again.
	after := t0.Add(2 * time.Minute)
	if expired, _ := s.ClaimRetriableDeliveries(ctx, domain.NewClaim(after, time.Minute), 10); len(expired) != 2 {
		t.Errorf("after lease expiry claimed %d, want 2", len(expired))
	}
}

func TestClaimRetriableDeliveries_ConcurrentCallersNeverShare(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wh := seed(t, s)
	for i := 0; i < 50; i++ {
		s.CreateDelivery(ctx, retrying(wh, t0.Add(-time.Duration(i)*time.Second)))
	}

	var mu sync.Mutex
	seen := map[uuid.UUID]int{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _ := s.ClaimRetriableDeliveries(ctx, domain.NewClaim(t0, time.Minute), 10)
			mu.Lock()
			defer mu.Unlock()
			for _, d := range got {
				seen[d.ID]++
			}
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Errorf("claimed %d distinct deliveries, want 50", len(seen))
	}
	for id, n := range seen {
		if n > 1 {
			t.Errorf("delivery %s claimed %d times", id, n)
		}
	}
}

func TestReopenDelivery(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wh := seed(t, s)

	done := t0.Add(-time.Minute)
	failed := domain.Delivery{ID: uuid.New(), WebhookID: wh.ID, Status: domain.DeliveryStatusFailed, Attempts: 3, CompletedAt: &done}
	succeeded := domain.Delivery{ID: uuid.New(), WebhookID: wh.ID, Status: domain.DeliveryStatusSuccess, Attempts: 1, CompletedAt: &done}
	s.CreateDelivery(ctx, failed)
	s.CreateDelivery(ctx, succeeded)

	claim := domain.NewClaim(t0, time.Minute)
	got, err := s.ReopenDelivery(ctx, failed.ID, claim)
	if err != nil {
		t.Fatalf("ReopenDelivery: %v", err)
	}
	if got.Status != domain.DeliveryStatusRetrying || got.CompletedAt != nil || !got.NextRetryAt.Equal(t0) {
		t.Errorf("unexpected reopened delivery %+v", got)
	}
	if got.ClaimToken != claim.Token || got.Attempts != 3 {
		t.Errorf("claim/attempts = %s/%d", got.ClaimToken, got.Attempts)
	}

	_, err = s.ReopenDelivery(ctx, succeeded.ID, claim)
	if !domain.HasTextCode(err, domain.TextCodeDeliveryAlreadySucceeded) {
		t.Errorf("expected already succeeded, got %v", err)
	}
	if _, err := s.ReopenDelivery(ctx, uuid.New(), claim); !goerrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestReopenDelivery_LiveClaim(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wh := seed(t, s)

	due := t0
	d := domain.Delivery{ID: uuid.New(), WebhookID: wh.ID, Status: domain.DeliveryStatusRetrying, Attempts: 1, NextRetryAt: &due}
	s.CreateDelivery(ctx, d)

	swept, _ := s.ClaimRetriableDeliveries(ctx, domain.NewClaim(t0, time.Minute), 10)
	if len(swept) != 1 {
		t.Fatalf("claimed %d, want 1", len(swept))
	}

	_, err := s.ReopenDelivery(ctx, d.ID, domain.NewClaim(t0.Add(30*time.Second), time.Minute))
	if !domain.HasTextCode(err, domain.TextCodeDeliveryInFlight) {
		t.Fatalf("reopen under live claim: got %v", err)
	}
	if !goerrors.IsCategory(err, goerrors.CategoryConflict) {
		t.Errorf("category = %v, want conflict", err)
	}

	if _, err := s.ReopenDelivery(ctx, d.ID, domain.NewClaim(t0.Add(2*time.Minute), time.Minute)); err != nil {
		t.Errorf("reopen after lease expiry: %v", err)
	}
}

func TestReopenDelivery_AfterAttemptReleasesClaim(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wh := seed(t, s)

	due := t0
	d := domain.Delivery{ID: uuid.New(), WebhookID: wh.ID, Status: domain.DeliveryStatusRetrying, Attempts: 1, NextRetryAt: &due}
	s.CreateDelivery(ctx, d)
	swept, _ := s.ClaimRetriableDeliveries(ctx, domain.NewClaim(t0, time.Minute), 10)

	next := t0.Add(time.Hour)
	token := swept[0].ClaimToken
	if err := s.UpdateDelivery(ctx, d.ID, domain.DeliveryUpdate{
		Status: domain.DeliveryStatusRetrying, Attempts: 2, NextRetryAt: &next, ExpectedClaim: &token,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ReopenDelivery(ctx, d.ID, domain.NewClaim(t0.Add(time.Second), time.Minute)); err != nil {
		t.Errorf("reopen after attempt recorded: %v", err)
	}
}

func TestGetRetryStats(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wh := seed(t, s)

	stats, _ := s.GetRetryStats(ctx)
	if stats.PendingRetries != 0 || stats.NextRetryTime != nil {
		t.Errorf("empty stats = %+v", stats)
	}

	s.CreateDelivery(ctx, retrying(wh, t0.Add(time.Minute)))
	s.CreateDelivery(ctx, retrying(wh, t0.Add(30*time.Second)))
	s.CreateDelivery(ctx, domain.Delivery{ID: uuid.New(), WebhookID: wh.ID, Status: domain.DeliveryStatusPending})

	stats, _ = s.GetRetryStats(ctx)
	if stats.PendingRetries != 2 {
		t.Errorf("pending retries = %d, want 2", stats.PendingRetries)
	}
	if stats.NextRetryTime == nil || !stats.NextRetryTime.Equal(t0.Add(30*time.Second)) {
		t.Errorf("next retry = %v", stats.NextRetryTime)
	}
}

func TestListDeliveries_Pagination(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wh := seed(t, s)
	for i := 0; i < 5; i++ {
		s.CreateDelivery(ctx, domain.Delivery{ID: uuid.New(), WebhookID: wh.ID, Status: domain.DeliveryStatusPending, CreatedAt: t0.Add(time.Duration(i) * time.Minute)})
	}

	page, _ := s.ListDeliveries(ctx, wh.ID, 2, 0)
	if len(page) != 2 || !page[0].CreatedAt.Equal(t0.Add(4*time.Minute)) {
		t.Errorf("first page = %v", page)
	}
	if page, _ := s.ListDeliveries(ctx, wh.ID, 2, 4); len(page) != 1 {
		t.Errorf("last page has %d items, want 1", len(page))
	}
	if page, _ := s.ListDeliveries(ctx, wh.ID, 2, 10); len(page) != 0 {
		t.Errorf("out of range page has %d items", len(page))
	}
}

func TestPruneOldDeliveries_TerminalOnly(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wh := seed(t, s)
	old := t0.Add(-48 * time.Hour)

	oldFailed := domain.Delivery{ID: uuid.New(), WebhookID: wh.ID, Status: domain.DeliveryStatusFailed, CreatedAt: old}
	oldRetrying := retrying(wh, t0)
	oldRetrying.CreatedAt = old
	fresh := domain.Delivery{ID: uuid.New(), WebhookID: wh.ID, Status: domain.DeliveryStatusSuccess, CreatedAt: t0}
	for _, d := range []domain.Delivery{oldFailed, oldRetrying, fresh} {
		s.CreateDelivery(ctx, d)
	}

	n, err := s.PruneOldDeliveries(ctx, t0.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("pruned %d (%v), want 1", n, err)
	}
	if _, err := s.GetDelivery(ctx, oldRetrying.ID); err != nil {
		t.Error("in-flight delivery should survive pruning")
	}
}

func TestRequeueStalePending(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wh := seed(t, s)

	stale := domain.Delivery{ID: uuid.New(), WebhookID: wh.ID, Status: domain.DeliveryStatusPending, CreatedAt: t0.Add(-time.Hour)}
	recent := domain.Delivery{ID: uuid.New(), WebhookID: wh.ID, Status: domain.DeliveryStatusPending, CreatedAt: t0}
	s.CreateDelivery(ctx, stale)
	s.CreateDelivery(ctx, recent)

	n, err := s.RequeueStalePending(ctx, t0.Add(-10*time.Minute), t0, 100)
	if err != nil || n != 1 {
		t.Fatalf("requeued %d (%v), want 1", n, err)
	}
	got, _ := s.GetDelivery(ctx, stale.ID)
	if got.Status != domain.DeliveryStatusRetrying || got.NextRetryAt == nil || !got.NextRetryAt.Equal(t0) {
		t.Errorf("stale delivery = %+v", got)
	}
	if got, _ := s.GetDelivery(ctx, recent.ID); got.Status != domain.DeliveryStatusPending {
		t.Errorf("recent delivery status = %s", got.Status)
	}
}
