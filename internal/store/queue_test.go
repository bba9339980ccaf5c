package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "smsflow/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "engine.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func enqueueTestItem(t *testing.T, s *Store, corr string, at time.Time) int64 {
	t.Helper()
	id, err := s.EnqueueItem(context.Background(), QueueItem{
		CorrelationID: corr,
		Destination:   "+15550001111",
		Payload:       "hello",
		NextAttemptAt: at,
		CreatedAt:     at,
	})
	if err != nil {
		t.Fatalf("EnqueueItem: %v", err)
	}
	return id
}

func TestReadyItemsOrderingAndDueness(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	enqueueTestItem(t, s, "c-later", now.Add(2*time.Second))
	first := enqueueTestItem(t, s, "c-first", now.Add(-2*time.Second))
	second := enqueueTestItem(t, s, "c-second", now.Add(-time.Second))
	enqueueTestItem(t, s, "c-future", now.Add(time.Hour))

	items, err := s.ReadyItems(ctx, now, 10)
	if err != nil {
		t.Fatalf("ReadyItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d ready items, want 2", len(items))
	}
	if items[0].ID != first || items[1].ID != second {
		t.Fatalf("ready order = [%d %d], want [%d %d]", items[0].ID, items[1].ID, first, second)
	}
}

func TestClaimItemSingleWinner(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	id := enqueueTestItem(t, s, "c-race", now)

	const claimers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimItem(ctx, id, now)
			if err != nil {
				t.Errorf("ClaimItem: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("claim winners = %d, want exactly 1", wins)
	}

	it, err := s.ItemByID(ctx, id)
	if err != nil {
		t.Fatalf("ItemByID: %v", err)
	}
	if it.Status != StatusProcessing {
		t.Fatalf("status = %s, want PROCESSING", it.Status)
	}
}

func TestMarkSentRequiresProcessing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	id := enqueueTestItem(t, s, "c-sent", now)

	if ok, err := s.MarkSent(ctx, id, now); err != nil || ok {
		t.Fatalf("MarkSent on PENDING = (%v, %v), want (false, nil)", ok, err)
	}
	if _, err := s.ClaimItem(ctx, id, now); err != nil {
		t.Fatalf("ClaimItem: %v", err)
	}
	if ok, err := s.MarkSent(ctx, id, now); err != nil || !ok {
		t.Fatalf("MarkSent on PROCESSING = (%v, %v), want (true, nil)", ok, err)
	}
	// A replayed send result finds the item already SENT.
	if ok, _ := s.MarkSent(ctx, id, now); ok {
		t.Fatal("duplicate MarkSent succeeded, want rejection")
	}
}

func TestMarkDeliveryOnlyFromSent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	id := enqueueTestItem(t, s, "c-dlv", now)

	if ok, _ := s.MarkDelivery(ctx, id, true, "", now); ok {
		t.Fatal("delivery applied to PENDING item")
	}
	if _, err := s.ClaimItem(ctx, id, now); err != nil {
		t.Fatalf("ClaimItem: %v", err)
	}
	if _, err := s.MarkSent(ctx, id, now); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if ok, err := s.MarkDelivery(ctx, id, true, "", now); err != nil || !ok {
		t.Fatalf("MarkDelivery = (%v, %v), want (true, nil)", ok, err)
	}
	if ok, _ := s.MarkDelivery(ctx, id, true, "", now); ok {
		t.Fatal("duplicate delivery applied, want no-op")
	}
	it, err := s.ItemByID(ctx, id)
	if err != nil {
		t.Fatalf("ItemByID: %v", err)
	}
	if it.Status != StatusDelivered {
		t.Fatalf("status = %s, want DELIVERED", it.Status)
	}
}

func TestFailureTransitionsRequireProcessing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	id := enqueueTestItem(t, s, "c-late", now)

	// A failure signal arriving after the staleness sweep already returned
	// the item to PENDING must not touch it.
	if ok, err := s.RescheduleRetry(ctx, id, 1, now.Add(time.Minute), now, "TIMEOUT"); err != nil || ok {
		t.Fatalf("RescheduleRetry on PENDING = (%v, %v), want (false, nil)", ok, err)
	}
	if ok, err := s.MarkTerminal(ctx, id, StatusFailed, "REJECTED", 1, now); err != nil || ok {
		t.Fatalf("MarkTerminal on PENDING = (%v, %v), want (false, nil)", ok, err)
	}
	it, err := s.ItemByID(ctx, id)
	if err != nil {
		t.Fatalf("ItemByID: %v", err)
	}
	if it.Status != StatusPending || it.AttemptCount != 0 {
		t.Fatalf("item = %s attempts=%d, want untouched PENDING with 0 attempts", it.Status, it.AttemptCount)
	}

	if _, err := s.ClaimItem(ctx, id, now); err != nil {
		t.Fatalf("ClaimItem: %v", err)
	}
	if ok, err := s.RescheduleRetry(ctx, id, 1, now.Add(time.Minute), now, "TIMEOUT"); err != nil || !ok {
		t.Fatalf("RescheduleRetry on PROCESSING = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestResetStaleHealsAbandonedItems(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	stale := enqueueTestItem(t, s, "c-stale", now)
	fresh := enqueueTestItem(t, s, "c-fresh", now)
	if _, err := s.ClaimItem(ctx, stale, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("ClaimItem: %v", err)
	}
	if _, err := s.ClaimItem(ctx, fresh, now); err != nil {
		t.Fatalf("ClaimItem: %v", err)
	}

	healed, err := s.ResetStale(ctx, now.Add(-2*time.Minute), now)
	if err != nil {
		t.Fatalf("ResetStale: %v", err)
	}
	if healed != 1 {
		t.Fatalf("healed = %d, want 1", healed)
	}
	it, _ := s.ItemByID(ctx, stale)
	if it.Status != StatusPending || it.NextAttemptAt.After(now) {
		t.Fatalf("stale item = %s next=%v, want PENDING due now", it.Status, it.NextAttemptAt)
	}
	if it, _ := s.ItemByID(ctx, fresh); it.Status != StatusProcessing {
		t.Fatalf("fresh item disturbed: %s", it.Status)
	}
}

func TestExpireDeliveries(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	id := enqueueTestItem(t, s, "c-exp", now)
	if _, err := s.ClaimItem(ctx, id, now); err != nil {
		t.Fatalf("ClaimItem: %v", err)
	}
	if _, err := s.MarkSent(ctx, id, now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	n, err := s.ExpireDeliveries(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ExpireDeliveries: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	it, _ := s.ItemByID(ctx, id)
	if it.Status != StatusDeliveryExpired {
		t.Fatalf("status = %s, want DELIVERY_EXPIRED", it.Status)
	}
	if !it.Status.Terminal() {
		t.Fatal("DELIVERY_EXPIRED must be terminal")
	}
}

func TestPruneQueueKeepsLiveItems(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-60 * 24 * time.Hour)

	dead := enqueueTestItem(t, s, "c-dead", old)
	live := enqueueTestItem(t, s, "c-live", old)
	if _, err := s.ClaimItem(ctx, dead, old); err != nil {
		t.Fatalf("ClaimItem: %v", err)
	}
	if ok, err := s.MarkTerminal(ctx, dead, StatusFailed, "BOOM", 1, old); err != nil || !ok {
		t.Fatalf("MarkTerminal = (%v, %v)", ok, err)
	}

	n, err := s.PruneQueue(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("PruneQueue: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if _, err := s.ItemByID(ctx, dead); err != ErrNotFound {
		t.Fatalf("pruned item lookup err = %v, want ErrNotFound", err)
	}
	if _, err := s.ItemByID(ctx, live); err != nil {
		t.Fatalf("live old item was pruned: %v", err)
	}
}

func TestCancelPendingOnly(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	pending := enqueueTestItem(t, s, "c-cancel-a", now)
	claimed := enqueueTestItem(t, s, "c-cancel-b", now)
	if _, err := s.ClaimItem(ctx, claimed, now); err != nil {
		t.Fatalf("ClaimItem: %v", err)
	}

	if ok, err := s.CancelPending(ctx, pending); err != nil || !ok {
		t.Fatalf("CancelPending(pending) = (%v, %v), want (true, nil)", ok, err)
	}
	if ok, _ := s.CancelPending(ctx, claimed); ok {
		t.Fatal("cancelled an item already in flight")
	}
	if _, err := s.ItemByID(ctx, pending); err != ErrNotFound {
		t.Fatalf("cancelled item lookup err = %v, want ErrNotFound", err)
	}
}

func TestItemByCorrelation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	id := enqueueTestItem(t, s, "c-lookup", time.Now())

	it, err := s.ItemByCorrelation(ctx, "c-lookup")
	if err != nil {
		t.Fatalf("ItemByCorrelation: %v", err)
	}
	if it.ID != id {
		t.Fatalf("id = %d, want %d", it.ID, id)
	}
	if _, err := s.ItemByCorrelation(ctx, "nope"); err != ErrNotFound {
		t.Fatalf("unknown correlation err = %v, want ErrNotFound", err)
	}
}
