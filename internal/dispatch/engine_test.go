package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"smsflow/internal/channel"
	"smsflow/internal/clock"
	"smsflow/internal/store"
	logx "smsflow/pkg/logx"
)

type stubChannel struct {
	mu   sync.Mutex
	sent []channel.Message
	err  error
}

func (c *stubChannel) Send(_ context.Context, m channel.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m)
	return c.err
}

func (c *stubChannel) sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type mapGate struct {
	mu       sync.Mutex
	out      map[string]bool
	failWith error
}

func (g *mapGate) IsOptedOut(_ context.Context, dest string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWith != nil {
		return false, g.failWith
	}
	return g.out[dest], nil
}

func (g *mapGate) set(dest string, v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.out == nil {
		g.out = map[string]bool{}
	}
	g.out[dest] = v
}

type budgetLimiter struct {
	mu     sync.Mutex
	budget int
}

func (l *budgetLimiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.budget <= 0 {
		return false
	}
	l.budget--
	return true
}

func newTestEngine(t *testing.T, ch channel.Channel, gate Gate, limiter Limiter, clk clock.Clock) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "engine.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	eng := New(Config{MaxAttempts: 3, RetryBase: 30 * time.Second, RetryCap: 15 * time.Minute},
		st, gate, limiter, ch, clk, logx.Nop(), nil)
	return eng, st
}

func TestPermanentFailureIsImmediatelyTerminal(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ch := &stubChannel{err: channel.Permanent(errors.New("unroutable"))}
	eng, st := newTestEngine(t, ch, nil, nil, clk)
	ctx := context.Background()

	it, err := eng.Enqueue(ctx, "+15550001111", "hello")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := eng.DrainReady(ctx, 10); err != nil {
		t.Fatalf("DrainReady: %v", err)
	}

	if ch.sends() != 1 {
		t.Fatalf("sends = %d, want exactly 1", ch.sends())
	}
	got, err := st.ItemByID(ctx, it.ID)
	if err != nil {
		t.Fatalf("ItemByID: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.AttemptCount != 0 {
		t.Fatalf("attemptCount = %d, want 0 (permanent failures spend no budget)", got.AttemptCount)
	}

	// Further drains must not touch a terminal item.
	clk.Advance(time.Hour)
	if _, err := eng.DrainReady(ctx, 10); err != nil {
		t.Fatalf("DrainReady: %v", err)
	}
	if ch.sends() != 1 {
		t.Fatalf("terminal item re-sent, sends = %d", ch.sends())
	}
}

func TestTransientFailuresExhaustBudget(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ch := &stubChannel{err: channel.ErrUnavailable}
	eng, st := newTestEngine(t, ch, nil, nil, clk)
	ctx := context.Background()

	it, err := eng.Enqueue(ctx, "+15550001111", "hello")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := eng.DrainReady(ctx, 10); err != nil {
			t.Fatalf("DrainReady #%d: %v", attempt, err)
		}
		if ch.sends() != attempt {
			t.Fatalf("after drain #%d: sends = %d, want %d", attempt, ch.sends(), attempt)
		}
		clk.Advance(16 * time.Minute) // past any backoff
	}

	got, err := st.ItemByID(ctx, it.ID)
	if err != nil {
		t.Fatalf("ItemByID: %v", err)
	}
	if got.Status != store.StatusExhausted {
		t.Fatalf("status = %s, want EXHAUSTED", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Fatalf("attemptCount = %d, want 3", got.AttemptCount)
	}
	if got.LastFailureAt.IsZero() {
		t.Fatal("lastFailureAt not set")
	}
}

func TestBackoffDefersNextAttempt(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewMock(start)
	ch := &stubChannel{err: channel.ErrUnavailable}
	eng, st := newTestEngine(t, ch, nil, nil, clk)
	ctx := context.Background()

	it, err := eng.Enqueue(ctx, "+15550001111", "hello")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := eng.DrainReady(ctx, 10); err != nil {
		t.Fatalf("DrainReady: %v", err)
	}

	got, _ := st.ItemByID(ctx, it.ID)
	wantNext := start.Add(eng.Policy().Backoff(1))
	if !got.NextAttemptAt.Equal(wantNext) {
		t.Fatalf("nextAttemptAt = %v, want %v", got.NextAttemptAt, wantNext)
	}

	// Not due yet: a drain before the backoff elapses must not send.
	clk.Advance(eng.Policy().Backoff(1) / 2)
	if _, err := eng.DrainReady(ctx, 10); err != nil {
		t.Fatalf("DrainReady: %v", err)
	}
	if ch.sends() != 1 {
		t.Fatalf("sent before backoff elapsed, sends = %d", ch.sends())
	}
}

func TestEnqueueRejectsOptedOut(t *testing.T) {
	t.Parallel()
	gate := &mapGate{}
	gate.set("+15550001111", true)
	eng, _ := newTestEngine(t, &stubChannel{}, gate, nil, clock.NewMock(time.Now()))

	if _, err := eng.Enqueue(context.Background(), "+15550001111", "hello"); !errors.Is(err, ErrOptedOut) {
		t.Fatalf("Enqueue err = %v, want ErrOptedOut", err)
	}
}

func TestDrainFailsOptedOutWithoutSending(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock(time.Now())
	ch := &stubChannel{}
	gate := &mapGate{}
	eng, st := newTestEngine(t, ch, gate, nil, clk)
	ctx := context.Background()

	it, err := eng.Enqueue(ctx, "+15550001111", "hello")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Opt-out arrives between enqueue and drain.
	gate.set("+15550001111", true)

	if _, err := eng.DrainReady(ctx, 10); err != nil {
		t.Fatalf("DrainReady: %v", err)
	}
	if ch.sends() != 0 {
		t.Fatalf("sends = %d, want 0 for opted-out destination", ch.sends())
	}
	got, _ := st.ItemByID(ctx, it.ID)
	if got.Status != store.StatusFailed || got.ErrorCode != store.ErrCodeOptedOut {
		t.Fatalf("item = %s/%s, want FAILED/OPTED_OUT", got.Status, got.ErrorCode)
	}
}

func TestGateErrorFailsClosed(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock(time.Now())
	ch := &stubChannel{}
	gate := &mapGate{}
	eng, st := newTestEngine(t, ch, gate, nil, clk)
	ctx := context.Background()

	it, err := eng.Enqueue(ctx, "+15550001111", "hello")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	gate.mu.Lock()
	gate.failWith = errors.New("consent backend down")
	gate.mu.Unlock()

	if _, err := eng.DrainReady(ctx, 10); err != nil {
		t.Fatalf("DrainReady: %v", err)
	}
	if ch.sends() != 0 {
		t.Fatalf("sent despite unverifiable consent, sends = %d", ch.sends())
	}
	got, _ := st.ItemByID(ctx, it.ID)
	if got.Status != store.StatusPending {
		t.Fatalf("status = %s, want item left PENDING for a later drain", got.Status)
	}
}

func TestLimiterExhaustionStopsCycle(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock(time.Now())
	ch := &stubChannel{}
	eng, st := newTestEngine(t, ch, nil, &budgetLimiter{budget: 2}, clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := eng.Enqueue(ctx, "+15550001111", "hello"); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	attempted, err := eng.DrainReady(ctx, 10)
	if err != nil {
		t.Fatalf("DrainReady: %v", err)
	}
	if attempted != 2 {
		t.Fatalf("attempted = %d, want 2 (limiter budget)", attempted)
	}
	if ch.sends() != 2 {
		t.Fatalf("sends = %d, want 2", ch.sends())
	}

	items, err := st.ReadyItems(ctx, clk.Now(), 10)
	if err != nil {
		t.Fatalf("ReadyItems: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("remaining ready = %d, want 3 untouched PENDING items", len(items))
	}
}

func TestSweepResetsStaleAndExpiresDeliveries(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewMock(start)
	ch := &stubChannel{} // accepts, leaves items PROCESSING
	eng, st := newTestEngine(t, ch, nil, nil, clk)
	ctx := context.Background()

	it, err := eng.Enqueue(ctx, "+15550001111", "hello")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := eng.DrainReady(ctx, 10); err != nil {
		t.Fatalf("DrainReady: %v", err)
	}
	if got, _ := st.ItemByID(ctx, it.ID); got.Status != store.StatusProcessing {
		t.Fatalf("after accepted send: %s, want PROCESSING", got.Status)
	}

	// No send result ever arrives; past the staleness window the sweep heals it.
	clk.Advance(3 * time.Minute)
	if err := eng.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got, _ := st.ItemByID(ctx, it.ID)
	if got.Status != store.StatusPending {
		t.Fatalf("after sweep: %s, want PENDING", got.Status)
	}
}
