package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordCallbacks struct {
	mu         sync.Mutex
	sendOK     map[string]bool
	sendCode   map[string]string
	deliveries map[string]bool
}

func newRecordCallbacks() *recordCallbacks {
	return &recordCallbacks{
		sendOK:     map[string]bool{},
		sendCode:   map[string]string{},
		deliveries: map[string]bool{},
	}
}

func (r *recordCallbacks) OnSendResult(_ context.Context, corr string, ok bool, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendOK[corr] = ok
	r.sendCode[corr] = code
}

func (r *recordCallbacks) OnDeliveryResult(_ context.Context, corr string, delivered bool, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries[corr] = delivered
}

func (r *recordCallbacks) waitSend(t *testing.T, corr string) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		ok, seen := r.sendOK[corr]
		r.mu.Unlock()
		if seen {
			return ok
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no send result for %s", corr)
	return false
}

func TestSimulatorReportsAsyncResults(t *testing.T) {
	t.Parallel()
	sim := NewSimulator()
	sim.AcceptLatency = time.Millisecond
	sim.DeliveryLatency = time.Millisecond
	cb := newRecordCallbacks()
	sim.SetCallbacks(cb)

	if err := sim.Send(context.Background(), Message{CorrelationID: "s-1", Destination: "+15550001111", Body: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !cb.waitSend(t, "s-1") {
		t.Fatal("send result not ok")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cb.mu.Lock()
		delivered, seen := cb.deliveries["s-1"]
		cb.mu.Unlock()
		if seen {
			if !delivered {
				t.Fatal("delivery result not ok")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no delivery result")
}

func TestSimulatorFailureInjection(t *testing.T) {
	t.Parallel()
	sim := NewSimulator()
	sim.AcceptLatency = time.Millisecond
	sim.ReportDelivery = false
	cb := newRecordCallbacks()
	sim.SetCallbacks(cb)
	sim.FailNext(1, "NO_SIGNAL")

	if err := sim.Send(context.Background(), Message{CorrelationID: "f-1", Destination: "+15550001111", Body: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if cb.waitSend(t, "f-1") {
		t.Fatal("injected failure reported success")
	}
	cb.mu.Lock()
	code := cb.sendCode["f-1"]
	cb.mu.Unlock()
	if code != "NO_SIGNAL" {
		t.Fatalf("code = %s, want NO_SIGNAL", code)
	}

	// The injection budget is spent; the next send succeeds.
	if err := sim.Send(context.Background(), Message{CorrelationID: "f-2", Destination: "+15550001111", Body: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !cb.waitSend(t, "f-2") {
		t.Fatal("send after injection budget still failing")
	}
}

func TestSimulatorRejectsBadDestinationSynchronously(t *testing.T) {
	t.Parallel()
	sim := NewSimulator()
	sim.SetCallbacks(newRecordCallbacks())

	err := sim.Send(context.Background(), Message{CorrelationID: "b-1", Destination: "not-a-number", Body: "x"})
	if err == nil {
		t.Fatal("bad destination accepted")
	}
	if !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent classification", err)
	}
	if !errors.Is(err, ErrBadDestination) {
		t.Fatalf("err = %v, want ErrBadDestination", err)
	}
}

func TestSimulatorWithoutCallbacksIsUnavailable(t *testing.T) {
	t.Parallel()
	sim := NewSimulator()
	err := sim.Send(context.Background(), Message{CorrelationID: "u-1", Destination: "+15550001111", Body: "x"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if IsPermanent(err) {
		t.Fatal("unavailable must stay retryable")
	}
}
