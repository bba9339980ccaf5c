package campaign

import (
	"sync"
	"time"

	"smsflow/internal/clock"
)

// Timer arms one pending fire per token. Re-arming a token replaces its
// previous deadline; Disarm drops it. Fire callbacks run on their own
// goroutine.
type Timer interface {
	Arm(at time.Time, token int64)
	Disarm(token int64)
}

// FireFunc receives the token of an elapsed timer.
type FireFunc func(token int64)

// NewTimer returns the wall-clock Timer used by the daemon. Tests substitute
// their own Timer and call the scheduler's fire handler directly.
func NewTimer(clk clock.Clock, fire FireFunc) *WallTimer {
	if clk == nil {
		clk = clock.System()
	}
	return &WallTimer{clk: clk, fire: fire, armed: make(map[int64]*time.Timer)}
}

type WallTimer struct {
	mu    sync.Mutex
	clk   clock.Clock
	fire  FireFunc
	armed map[int64]*time.Timer
}

func (w *WallTimer) Arm(at time.Time, token int64) {
	d := at.Sub(w.clk.Now())
	if d < 0 {
		d = 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.armed[token]; ok {
		t.Stop()
	}
	w.armed[token] = time.AfterFunc(d, func() {
		w.mu.Lock()
		delete(w.armed, token)
		w.mu.Unlock()
		w.fire(token)
	})
}

func (w *WallTimer) Disarm(token int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.armed[token]; ok {
		t.Stop()
		delete(w.armed, token)
	}
}

// Stop disarms everything. Fires already in flight still run.
func (w *WallTimer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for token, t := range w.armed {
		t.Stop()
		delete(w.armed, token)
	}
}
