package channel

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Simulator is an in-process Channel used by the daemon until a platform
// telephony integration is plugged in, and by tests that need asynchronous
// callback delivery.
//
// Behavior: destinations that fail basic shape validation are rejected
// synchronously as permanent; otherwise the message is accepted and a send
// result (plus an optional delivery result) is reported after the configured
// latencies.
type Simulator struct {
	mu sync.Mutex
	cb Callbacks

	AcceptLatency   time.Duration
	DeliveryLatency time.Duration
	ReportDelivery  bool

	// FailNext forces the next n accepted sends to report asynchronous
	// failure with the given code. Used for fault injection.
	failNext int
	failCode string
}

func NewSimulator() *Simulator {
	return &Simulator{
		AcceptLatency:   10 * time.Millisecond,
		DeliveryLatency: 50 * time.Millisecond,
		ReportDelivery:  true,
	}
}

// SetCallbacks wires the correlator in. Must be called before Send.
func (s *Simulator) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// FailNext makes the next n sends report an asynchronous send failure.
func (s *Simulator) FailNext(n int, code string) {
	s.mu.Lock()
	s.failNext = n
	s.failCode = code
	s.mu.Unlock()
}

func (s *Simulator) Send(ctx context.Context, m Message) error {
	if !plausibleDestination(m.Destination) {
		return Permanent(ErrBadDestination)
	}

	s.mu.Lock()
	cb := s.cb
	fail := s.failNext > 0
	code := s.failCode
	if fail {
		s.failNext--
	}
	accept := s.AcceptLatency
	deliver := s.DeliveryLatency
	report := s.ReportDelivery
	s.mu.Unlock()

	if cb == nil {
		return ErrUnavailable
	}

	go func() {
		timer := time.NewTimer(accept)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if fail {
			cb.OnSendResult(context.Background(), m.CorrelationID, false, code)
			return
		}
		cb.OnSendResult(context.Background(), m.CorrelationID, true, "")
		if !report {
			return
		}
		dt := time.NewTimer(deliver)
		defer dt.Stop()
		<-dt.C
		cb.OnDeliveryResult(context.Background(), m.CorrelationID, true, "")
	}()
	return nil
}

// ErrBadDestination rejects destinations that cannot be dialed.
var ErrBadDestination = errBadDestination{}

type errBadDestination struct{}

func (errBadDestination) Error() string { return "destination is not dialable" }

func plausibleDestination(d string) bool {
	d = strings.TrimPrefix(d, "+")
	if len(d) < 3 {
		return false
	}
	for _, r := range d {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
