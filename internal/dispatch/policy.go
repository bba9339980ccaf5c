package dispatch

import (
	"context"
	"time"

	"smsflow/internal/store"
)

// RetryPolicy is the shared failure policy: exponential backoff with a cap
// and a hard attempt budget. The engine applies it to synchronous send
// failures and the correlator applies it to asynchronous ones, so the
// decision logic lives here only.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// Backoff returns the delay before attempt n+1: min(cap, base·2ⁿ).
// Monotonically non-decreasing in n.
func (p RetryPolicy) Backoff(n int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 30 * time.Second
	}
	cap := p.Cap
	if cap <= 0 {
		cap = 15 * time.Minute
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// FailItem applies one failed attempt to a claimed item and mirrors the
// outcome onto the paired message record.
//
// Permanent failures go terminal immediately without consuming attempt
// budget. Transient failures increment the attempt count and either
// reschedule with backoff or exhaust the budget.
//
// Every transition is conditional on the item still being PROCESSING. A
// false applied return means the item moved on in the meantime (the
// staleness sweep healed it and another attempt owns it now), so the
// failure signal must be discarded, not applied.
func (p RetryPolicy) FailItem(ctx context.Context, st *store.Store, it store.QueueItem, permanent bool, errCode string, now time.Time) (next store.Status, applied bool, err error) {
	if permanent {
		moved, err := st.MarkTerminal(ctx, it.ID, store.StatusFailed, errCode, it.AttemptCount, now)
		if err != nil || !moved {
			return "", false, err
		}
		return store.StatusFailed, true, st.MirrorItemStatus(ctx, it.OriginSMSID, store.StatusFailed, errCode, now)
	}

	attempts := it.AttemptCount + 1
	max := p.MaxAttempts
	if max <= 0 {
		max = 3
	}
	if attempts >= max {
		code := errCode
		if code == "" {
			code = store.ErrCodeExhausted
		}
		moved, err := st.MarkTerminal(ctx, it.ID, store.StatusExhausted, code, attempts, now)
		if err != nil || !moved {
			return "", false, err
		}
		return store.StatusExhausted, true, st.MirrorItemStatus(ctx, it.OriginSMSID, store.StatusExhausted, code, now)
	}

	nextAt := now.Add(p.Backoff(attempts))
	moved, err := st.RescheduleRetry(ctx, it.ID, attempts, nextAt, now, errCode)
	if err != nil || !moved {
		return "", false, err
	}
	return store.StatusPending, true, st.MirrorItemStatus(ctx, it.OriginSMSID, store.StatusPending, errCode, now)
}
