// Package correlator maps the channel's asynchronous completion signals back
// onto queue items by correlation id and applies the resulting transitions.
//
// Every transition is a conditional store update, so replayed or out-of-order
// signals fall through harmlessly and the signals are idempotent end to end.
package correlator

import (
	"context"
	"errors"

	"smsflow/internal/clock"
	"smsflow/internal/dispatch"
	"smsflow/internal/eventbus"
	"smsflow/internal/store"
	logx "smsflow/pkg/logx"
)

// Correlator implements channel.Callbacks. It shares the engine's retry
// policy so asynchronous send failures follow exactly the same rules as
// synchronous ones.
type Correlator struct {
	st  *store.Store
	pol dispatch.RetryPolicy
	clk clock.Clock
	log logx.Logger
	bus eventbus.Bus
}

func New(st *store.Store, pol dispatch.RetryPolicy, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Correlator {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Correlator{st: st, pol: pol, clk: clk, log: log, bus: bus}
}

// OnSendResult applies the channel's accept/reject verdict for one hand-off.
//
// Only PROCESSING items can move: anything else means the signal is late,
// duplicated, or the staleness sweep already intervened, and it is discarded.
func (c *Correlator) OnSendResult(ctx context.Context, correlationID string, ok bool, errorCode string) {
	it, err := c.st.ItemByCorrelation(ctx, correlationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.log.Debug("send result for unknown correlation", logx.String("corr", correlationID))
			return
		}
		c.log.Error("correlation lookup failed", logx.String("corr", correlationID), logx.Err(err))
		return
	}
	now := c.clk.Now()

	if ok {
		moved, err := c.st.MarkSent(ctx, it.ID, now)
		if err != nil {
			c.log.Error("mark sent failed", logx.Int64("item", it.ID), logx.Err(err))
			return
		}
		if !moved {
			c.log.Debug("late send result discarded",
				logx.Int64("item", it.ID), logx.String("status", string(it.Status)))
			return
		}
		if err := c.st.MirrorItemStatus(ctx, it.OriginSMSID, store.StatusSent, "", now); err != nil {
			c.log.Warn("message mirror failed", logx.Int64("item", it.ID), logx.Err(err))
		}
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{Type: eventbus.TypeItemSent, Data: it.ID})
		}
		return
	}

	// The conditional transitions inside FailItem decide whether this
	// failure still owns the item; a signal that lost to the staleness
	// sweep (and a fresh attempt) must not touch the new in-flight state.
	next, applied, err := c.pol.FailItem(ctx, c.st, it, false, errorCode, now)
	if err != nil {
		c.log.Error("failure bookkeeping failed", logx.Int64("item", it.ID), logx.Err(err))
		return
	}
	if !applied {
		c.log.Debug("late send failure discarded",
			logx.Int64("item", it.ID), logx.String("status", string(it.Status)))
		return
	}
	c.log.Debug("async send failure",
		logx.Int64("item", it.ID), logx.String("code", errorCode), logx.String("next", string(next)))
	if next.Terminal() && c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeItemFailed, Data: it.ID})
	}
}

// OnDeliveryResult applies a recipient-side delivery report. Only SENT items
// can move; the conditional update makes duplicates no-ops.
func (c *Correlator) OnDeliveryResult(ctx context.Context, correlationID string, delivered bool, errorCode string) {
	it, err := c.st.ItemByCorrelation(ctx, correlationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.log.Debug("delivery result for unknown correlation", logx.String("corr", correlationID))
			return
		}
		c.log.Error("correlation lookup failed", logx.String("corr", correlationID), logx.Err(err))
		return
	}
	now := c.clk.Now()

	moved, err := c.st.MarkDelivery(ctx, it.ID, delivered, errorCode, now)
	if err != nil {
		c.log.Error("mark delivery failed", logx.Int64("item", it.ID), logx.Err(err))
		return
	}
	if !moved {
		c.log.Debug("delivery result discarded",
			logx.Int64("item", it.ID), logx.String("status", string(it.Status)))
		return
	}

	st := store.StatusDelivered
	if !delivered {
		st = store.StatusDeliveryFailed
	}
	if err := c.st.MirrorItemStatus(ctx, it.OriginSMSID, st, errorCode, now); err != nil {
		c.log.Warn("message mirror failed", logx.Int64("item", it.ID), logx.Err(err))
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeItemDelivered, Data: it.ID})
	}
}
