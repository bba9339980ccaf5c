package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"smsflow/internal/channel"
	"smsflow/internal/clock"
	"smsflow/internal/eventbus"
	"smsflow/internal/store"
	logx "smsflow/pkg/logx"
)

// ErrOptedOut rejects an enqueue for a destination with an active opt-out.
var ErrOptedOut = errors.New("destination has opted out")

type Config struct {
	BatchSize   int
	DrainEvery  time.Duration
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration

	// Staleness is how long an item may sit in PROCESSING before the sweep
	// assumes the process died mid-send and resets it.
	Staleness time.Duration

	// DeliveryTTL finalizes SENT items that never received a delivery report.
	DeliveryTTL time.Duration

	RetentionMaxAge time.Duration
	RetentionSweep  time.Duration
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.DrainEvery <= 0 {
		c.DrainEvery = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 15 * time.Minute
	}
	if c.Staleness <= 0 {
		c.Staleness = 2 * time.Minute
	}
	if c.DeliveryTTL <= 0 {
		c.DeliveryTTL = 24 * time.Hour
	}
	if c.RetentionMaxAge <= 0 {
		c.RetentionMaxAge = 30 * 24 * time.Hour
	}
	if c.RetentionSweep <= 0 {
		c.RetentionSweep = time.Hour
	}
}

// Engine drains ready queue items through the gate, the limiter, and the
// send channel, applying the retry policy to synchronous outcomes.
//
// All collaborators are injected; the engine holds no ambient state beyond
// the non-blocking drain guard.
type Engine struct {
	cfg Config
	pol RetryPolicy

	st      *store.Store
	gate    Gate
	limiter Limiter
	ch      channel.Channel
	clk     clock.Clock
	log     logx.Logger
	bus     eventbus.Bus

	// draining skips redundant concurrent wakeups; it never queues them.
	draining atomic.Bool
}

func New(cfg Config, st *store.Store, gate Gate, limiter Limiter, ch channel.Channel, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Engine {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:     cfg,
		pol:     RetryPolicy{MaxAttempts: cfg.MaxAttempts, Base: cfg.RetryBase, Cap: cfg.RetryCap},
		st:      st,
		gate:    gate,
		limiter: limiter,
		ch:      ch,
		clk:     clk,
		log:     log,
		bus:     bus,
	}
}

// Policy exposes the retry policy for the correlator, which must apply the
// exact same rules to asynchronous failures.
func (e *Engine) Policy() RetryPolicy { return e.pol }

// Enqueue is the opt-in send path: it validates the destination, consults
// the gate, writes the paired message record and the queue item, and wakes
// the drain loop.
func (e *Engine) Enqueue(ctx context.Context, destination, body string) (store.QueueItem, error) {
	dest, err := NormalizeDestination(destination)
	if err != nil {
		return store.QueueItem{}, err
	}
	if e.gate != nil {
		out, err := e.gate.IsOptedOut(ctx, dest)
		if err != nil {
			return store.QueueItem{}, err
		}
		if out {
			return store.QueueItem{}, ErrOptedOut
		}
	}

	now := e.clk.Now()
	corrID := uuid.NewString()

	msgID, err := e.st.InsertOutbound(ctx, corrID, dest, body, now)
	if err != nil {
		return store.QueueItem{}, err
	}
	it := store.QueueItem{
		CorrelationID: corrID,
		Destination:   dest,
		Payload:       body,
		Status:        store.StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		OriginSMSID:   msgID,
	}
	it.ID, err = e.st.EnqueueItem(ctx, it)
	if err != nil {
		return store.QueueItem{}, err
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeQueueEnqueued, Data: it.ID})
	}
	e.log.Debug("item enqueued",
		logx.Int64("item", it.ID), logx.String("dest", dest), logx.Int64("sms", msgID))
	return it, nil
}

// DrainReady processes up to batchSize due items and returns how many were
// claimed and handed to the channel. Wakeups arriving while a drain is
// running are skipped, not queued; the running drain will see their items.
//
// Per-item failures never abort the batch. Only store errors propagate.
func (e *Engine) DrainReady(ctx context.Context, batchSize int) (int, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer e.draining.Store(false)

	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}
	now := e.clk.Now()
	items, err := e.st.ReadyItems(ctx, now, batchSize)
	if err != nil {
		return 0, err
	}

	attempted := 0
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}

		if e.gate != nil {
			out, gerr := e.gate.IsOptedOut(ctx, it.Destination)
			if gerr != nil {
				// Consent must be provable before a send: fail closed for this
				// cycle and let the next drain retry the lookup.
				e.log.Warn("gate lookup failed", logx.Int64("item", it.ID), logx.Err(gerr))
				continue
			}
			if out {
				e.failOptedOut(ctx, it, now)
				continue
			}
		}

		if e.limiter != nil && !e.limiter.TryAcquire() {
			// Throughput budget spent; stop the cycle rather than spin.
			e.log.Debug("rate limit reached, ending drain", logx.Int("attempted", attempted))
			break
		}

		claimed, cerr := e.st.ClaimItem(ctx, it.ID, now)
		if cerr != nil {
			return attempted, cerr
		}
		if !claimed {
			// Another trigger won the claim.
			continue
		}
		attempted++
		e.sendClaimed(ctx, it, now)
	}
	return attempted, nil
}

// sendClaimed hands one claimed item to the channel. A nil return from the
// channel means accepted for transmission: the item stays PROCESSING until
// the correlator's send result arrives (the staleness sweep is the backstop
// if it never does).
func (e *Engine) sendClaimed(ctx context.Context, it store.QueueItem, now time.Time) {
	if err := e.st.MirrorItemStatus(ctx, it.OriginSMSID, store.StatusProcessing, "", now); err != nil {
		e.log.Warn("message mirror failed", logx.Int64("item", it.ID), logx.Err(err))
	}

	err := e.ch.Send(ctx, channel.Message{
		CorrelationID: it.CorrelationID,
		Destination:   it.Destination,
		Body:          it.Payload,
	})
	if err == nil {
		return
	}

	permanent := channel.IsPermanent(err)
	st, applied, perr := e.pol.FailItem(ctx, e.st, it, permanent, err.Error(), now)
	if perr != nil {
		e.log.Error("failure bookkeeping failed", logx.Int64("item", it.ID), logx.Err(perr))
		return
	}
	if !applied {
		e.log.Debug("failure lost the item, discarded", logx.Int64("item", it.ID))
		return
	}
	e.log.Debug("send failed",
		logx.Int64("item", it.ID), logx.Bool("permanent", permanent),
		logx.String("next", string(st)), logx.Err(err))
	if st.Terminal() && e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeItemFailed, Data: it.ID})
	}
}

func (e *Engine) failOptedOut(ctx context.Context, it store.QueueItem, now time.Time) {
	claimed, err := e.st.ClaimItem(ctx, it.ID, now)
	if err != nil || !claimed {
		return
	}
	moved, err := e.st.MarkTerminal(ctx, it.ID, store.StatusFailed, store.ErrCodeOptedOut, it.AttemptCount, now)
	if err != nil {
		e.log.Error("opt-out bookkeeping failed", logx.Int64("item", it.ID), logx.Err(err))
		return
	}
	if !moved {
		return
	}
	if err := e.st.MirrorItemStatus(ctx, it.OriginSMSID, store.StatusFailed, store.ErrCodeOptedOut, now); err != nil {
		e.log.Warn("message mirror failed", logx.Int64("item", it.ID), logx.Err(err))
	}
	e.log.Info("item failed, destination opted out", logx.Int64("item", it.ID))
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeItemFailed, Data: it.ID})
	}
}

// Sweep runs the timeout-driven recovery passes: stale PROCESSING items go
// back to PENDING, and SENT items past the delivery window are finalized.
func (e *Engine) Sweep(ctx context.Context) error {
	now := e.clk.Now()

	healed, err := e.st.ResetStale(ctx, now.Add(-e.cfg.Staleness), now)
	if err != nil {
		return err
	}
	if healed > 0 {
		e.log.Warn("stale in-flight items reset", logx.Int64("count", healed))
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeQueueEnqueued, Data: int64(0)})
		}
	}

	expired, err := e.st.ExpireDeliveries(ctx, now.Add(-e.cfg.DeliveryTTL))
	if err != nil {
		return err
	}
	if expired > 0 {
		e.log.Debug("delivery reports timed out", logx.Int64("count", expired))
	}
	return nil
}

// Prune applies age-based retention to terminal queue items and inactive
// campaigns.
func (e *Engine) Prune(ctx context.Context) error {
	cutoff := e.clk.Now().Add(-e.cfg.RetentionMaxAge)
	items, err := e.st.PruneQueue(ctx, cutoff)
	if err != nil {
		return err
	}
	camps, err := e.st.PruneCampaigns(ctx, cutoff)
	if err != nil {
		return err
	}
	if items > 0 || camps > 0 {
		e.log.Info("retention prune", logx.Int64("items", items), logx.Int64("campaigns", camps))
	}
	return nil
}
