// Package campaign schedules one-off and recurring bulk sends. A fired
// campaign expands its recipient list through the Composer and funnels the
// result into the ordinary dispatch queue; nothing downstream knows the
// items came from a campaign.
package campaign

import (
	"context"
	"time"

	"github.com/google/uuid"

	"smsflow/internal/clock"
	"smsflow/internal/eventbus"
	"smsflow/internal/store"
	logx "smsflow/pkg/logx"
)

// Message is one composed outbound message.
type Message struct {
	Destination string
	Body        string
}

// Composer expands a fired campaign into concrete messages. It is the
// content-side collaborator: recipient lists, templating, and personalization
// live behind it.
type Composer interface {
	Compose(ctx context.Context, c store.Campaign) ([]Message, error)
}

// Enqueuer is the dispatch engine's intake, narrowed to what a fire needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, destination, body string) (store.QueueItem, error)
}

// Definition is the input to Schedule.
type Definition struct {
	CampaignID string // grouping key; generated when empty
	Name       string
	Recurring  bool
	Recurrence string    // required when Recurring
	FirstAt    time.Time // optional explicit first fire; otherwise derived
}

type Scheduler struct {
	st    *store.Store
	enq   Enqueuer
	comp  Composer
	timer Timer
	clk   clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	loc   *time.Location
}

func NewScheduler(st *store.Store, enq Enqueuer, comp Composer, timer Timer, clk clock.Clock, log logx.Logger, bus eventbus.Bus, loc *time.Location) *Scheduler {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{st: st, enq: enq, comp: comp, timer: timer, clk: clk, log: log, bus: bus, loc: loc}
}

// Start re-arms every active SCHEDULED campaign. Overdue ones fire
// immediately; BeginExecution keeps a duplicate fire harmless.
func (s *Scheduler) Start(ctx context.Context) error {
	camps, err := s.st.ScheduledCampaigns(ctx)
	if err != nil {
		return err
	}
	for _, c := range camps {
		at := c.NextExecutionAt
		if at.IsZero() {
			at = s.clk.Now()
		}
		s.timer.Arm(at, c.ID)
	}
	if len(camps) > 0 {
		s.log.Info("campaigns re-armed", logx.Int("count", len(camps)))
	}
	return nil
}

// Schedule validates and persists a campaign and arms its first fire.
func (s *Scheduler) Schedule(ctx context.Context, def Definition) (store.Campaign, error) {
	now := s.clk.Now()

	firstAt := def.FirstAt
	if def.Recurring {
		sched, err := ParseRecurrence(def.Recurrence, s.loc)
		if err != nil {
			return store.Campaign{}, err
		}
		if firstAt.IsZero() {
			firstAt = NextAfter(sched, time.Time{}, now)
		}
	} else if firstAt.IsZero() {
		firstAt = now
	}

	c := store.Campaign{
		CampaignID:      def.CampaignID,
		Name:            def.Name,
		Status:          store.CampaignScheduled,
		IsRecurring:     def.Recurring,
		Recurrence:      def.Recurrence,
		NextExecutionAt: firstAt,
		IsActive:        true,
		CreatedAt:       now,
	}
	if c.CampaignID == "" {
		c.CampaignID = uuid.NewString()
	}

	id, err := s.st.InsertCampaign(ctx, c)
	if err != nil {
		return store.Campaign{}, err
	}
	c.ID = id
	s.timer.Arm(firstAt, id)
	s.log.Info("campaign scheduled",
		logx.Int64("id", id), logx.String("name", c.Name),
		logx.Bool("recurring", c.IsRecurring), logx.Time("first", firstAt))
	return c, nil
}

// Cancel stops future fires. An execution already in progress completes and
// its enqueued items are not retracted.
func (s *Scheduler) Cancel(ctx context.Context, id int64) error {
	s.timer.Disarm(id)
	if err := s.st.CancelCampaign(ctx, id); err != nil {
		return err
	}
	s.log.Info("campaign cancelled", logx.Int64("id", id))
	return nil
}

// OnTimerFire runs one execution. The CAS in BeginExecution is the sole
// authority on whether this fire is live: stale and duplicated timer fires
// lose the claim and are dropped at debug.
func (s *Scheduler) OnTimerFire(ctx context.Context, id int64) {
	now := s.clk.Now()

	live, err := s.st.BeginExecution(ctx, id, now)
	if err != nil {
		s.log.Error("execution claim failed", logx.Int64("id", id), logx.Err(err))
		return
	}
	if !live {
		s.log.Debug("stale timer fire skipped", logx.Int64("id", id))
		return
	}

	c, err := s.st.CampaignByID(ctx, id)
	if err != nil {
		s.log.Error("campaign load failed", logx.Int64("id", id), logx.Err(err))
		return
	}

	msgs, err := s.comp.Compose(ctx, c)
	if err != nil {
		s.log.Error("campaign composition failed",
			logx.Int64("id", id), logx.String("name", c.Name), logx.Err(err))
		s.finish(ctx, c, store.CampaignFailed, time.Time{})
		return
	}

	enqueued := 0
	for _, m := range msgs {
		if _, err := s.enq.Enqueue(ctx, m.Destination, m.Body); err != nil {
			// One bad recipient never sinks the batch.
			s.log.Warn("campaign enqueue failed",
				logx.Int64("id", id), logx.String("dest", m.Destination), logx.Err(err))
			continue
		}
		enqueued++
	}
	s.log.Info("campaign fired",
		logx.Int64("id", id), logx.String("name", c.Name),
		logx.Int("enqueued", enqueued), logx.Int("composed", len(msgs)))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeCampaignFired, Data: id})
	}

	if !c.IsRecurring {
		s.finish(ctx, c, store.CampaignCompleted, time.Time{})
		return
	}

	sched, err := ParseRecurrence(c.Recurrence, s.loc)
	if err != nil {
		s.log.Error("stored recurrence no longer parses",
			logx.Int64("id", id), logx.String("pattern", c.Recurrence))
		s.finish(ctx, c, store.CampaignFailed, time.Time{})
		return
	}
	next := NextAfter(sched, now, s.clk.Now())
	s.finish(ctx, c, store.CampaignScheduled, next)
	s.timer.Arm(next, id)
	s.log.Debug("campaign re-armed", logx.Int64("id", id), logx.Time("next", next))
}

func (s *Scheduler) finish(ctx context.Context, c store.Campaign, st store.CampaignStatus, nextAt time.Time) {
	if err := s.st.FinishExecution(ctx, c.ID, st, nextAt); err != nil {
		s.log.Error("execution bookkeeping failed", logx.Int64("id", c.ID), logx.Err(err))
	}
}
