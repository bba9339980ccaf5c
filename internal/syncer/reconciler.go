// Package syncer folds the external message store into the local log and
// keeps the conversation and search indices current.
//
// Reconciliation is convergent, not transactional: every pass upserts by
// stable external id, so rerunning a pass over the same range changes
// nothing. Rows without a durable external key get a synthesized id derived
// from the message's identity fields.
package syncer

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"strconv"
	"sync"
	"time"

	"smsflow/internal/clock"
	"smsflow/internal/eventbus"
	"smsflow/internal/store"
	logx "smsflow/pkg/logx"
)

const markKey = "external_change_id"

// Report summarizes one reconciliation pass. Row-level failures land in
// Errors instead of aborting the pass.
type Report struct {
	Scanned  int
	Inserted int
	Updated  int
	Errors   int
}

func (r Report) String() string {
	return fmt.Sprintf("scanned=%d inserted=%d updated=%d errors=%d",
		r.Scanned, r.Inserted, r.Updated, r.Errors)
}

type Reconciler struct {
	st  *store.Store
	ext ExternalStore
	clk clock.Clock
	log logx.Logger
	bus eventbus.Bus

	debounce  time.Duration
	fullEvery time.Duration

	mu        sync.Mutex
	pending   int64
	delay     *time.Timer
	kick      chan struct{}
	stopCh    chan struct{}
	stopWatch func()
	wg        sync.WaitGroup
}

func New(st *store.Store, ext ExternalStore, clk clock.Clock, log logx.Logger, bus eventbus.Bus, debounce, fullEvery time.Duration) *Reconciler {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if fullEvery <= 0 {
		fullEvery = 6 * time.Hour
	}
	return &Reconciler{
		st: st, ext: ext, clk: clk, log: log, bus: bus,
		debounce: debounce, fullEvery: fullEvery,
		kick: make(chan struct{}, 1),
	}
}

// FullSync reconciles the entire external store and rebuilds both indices.
func (r *Reconciler) FullSync(ctx context.Context) Report {
	var rep Report
	rows, maxID, err := r.ext.All(ctx)
	if err != nil {
		r.log.Error("external store scan failed", logx.Err(err))
		rep.Errors++
		return rep
	}
	rep.Scanned = len(rows)

	for _, m := range rows {
		inserted, err := r.applyRow(ctx, m, false)
		if err != nil {
			r.log.Warn("row reconcile failed", logx.String("ext", m.StableID), logx.Err(err))
			rep.Errors++
			continue
		}
		if inserted {
			rep.Inserted++
		} else {
			rep.Updated++
		}
	}

	if err := r.st.RebuildIndexes(ctx); err != nil {
		r.log.Error("index rebuild failed", logx.Err(err))
		rep.Errors++
	}
	if err := r.st.SetSyncMark(ctx, markKey, maxID); err != nil {
		r.log.Error("sync mark persist failed", logx.Err(err))
		rep.Errors++
	}
	r.log.Info("full sync", logx.String("report", rep.String()), logx.Int64("mark", maxID))
	return rep
}

// IncrementalSync reconciles rows changed since sinceChangeID and advances
// the persisted marker.
func (r *Reconciler) IncrementalSync(ctx context.Context, sinceChangeID int64) Report {
	var rep Report
	rows, maxID, err := r.ext.ChangedSince(ctx, sinceChangeID)
	if err != nil {
		r.log.Error("external store scan failed", logx.Err(err))
		rep.Errors++
		return rep
	}
	rep.Scanned = len(rows)

	for _, m := range rows {
		inserted, err := r.applyRow(ctx, m, true)
		if err != nil {
			r.log.Warn("row reconcile failed", logx.String("ext", m.StableID), logx.Err(err))
			rep.Errors++
			continue
		}
		if inserted {
			rep.Inserted++
		} else {
			rep.Updated++
		}
	}

	if maxID > sinceChangeID {
		if err := r.st.SetSyncMark(ctx, markKey, maxID); err != nil {
			r.log.Error("sync mark persist failed", logx.Err(err))
			rep.Errors++
		}
	}
	if rep.Scanned > 0 {
		r.log.Debug("incremental sync",
			logx.String("report", rep.String()), logx.Int64("mark", maxID))
	}
	return rep
}

// OnExternalChange notes that the external store changed. Bursts coalesce to
// the highest change id behind one debounce window; a single pass then covers
// everything since the persisted marker.
func (r *Reconciler) OnExternalChange(changeID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if changeID > r.pending {
		r.pending = changeID
	}
	if r.delay != nil {
		r.delay.Stop()
	}
	r.delay = time.AfterFunc(r.debounce, func() {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	})
}

// Start runs an initial full pass, then serves debounced change
// notifications and the periodic full resync. When the external store
// supports a change feed, Start subscribes OnExternalChange to it.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	if feed, ok := r.ext.(ChangeFeed); ok {
		r.stopWatch = feed.WatchChanges(r.OnExternalChange)
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.FullSync(ctx)

		full := time.NewTicker(r.fullEvery)
		defer full.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-r.kick:
				r.runIncremental(ctx)
			case <-full.C:
				r.FullSync(ctx)
			}
		}
	}()
}

func (r *Reconciler) Stop(ctx context.Context) {
	r.mu.Lock()
	if r.stopCh == nil {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	r.stopCh = nil
	if r.stopWatch != nil {
		r.stopWatch()
		r.stopWatch = nil
	}
	if r.delay != nil {
		r.delay.Stop()
		r.delay = nil
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (r *Reconciler) runIncremental(ctx context.Context) {
	r.mu.Lock()
	r.pending = 0
	r.mu.Unlock()

	since, err := r.st.SyncMark(ctx, markKey)
	if err != nil {
		r.log.Error("sync mark read failed", logx.Err(err))
		return
	}
	rep := r.IncrementalSync(ctx, since)
	if rep.Inserted > 0 && r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeExternalChange, Data: rep.Inserted})
	}
}

// applyRow folds one external row into the message log. During incremental
// passes new rows are indexed individually; full passes rebuild the indices
// wholesale afterwards.
func (r *Reconciler) applyRow(ctx context.Context, m ExternalMessage, index bool) (bool, error) {
	rec := store.MessageRecord{
		ExternalID:  m.StableID,
		Destination: m.Destination,
		Body:        m.Body,
		Direction:   store.DirectionOut,
		Status:      m.Status,
		CreatedAt:   m.OccurredAt,
		DeliveredAt: m.DeliveredAt,
		ErrorCode:   m.ErrorCode,
	}
	if m.Inbound {
		rec.Direction = store.DirectionIn
		if rec.Status == "" {
			rec.Status = store.MessageReceived
		}
	} else {
		if rec.Status == "" {
			rec.Status = store.MessageSent
		}
		rec.SentAt = m.OccurredAt
	}
	if rec.ExternalID == "" {
		rec.ExternalID = SynthesizeID(m.Inbound, m.Destination, m.Body, m.OccurredAt)
	}

	inserted, id, err := r.st.UpsertExternal(ctx, rec)
	if err != nil {
		return false, err
	}
	if inserted && index {
		rec.ID = id
		if err := r.st.IndexMessage(ctx, rec); err != nil {
			return true, err
		}
	}
	return inserted, nil
}

// SynthesizeID builds a stable stand-in key for rows the external store
// exposes no durable id for: fnv64a over direction, destination, a body
// hash, and the minute bucket of the message time. Two observations of the
// same message collide on purpose and dedupe through the upsert.
func SynthesizeID(inbound bool, destination, body string, at time.Time) string {
	bh := fnv.New64a()
	io.WriteString(bh, body)

	h := fnv.New64a()
	dir := store.DirectionOut
	if inbound {
		dir = store.DirectionIn
	}
	io.WriteString(h, dir)
	io.WriteString(h, "|")
	io.WriteString(h, destination)
	io.WriteString(h, "|")
	io.WriteString(h, strconv.FormatUint(bh.Sum64(), 16))
	io.WriteString(h, "|")
	io.WriteString(h, strconv.FormatInt(at.Unix()/60, 10))
	return "syn:" + strconv.FormatUint(h.Sum64(), 16)
}
