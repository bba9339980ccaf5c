package dispatch

import (
	"context"
	"sync"
	"time"

	"smsflow/internal/eventbus"
	logx "smsflow/pkg/logx"
)

// Service runs the engine's background triggers: a periodic drain tick,
// event-driven wakeups, the staleness/delivery sweep, and retention pruning.
//
// All triggers funnel into the same DrainReady; the engine's conditional
// claim and drain guard make overlapping wakeups safe.
type Service struct {
	mu sync.Mutex

	eng *Engine
	bus eventbus.Bus
	log logx.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(eng *Engine, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{eng: eng, bus: bus, log: log}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.drainLoop(ctx, stopCh)
	}()
	go func() {
		defer s.wg.Done()
		s.maintenanceLoop(ctx, stopCh)
	}()

	s.log.Info("dispatch started",
		logx.Duration("drain_every", s.eng.cfg.DrainEvery),
		logx.Int("batch", s.eng.cfg.BatchSize))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("dispatch stopped")
}

func (s *Service) drainLoop(ctx context.Context, stopCh <-chan struct{}) {
	var wake <-chan eventbus.Event
	if s.bus != nil {
		events, unsub := s.bus.Subscribe(64)
		defer unsub()
		wake = events
	}

	ticker := time.NewTicker(s.eng.cfg.DrainEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.drainOnce(ctx)
		case e, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if e.Type == eventbus.TypeQueueEnqueued || e.Type == eventbus.TypeCampaignFired {
				s.drainOnce(ctx)
			}
		}
	}
}

func (s *Service) drainOnce(ctx context.Context) {
	n, err := s.eng.DrainReady(ctx, 0)
	if err != nil {
		s.log.Error("drain failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Debug("drain cycle", logx.Int("attempted", n))
	}
}

func (s *Service) maintenanceLoop(ctx context.Context, stopCh <-chan struct{}) {
	sweepEvery := s.eng.cfg.Staleness / 2
	if sweepEvery < time.Second {
		sweepEvery = time.Second
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()
	prune := time.NewTicker(s.eng.cfg.RetentionSweep)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-sweep.C:
			if err := s.eng.Sweep(ctx); err != nil {
				s.log.Error("sweep failed", logx.Err(err))
			}
		case <-prune.C:
			if err := s.eng.Prune(ctx); err != nil {
				s.log.Error("prune failed", logx.Err(err))
			}
		}
	}
}
