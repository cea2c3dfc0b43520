package trader

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"futures-supervisor/config"
	"futures-supervisor/events"
	"futures-supervisor/kernel"
	"futures-supervisor/store"
)

// Supervisor owns the table of strategy engines. Commands for one strategy
// are serialized on a per-strategy mutex; different strategies start and
// stop independently.
type Supervisor struct {
	adapter kernel.Adapter
	hub     *events.Hub
	proc    *config.Config

	strategyStore *store.StrategyStore
	positionStore *store.PositionStore
	snapshotStore *store.SnapshotStore

	mu      sync.RWMutex
	engines map[int64]*Engine

	cmdMu sync.Mutex
	cmds  map[int64]*sync.Mutex
}

func NewSupervisor(adapter kernel.Adapter, hub *events.Hub, proc *config.Config) *Supervisor {
	return &Supervisor{
		adapter:       adapter,
		hub:           hub,
		proc:          proc,
		strategyStore: store.NewStrategyStore(),
		positionStore: store.NewPositionStore(),
		snapshotStore: store.NewSnapshotStore(),
		engines:       make(map[int64]*Engine),
		cmds:          make(map[int64]*sync.Mutex),
	}
}

// cmdLock returns the strategy's command mutex, creating it on first use.
func (s *Supervisor) cmdLock(strategyID int64) *sync.Mutex {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	l, ok := s.cmds[strategyID]
	if !ok {
		l = &sync.Mutex{}
		s.cmds[strategyID] = l
	}
	return l
}

// Start launches a run for the strategy. A fresh engine is built per run so
// kernel state never leaks across runs.
func (s *Supervisor) Start(ctx context.Context, strategyID int64) error {
	l := s.cmdLock(strategyID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	existing := s.engines[strategyID]
	s.mu.RUnlock()
	if existing != nil && existing.IsActive() {
		return fmt.Errorf("strategy %d is already running", strategyID)
	}

	strategy, err := s.strategyStore.Get(strategyID)
	if err != nil {
		return fmt.Errorf("load strategy: %w", err)
	}

	engine, err := NewEngine(strategy, s.adapter, s.hub, s.proc)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.engines[strategyID] = engine
	s.mu.Unlock()

	log.Printf("[supervisor] Started strategy %d (%s)", strategyID, strategy.Name)
	return nil
}

// Stop ends the strategy's run and unloads the engine.
func (s *Supervisor) Stop(ctx context.Context, strategyID int64, closePositions bool) error {
	l := s.cmdLock(strategyID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	engine := s.engines[strategyID]
	s.mu.RUnlock()
	if engine == nil {
		return fmt.Errorf("strategy %d is not running", strategyID)
	}

	err := engine.Stop(ctx, closePositions)

	s.mu.Lock()
	delete(s.engines, strategyID)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	log.Printf("[supervisor] Stopped strategy %d", strategyID)
	return nil
}

// StopAll stops every loaded strategy. Used at shutdown; positions stay open
// unless closePositions is set.
func (s *Supervisor) StopAll(ctx context.Context, closePositions bool) {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.engines))
	for id := range s.engines {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.Stop(ctx, id, closePositions); err != nil {
			log.Printf("[supervisor] Stop strategy %d: %v", id, err)
		}
	}
}

// Status reports the live engine view, or a bare stopped record when no
// engine is loaded.
func (s *Supervisor) Status(strategyID int64) map[string]interface{} {
	if engine := s.engine(strategyID); engine != nil {
		return engine.Status()
	}
	return map[string]interface{}{
		"strategy_id": strategyID,
		"state":       StateStopped,
	}
}

// IsActive reports whether the strategy has an engine holding a run.
func (s *Supervisor) IsActive(strategyID int64) bool {
	engine := s.engine(strategyID)
	return engine != nil && engine.IsActive()
}

func (s *Supervisor) engine(strategyID int64) *Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engines[strategyID]
}

// Active returns the ids of strategies with a live engine.
func (s *Supervisor) Active() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.engines))
	for id, engine := range s.engines {
		if engine.IsActive() {
			ids = append(ids, id)
		}
	}
	return ids
}

// ForceRetrain schedules a model retrain on a running strategy.
func (s *Supervisor) ForceRetrain(strategyID int64) error {
	engine := s.engine(strategyID)
	if engine == nil || !engine.IsActive() {
		return fmt.Errorf("strategy %d is not running", strategyID)
	}
	return engine.ForceRetrain()
}

// RunSnapshotDaemon captures account state on the configured interval until
// the context is canceled.
func (s *Supervisor) RunSnapshotDaemon(ctx context.Context) {
	ticker := time.NewTicker(s.proc.SnapshotInterval)
	defer ticker.Stop()

	log.Printf("[supervisor] Snapshot daemon started (every %v)", s.proc.SnapshotInterval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[supervisor] Snapshot daemon stopped")
			return
		case <-ticker.C:
			if err := s.snapshot(ctx); err != nil {
				log.Printf("[supervisor] Snapshot failed: %v", err)
			}
		}
	}
}

// snapshot persists one account capture and publishes it on the bus.
func (s *Supervisor) snapshot(ctx context.Context) error {
	bal, err := s.adapter.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}

	s.sweep(ctx)

	snap := &store.AccountSnapshot{
		TotalBalance:  bal.Total,
		FreeBalance:   bal.Free,
		UsedBalance:   bal.Used,
		UnrealizedPnL: bal.UnrealizedPnL,
	}
	if err := s.snapshotStore.Save(snap, s.proc.SnapshotRetention); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	s.hub.Publish(events.Event{
		Topic: events.TopicAccount,
		Data:  snap,
	})
	return nil
}

// sweep closes ledger positions whose strategy has no live engine and whose
// venue side is gone, so crashes and manual interventions converge back to
// the venue's truth.
func (s *Supervisor) sweep(ctx context.Context) {
	positions, err := s.positionStore.ListOpen()
	if err != nil {
		log.Printf("[supervisor] Sweep failed to list positions: %v", err)
		return
	}

	for _, p := range positions {
		if s.IsActive(p.StrategyID) {
			continue // the engine owns it
		}
		venuePos, err := s.adapter.FetchPosition(ctx, p.Symbol)
		if err != nil {
			continue
		}
		if venuePos == nil || venuePos.Quantity < minQty {
			log.Printf("[supervisor] Venue flat for %s (run %d), marking ledger position closed", p.Symbol, p.RunID)
			if err := s.positionStore.MarkClosed(p.RunID); err != nil {
				log.Printf("[supervisor] Failed to mark position closed: %v", err)
			}
		}
	}
}
