package supervisor

import (
	"context"
	"fmt"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/lifecycle"
	"tradeEngine/internal/ports"
)

// StopEntries blocks new entries from the next tick on. Open trades keep
// being managed.
func (s *Supervisor) StopEntries() {
	s.stopEntries.Store(true)
	s.logger.Warn(context.Background(), "Entries stopped by operator")
}

// ResumeEntries re-enables new entries.
func (s *Supervisor) ResumeEntries() {
	s.stopEntries.Store(false)
	s.logger.Info(context.Background(), "Entries resumed by operator")
}

// EntriesStopped reports the stop-entries flag.
func (s *Supervisor) EntriesStopped() bool { return s.stopEntries.Load() }

// ForceExit flags an open trade for exit on the next tick. The request is
// stored on the trade, so it may also come from another process.
func (s *Supervisor) ForceExit(ctx context.Context, tradeID int64) error {
	t, err := s.repo.FindByID(ctx, tradeID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("%w: trade %d", ports.ErrNotFound, tradeID)
	}
	if err := s.requestExit(ctx, tradeID); err != nil {
		return err
	}
	s.logger.Warn(ctx, "Force exit requested", map[string]interface{}{"tradeID": tradeID, "pair": t.Pair})
	return nil
}

// ForceExitAll flags every open trade for exit on the next tick.
func (s *Supervisor) ForceExitAll() {
	s.forceAll.Store(true)
}

func (s *Supervisor) requestExit(ctx context.Context, id int64) error {
	_, err := s.repo.Update(ctx, id, func(tr *domain.Trade) error {
		return RequestExit(tr)
	})
	return err
}

// RequestExit marks an open trade for a forced exit.
func RequestExit(t *domain.Trade) error {
	if !t.IsOpen() {
		return fmt.Errorf("%w: trade %d is %s", ports.ErrTradeNotManaged, t.ID, t.Status)
	}
	t.ForceExitPending = true
	return nil
}

func (s *Supervisor) clearExitRequest(ctx context.Context, id int64) error {
	_, err := s.repo.Update(ctx, id, func(tr *domain.Trade) error {
		tr.ForceExitPending = false
		return nil
	})
	return err
}

// Reload swaps pairs, risk settings and strategy. It waits for the tick in
// progress to finish, so no decision mixes old and new settings.
func (s *Supervisor) Reload(ctx context.Context, settings Settings) error {
	if err := settings.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	s.logger.Info(ctx, "Supervisor settings reloaded", map[string]interface{}{
		"pairs": settings.Pairs, "strategy": settings.Strategy.Name(),
	})
	return nil
}

// ResolveUnmanaged applies an operator decision to an unmanaged trade under
// its pair lock.
func (s *Supervisor) ResolveUnmanaged(ctx context.Context, tradeID int64, res lifecycle.Resolution, price float64) (*domain.Trade, error) {
	t, err := s.repo.FindByID(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: trade %d", ports.ErrNotFound, tradeID)
	}
	unlock, err := s.locks.Lock(ctx, t.Pair)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.lc.ResolveUnmanaged(ctx, tradeID, res, price)
}
