package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SweepExpired deletes up to limit sessions whose expiry has passed, together with their
// placeholder users. Sessions currently locked by a request are skipped. It returns the number
// of sessions removed.
func (s *WorkflowService) SweepExpired(ctx context.Context, limit int) (int, error) {
	now := s.now()
	tokens, err := s.steps.ListExpiredSessions(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	removed := 0
	for _, token := range tokens {
		ok, err := s.sweepOne(ctx, token, now)
		if err != nil {
			s.metrics.RecordExpired(ctx, "sweeper", removed)
			return removed, err
		}
		if ok {
			removed++
		}
	}
	s.metrics.RecordExpired(ctx, "sweeper", removed)
	return removed, nil
}

func (s *WorkflowService) sweepOne(ctx context.Context, token string, now time.Time) (bool, error) {
	lockToken, ok, err := s.locker.TryLock(ctx, token, s.cfg.SessionLockTTL)
	if err != nil {
		return false, fmt.Errorf("lock session: %w", err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), token, lockToken); err != nil {
			s.logger.Warn("workflow: unlock session failed", zap.Error(err))
		}
	}()
	steps, err := s.steps.GetSteps(ctx, token)
	if err != nil {
		return false, fmt.Errorf("get steps: %w", err)
	}
	if len(steps) == 0 || now.Before(steps[0].ExpiresAt) {
		return false, nil
	}
	if err := s.steps.DeleteSteps(ctx, token); err != nil {
		return false, fmt.Errorf("delete steps: %w", err)
	}
	s.cleanup(ctx, steps)
	return true, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (s *WorkflowService) RunSweeper(ctx context.Context, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx, batch)
			if err != nil {
				s.logger.Error("workflow: sweep expired sessions failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("expired workflow sessions removed", zap.Int("count", n))
			}
		}
	}
}
