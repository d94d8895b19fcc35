package upload

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically terminates sessions whose deadline has passed. It
// goes through the Manager's Terminate path, never around it, so storage
// cleanup and record deletion stay consistent.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	batch    int
}

// NewSweeper creates a Sweeper. Expiry is judged by the Manager's clock.
func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		batch:    100,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep terminates every expired, uncompleted session it can find. A failure
// on one session is logged and does not block the rest of the batch; the
// session stays expired and is picked up again on the next cycle.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.manager.ExpiredSessions(ctx, s.batch)
	if err != nil {
		slog.Error("List expired sessions", "err", err)
		return
	}

	for _, e := range expired {
		if err := s.manager.Terminate(ctx, e.ID, e.Owner); err != nil {
			slog.Error("Terminate expired session", "session", e.ID, "err", err)
			continue
		}
		slog.Info("Reclaimed expired session", "session", e.ID)
	}
}
