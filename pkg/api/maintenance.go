package api

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// ackedMessageRetention is how long acked queue messages are kept for
// auditing before the janitor prunes them.
const ackedMessageRetention = 24 * time.Hour

// runMaintenance drives the periodic housekeeping loops: the snapshot
// expiry sweep over test runs and the queue janitor. The two are
// independent, so each tick runs them concurrently.
func (s *server) runMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.maintenanceTick(ctx)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *server) maintenanceTick(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		expired, err := s.store.MarkExpiredRuns(ctx, time.Now().UTC())
		if err != nil {
			return err
		}

		if expired > 0 {
			s.log.WithField("runs", expired).
				Info("Marked test runs expired")
		}

		return nil
	})

	g.Go(func() error {
		pruned, err := s.queues.DeleteAckedBefore(
			ctx, time.Now().UTC().Add(-ackedMessageRetention),
		)
		if err != nil {
			return err
		}

		if pruned > 0 {
			s.log.WithField("messages", pruned).
				Debug("Pruned acked queue messages")
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		s.log.WithError(err).Warn("Maintenance tick failed")
	}
}
