package scheduler

import (
	"context"
	"time"
)

// cleaningTick purges terminal tasks and deleted schedules older than the
// retention window, in bounded batches so no tick holds a long transaction.
// Non-terminal rows are never touched.
func (s *Scheduler) cleaningTick(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.Retention)
	purgedTasks, err := s.tasks.PurgeTerminal(ctx, cutoff, cleaningBatchSize)
	if err != nil {
		return err
	}
	purgedSchedules, err := s.schedules.PurgeDeleted(ctx, cutoff, cleaningBatchSize)
	if err != nil {
		return err
	}
	if purgedTasks > 0 || purgedSchedules > 0 {
		s.log.Info().
			Int64("tasks", purgedTasks).
			Int64("schedules", purgedSchedules).
			Msg("purged records past retention")
	}
	return nil
}
