package scheduler

import (
	"context"
	"errors"
	"time"

	"task-scheduler-service/internal/scheduler/db"
	"task-scheduler-service/internal/scheduler/store"
)

// expiringTick force-expires tasks that exceeded a timeout or stopped
// heartbeating. The EXPIRED transition is conditional on the state the task
// was scanned in, so a task that reached a terminal state concurrently (it
// just succeeded, say) is left alone. Each expired task gets an abort task,
// exactly as Cancel does: the executor may still be running it and has no
// other channel back from the scheduler.
func (s *Scheduler) expiringTick(ctx context.Context) error {
	candidates, err := s.tasks.ExpiryCandidates(ctx, time.Now().UTC(), expiryBatchSize)
	if err != nil {
		return err
	}
	for _, c := range candidates {
		expired, err := s.tasks.TransitionState(ctx, c.Task.ID, db.TaskStateExpired, store.ReasonOutput(string(c.Reason)))
		if err != nil {
			var transition *db.TransitionError
			if errors.As(err, &transition) || errors.Is(err, db.ErrNotFound) {
				continue
			}
			s.log.Error().Err(err).Str("task_id", c.Task.ID).Msg("could not expire task")
			continue
		}
		s.log.Warn().
			Str("task_id", expired.ID).
			Str("reason", string(c.Reason)).
			Msg("task expired")
		s.notify(expired)
		s.scheduleAbort(ctx, expired, string(c.Reason))
	}
	return nil
}
