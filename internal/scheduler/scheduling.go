package scheduler

import (
	"context"
	"errors"
	"time"

	"task-scheduler-service/internal/scheduler/db"
	"task-scheduler-service/internal/scheduler/store"
)

// schedulingTick promotes every due schedule into a new immediate task. A
// failure promoting one schedule never blocks the others; losing the
// already-running race to a concurrent trigger is a benign skip.
func (s *Scheduler) schedulingTick(ctx context.Context) error {
	due, err := s.dueSchedules(ctx)
	if err != nil {
		return err
	}
	for _, schedule := range due {
		task, err := s.TriggerSchedule(ctx, schedule.Name)
		if err != nil {
			if errors.Is(err, db.ErrAlreadyRunning) || errors.Is(err, db.ErrNotFound) {
				continue
			}
			s.log.Error().Err(err).
				Str("schedule_id", schedule.ID).
				Str("schedule", schedule.Name).
				Msg("could not promote due schedule")
			continue
		}
		s.log.Debug().
			Str("schedule", schedule.Name).
			Str("task_id", task.ID).
			Msg("promoted due schedule")
	}
	return nil
}

// dueSchedules returns STARTED schedules whose start time has passed and
// whose most recent task, if any, reached a terminal state at least one
// frequency interval ago. Any terminal transition counts as completion, so
// an expired or cancelled run restarts the frequency clock the same way a
// success does.
func (s *Scheduler) dueSchedules(ctx context.Context) ([]*db.Schedule, error) {
	now := time.Now().UTC()
	started, err := s.schedules.Search(ctx, store.ScheduleFilter{
		State: db.ScheduleStateStarted,
		Limit: maxSchedulesPerTick,
	})
	if err != nil {
		return nil, err
	}
	var due []*db.Schedule
	for _, schedule := range started {
		if schedule.StartsAt.After(now) {
			continue
		}
		if schedule.LastScheduledTaskID == nil {
			due = append(due, schedule)
			continue
		}
		last, err := s.tasks.Get(ctx, *schedule.LastScheduledTaskID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				// Last task purged by the cleaning daemon; long overdue.
				due = append(due, schedule)
				continue
			}
			return nil, err
		}
		if !last.State.Terminal() {
			continue
		}
		interval := time.Duration(schedule.FrequencyMs) * time.Millisecond
		if last.LastStateTransitionAt.Add(interval).After(now) {
			continue
		}
		due = append(due, schedule)
	}
	return due, nil
}
