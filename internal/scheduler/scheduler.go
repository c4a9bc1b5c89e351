// Package scheduler implements the task scheduler core: a crash-tolerant,
// database-backed coordination layer that issues units of work on demand or
// on a recurring cadence, enforces per-group concurrency, reaps abandoned
// work via heartbeats, retries failures with bounded attempts and lets
// callers cancel or reschedule work safely under concurrent access.
//
// Work execution lives elsewhere: executors dequeue tasks, heartbeat while
// working and report the outcome back. The scheduler only tracks metadata.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"task-scheduler-service/internal/scheduler/db"
	"task-scheduler-service/internal/scheduler/store"
)

const (
	defaultSchedulingInterval = 100 * time.Millisecond
	defaultExpiringInterval   = 5 * time.Second
	defaultCleaningInterval   = 10 * time.Minute
	defaultRetention          = 10 * 24 * time.Hour

	tickTimeout         = time.Minute
	maxSchedulesPerTick = 1000
	expiryBatchSize     = 500
	cleaningBatchSize   = 1000
)

// Config tunes the scheduler and registers the platform callbacks.
type Config struct {
	SchedulingInterval time.Duration
	ExpiringInterval   time.Duration
	CleaningInterval   time.Duration
	// Retention is how long terminal tasks and deleted schedules are kept
	// before the cleaning daemon purges them.
	Retention time.Duration
	// OnTaskStateChange is invoked once per committed state change, after
	// the transaction that produced it. It must be fast or hand off to its
	// own goroutine: a slow callback stalls the calling request or tick.
	OnTaskStateChange func(*db.Task)
	// OnError receives daemon-level failures. Daemons never crash the
	// process; a failed tick is reported here and retried next interval.
	OnError func(error)
}

func (c Config) withDefaults() Config {
	if c.SchedulingInterval <= 0 {
		c.SchedulingInterval = defaultSchedulingInterval
	}
	if c.ExpiringInterval <= 0 {
		c.ExpiringInterval = defaultExpiringInterval
	}
	if c.CleaningInterval <= 0 {
		c.CleaningInterval = defaultCleaningInterval
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	return c
}

// Scheduler is the public facade over the task and schedule stores and the
// three maintenance daemons. External callers use it exclusively; the stores
// are private collaborators.
type Scheduler struct {
	gdb       *gorm.DB
	tasks     *store.TaskStore
	schedules *store.ScheduleStore
	cfg       Config
	log       zerolog.Logger
	cron      gocron.Scheduler
}

func New(gdb *gorm.DB, logger zerolog.Logger, cfg Config) *Scheduler {
	return &Scheduler{
		gdb:       gdb,
		tasks:     store.NewTaskStore(gdb),
		schedules: store.NewScheduleStore(gdb),
		cfg:       cfg.withDefaults(),
		log:       logger,
	}
}

// Start launches the scheduling, expiring and cleaning daemons and returns
// without blocking. Tick failures surface through Config.OnError.
func (s *Scheduler) Start() error {
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating daemon scheduler: %w", err)
	}
	daemons := []struct {
		name  string
		every time.Duration
		tick  func(context.Context) error
	}{
		{"scheduling", s.cfg.SchedulingInterval, s.schedulingTick},
		{"expiring", s.cfg.ExpiringInterval, s.expiringTick},
		{"cleaning", s.cfg.CleaningInterval, s.cleaningTick},
	}
	for _, d := range daemons {
		d := d
		_, err := cron.NewJob(
			gocron.DurationJob(d.every),
			gocron.NewTask(func() { s.runTick(d.name, d.tick) }),
			gocron.WithName(d.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("registering %s daemon: %w", d.name, err)
		}
	}
	cron.Start()
	s.cron = cron
	s.log.Info().
		Dur("scheduling_interval", s.cfg.SchedulingInterval).
		Dur("expiring_interval", s.cfg.ExpiringInterval).
		Dur("cleaning_interval", s.cfg.CleaningInterval).
		Msg("scheduler daemons started")
	return nil
}

// Stop requests cooperative shutdown and waits for in-flight ticks to finish
// their current transaction before returning.
func (s *Scheduler) Stop() error {
	if s.cron == nil {
		return nil
	}
	err := s.cron.Shutdown()
	s.cron = nil
	if err != nil {
		return fmt.Errorf("stopping scheduler daemons: %w", err)
	}
	s.log.Info().Msg("scheduler daemons stopped")
	return nil
}

func (s *Scheduler) runTick(name string, tick func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()
	if err := tick(ctx); err != nil {
		s.log.Error().Err(err).Str("daemon", name).Msg("daemon tick failed")
		if s.cfg.OnError != nil {
			s.cfg.OnError(fmt.Errorf("%s daemon: %w", name, err))
		}
	}
}

func (s *Scheduler) notify(tasks ...*db.Task) {
	if s.cfg.OnTaskStateChange == nil {
		return
	}
	for _, t := range tasks {
		if t != nil {
			s.cfg.OnTaskStateChange(t)
		}
	}
}

// Immediate creates an ad-hoc task and fires the CREATED callback.
func (s *Scheduler) Immediate(ctx context.Context, props store.TaskProps) (*db.Task, error) {
	task, err := s.tasks.Create(ctx, props)
	if err != nil {
		return nil, err
	}
	s.notify(task)
	return task, nil
}

// TriggerSchedule creates an immediate task from a schedule's defaults. The
// schedule row is locked for the duration of the transaction so concurrent
// triggers and the scheduling daemon serialize on the already-running check;
// a schedule with a CREATED or STARTED task yields db.ErrAlreadyRunning.
func (s *Scheduler) TriggerSchedule(ctx context.Context, name string) (*db.Task, error) {
	var task *db.Task
	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		schedules := s.schedules.WithTx(tx)
		tasks := s.tasks.WithTx(tx)
		schedule, err := schedules.GetByName(ctx, name, true)
		if err != nil {
			return err
		}
		if schedule.State == db.ScheduleStateDeleted {
			return fmt.Errorf("schedule %q is deleted: %w", name, db.ErrNotFound)
		}
		running, err := tasks.Search(ctx, store.TaskFilter{
			ScheduleID: schedule.ID,
			States:     []db.TaskState{db.TaskStateCreated, db.TaskStateStarted},
			Limit:      1,
		})
		if err != nil {
			return err
		}
		if len(running) > 0 {
			return fmt.Errorf("schedule %q has task %q in state %s: %w",
				name, running[0].ID, running[0].State, db.ErrAlreadyRunning)
		}
		id := db.NewID()
		task, err = tasks.Create(ctx, store.TaskProps{
			ID:                            id,
			Name:                          schedule.Name + ":" + id,
			GroupKey:                      schedule.GroupKey,
			GroupMaxConcurrency:           schedule.GroupMaxConcurrency,
			ScheduleID:                    &schedule.ID,
			Payload:                       schedule.Payload,
			RetryMax:                      schedule.RetryMax,
			CreatedToStartedTimeoutSecs:   schedule.CreatedToStartedTimeoutSecs,
			StartedToCompletedTimeoutSecs: schedule.StartedToCompletedTimeoutSecs,
			HeartbeatTimeoutSecs:          schedule.HeartbeatTimeoutSecs,
		})
		if err != nil {
			return err
		}
		_, err = schedules.Update(ctx, schedule.ID, store.ScheduleUpdate{LastScheduledTaskID: &task.ID})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notify(task)
	return task, nil
}

// Recurring registers a new STARTED schedule.
func (s *Scheduler) Recurring(ctx context.Context, props store.ScheduleProps) (*db.Schedule, error) {
	return s.schedules.Create(ctx, props)
}

// Get returns a task by id.
func (s *Scheduler) Get(ctx context.Context, taskID string) (*db.Task, error) {
	return s.tasks.Get(ctx, taskID)
}

// SearchTasks returns tasks matching the filter.
func (s *Scheduler) SearchTasks(ctx context.Context, filter store.TaskFilter) ([]*db.Task, error) {
	return s.tasks.Search(ctx, filter)
}

// SearchSchedules returns schedules matching the filter.
func (s *Scheduler) SearchSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*db.Schedule, error) {
	return s.schedules.Search(ctx, filter)
}

// Dequeue atomically claims up to limit runnable tasks for the group key (or
// trailing-* pattern), honoring each task's group concurrency ceiling, and
// fires the STARTED callback for every claimed task.
func (s *Scheduler) Dequeue(ctx context.Context, groupKey string, limit int) ([]*db.Task, error) {
	var claimed []*db.Task
	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		claimed, err = s.tasks.WithTx(tx).Dequeue(ctx, groupKey, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notify(claimed...)
	return claimed, nil
}

// Heartbeat records executor liveness on a STARTED task.
func (s *Scheduler) Heartbeat(ctx context.Context, taskID string) (*db.Task, error) {
	return s.tasks.Heartbeat(ctx, taskID)
}

// Succeed transitions a task to SUCCEEDED, recording its result.
func (s *Scheduler) Succeed(ctx context.Context, taskID string, output db.JSON) (*db.Task, error) {
	task, err := s.tasks.TransitionState(ctx, taskID, db.TaskStateSucceeded, output)
	if err != nil {
		return nil, err
	}
	s.notify(task)
	return task, nil
}

// Fail transitions a task to FAILED and, when attempts remain, creates the
// retry successor in the same transaction. The owning schedule (if any) is
// locked first to block concurrent promotion. A retry-creation failure is
// logged, never propagated: the caller asked about the failure, and the
// FAILED transition already committed its intent.
func (s *Scheduler) Fail(ctx context.Context, taskID string, output db.JSON) (*db.Task, error) {
	var failed, retry *db.Task
	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tasks := s.tasks.WithTx(tx)
		schedules := s.schedules.WithTx(tx)
		task, err := tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		var schedule *db.Schedule
		if task.ScheduleID != nil {
			found, err := schedules.Search(ctx, store.ScheduleFilter{ID: *task.ScheduleID, Limit: 1, ForUpdate: true})
			if err != nil {
				return err
			}
			if len(found) > 0 {
				schedule = found[0]
			}
		}
		failed, err = tasks.TransitionState(ctx, taskID, db.TaskStateFailed, output)
		if err != nil {
			return err
		}
		if failed.RetryMax > failed.RetryCount {
			created, rerr := tasks.Create(ctx, retryProps(failed))
			if rerr != nil {
				s.log.Error().Err(rerr).Str("task_id", taskID).Msg("could not create retry task")
				return nil
			}
			retry = created
			if schedule != nil {
				if _, uerr := schedules.Update(ctx, schedule.ID, store.ScheduleUpdate{LastScheduledTaskID: &created.ID}); uerr != nil {
					s.log.Error().Err(uerr).
						Str("task_id", taskID).
						Str("schedule_id", schedule.ID).
						Msg("could not mark retry as last scheduled task")
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(failed, retry)
	return failed, nil
}

// Cancel transitions a task to CANCELLED, then best-effort schedules an
// abort task so the executor still holding it is told to stop.
func (s *Scheduler) Cancel(ctx context.Context, taskID, reason string) (*db.Task, error) {
	task, err := s.tasks.TransitionState(ctx, taskID, db.TaskStateCancelled, store.ReasonOutput(reason))
	if err != nil {
		return nil, err
	}
	s.scheduleAbort(ctx, task, reason)
	s.notify(task)
	return task, nil
}

// SetScheduleState transitions a schedule, cancelling every running task
// under it in the same transaction when pausing or deleting. Asking for the
// state it is already in is a no-op.
func (s *Scheduler) SetScheduleState(ctx context.Context, name string, state db.ScheduleState) (*db.Schedule, error) {
	var schedule *db.Schedule
	var cancelled []*db.Task
	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		schedules := s.schedules.WithTx(tx)
		tasks := s.tasks.WithTx(tx)
		current, err := schedules.GetByName(ctx, name, true)
		if err != nil {
			return err
		}
		if current.State == state {
			schedule = current
			return nil
		}
		if err := db.ValidateScheduleTransition(current.State, state); err != nil {
			return err
		}
		if state == db.ScheduleStatePaused || state == db.ScheduleStateDeleted {
			reason := "schedule " + strings.ToLower(string(state))
			cancelled, err = tasks.CancelRunningForSchedule(ctx, current.ID, reason)
			if err != nil {
				return err
			}
		}
		schedule, err = schedules.TransitionState(ctx, current.ID, state)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notify(cancelled...)
	return schedule, nil
}

// SetScheduleFrequency updates a schedule's cadence; same value is a no-op.
func (s *Scheduler) SetScheduleFrequency(ctx context.Context, name string, frequencyMs int64) (*db.Schedule, error) {
	if frequencyMs <= 0 {
		return nil, fmt.Errorf("schedule frequency must be positive: %w", db.ErrInvalidProps)
	}
	var schedule *db.Schedule
	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		schedules := s.schedules.WithTx(tx)
		current, err := schedules.GetByName(ctx, name, true)
		if err != nil {
			return err
		}
		if current.FrequencyMs == frequencyMs {
			schedule = current
			return nil
		}
		schedule, err = schedules.Update(ctx, current.ID, store.ScheduleUpdate{FrequencyMs: &frequencyMs})
		return err
	})
	if err != nil {
		return nil, err
	}
	return schedule, nil
}

// scheduleAbort creates the control-message task telling the executor to
// stop work on task. Abort tasks mirror the group and owner of the task they
// are about so they flow through the channel the executor already polls.
// Abort tasks are never themselves aborted. Best effort: failures are logged.
func (s *Scheduler) scheduleAbort(ctx context.Context, task *db.Task, reason string) {
	if db.IsAbortPayload(task.Payload) {
		return
	}
	payload, err := json.Marshal(db.AbortPayload{
		Type:        db.AbortPayloadType,
		AbortedTask: db.AbortedTaskRef{ID: task.ID, State: task.State},
		Reason:      reason,
	})
	if err != nil {
		s.log.Error().Err(err).Str("task_id", task.ID).Msg("could not build abort payload")
		return
	}
	abort, err := s.tasks.Create(ctx, store.TaskProps{
		Name:                          "abort:" + task.ID,
		GroupKey:                      task.GroupKey,
		GroupMaxConcurrency:           task.GroupMaxConcurrency,
		OwnerKey:                      task.OwnerKey,
		Payload:                       payload,
		CreatedToStartedTimeoutSecs:   task.CreatedToStartedTimeoutSecs,
		StartedToCompletedTimeoutSecs: task.StartedToCompletedTimeoutSecs,
		HeartbeatTimeoutSecs:          task.HeartbeatTimeoutSecs,
	})
	if err != nil {
		s.log.Error().Err(err).Str("task_id", task.ID).Msg("could not schedule abort task")
		return
	}
	s.notify(abort)
}

// retryProps builds the successor of a failed task: attempt count bumped,
// same group, owner and retry chain, name suffixed with the attempt number.
func retryProps(t *db.Task) store.TaskProps {
	retryKey := t.RetryKey
	if retryKey == nil {
		first := t.ID
		retryKey = &first
	}
	base := t.Name
	if t.RetryCount > 0 {
		base = strings.TrimSuffix(base, ":"+strconv.Itoa(t.RetryCount))
	}
	return store.TaskProps{
		Name:                          base + ":" + strconv.Itoa(t.RetryCount+1),
		GroupKey:                      t.GroupKey,
		GroupMaxConcurrency:           t.GroupMaxConcurrency,
		OwnerKey:                      t.OwnerKey,
		RetryKey:                      retryKey,
		ScheduleID:                    t.ScheduleID,
		Payload:                       t.Payload,
		RetryMax:                      t.RetryMax,
		RetryCount:                    t.RetryCount + 1,
		CreatedToStartedTimeoutSecs:   t.CreatedToStartedTimeoutSecs,
		StartedToCompletedTimeoutSecs: t.StartedToCompletedTimeoutSecs,
		HeartbeatTimeoutSecs:          t.HeartbeatTimeoutSecs,
	}
}
