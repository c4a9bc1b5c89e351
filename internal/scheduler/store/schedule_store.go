package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"task-scheduler-service/internal/scheduler/db"
)

// ScheduleProps are the caller-supplied fields of a new schedule.
type ScheduleProps struct {
	Name                          string
	StartsAt                      time.Time // zero value means now
	FrequencyMs                   int64
	Payload                       db.JSON
	GroupKey                      string
	GroupMaxConcurrency           int
	RetryMax                      int
	CreatedToStartedTimeoutSecs   int
	StartedToCompletedTimeoutSecs int
	HeartbeatTimeoutSecs          int
}

// ScheduleFilter selects schedules for Search. ForUpdate locks the matched
// rows for the duration of the surrounding transaction; every read-then-write
// path on schedules goes through it.
type ScheduleFilter struct {
	ID        string
	Names     []string
	State     db.ScheduleState
	Limit     int
	ForUpdate bool
}

// ScheduleUpdate is a partial update; nil fields are left untouched.
type ScheduleUpdate struct {
	FrequencyMs         *int64
	Payload             db.JSON
	LastScheduledTaskID *string
}

// ScheduleStore persists recurring schedule definitions.
type ScheduleStore struct {
	db *gorm.DB
}

func NewScheduleStore(gdb *gorm.DB) *ScheduleStore {
	return &ScheduleStore{db: gdb}
}

// WithTx returns a store bound to the given transaction.
func (s *ScheduleStore) WithTx(tx *gorm.DB) *ScheduleStore {
	return &ScheduleStore{db: tx}
}

// Create inserts a new STARTED schedule. Names are unique.
func (s *ScheduleStore) Create(ctx context.Context, props ScheduleProps) (*db.Schedule, error) {
	if props.Name == "" {
		return nil, fmt.Errorf("schedule name is required: %w", db.ErrInvalidProps)
	}
	if props.GroupKey == "" {
		return nil, fmt.Errorf("schedule group key is required: %w", db.ErrInvalidProps)
	}
	if props.FrequencyMs <= 0 {
		return nil, fmt.Errorf("schedule frequency must be positive: %w", db.ErrInvalidProps)
	}
	if props.CreatedToStartedTimeoutSecs <= 0 || props.StartedToCompletedTimeoutSecs <= 0 || props.HeartbeatTimeoutSecs <= 0 {
		return nil, fmt.Errorf("schedule timeouts must be positive: %w", db.ErrInvalidProps)
	}

	now := time.Now().UTC()
	startsAt := props.StartsAt
	if startsAt.IsZero() {
		startsAt = now
	}
	schedule := &db.Schedule{
		ID:                            db.NewID(),
		Name:                          props.Name,
		State:                         db.ScheduleStateStarted,
		StartsAt:                      startsAt,
		FrequencyMs:                   props.FrequencyMs,
		Payload:                       props.Payload,
		GroupKey:                      props.GroupKey,
		GroupMaxConcurrency:           props.GroupMaxConcurrency,
		RetryMax:                      props.RetryMax,
		CreatedToStartedTimeoutSecs:   props.CreatedToStartedTimeoutSecs,
		StartedToCompletedTimeoutSecs: props.StartedToCompletedTimeoutSecs,
		HeartbeatTimeoutSecs:          props.HeartbeatTimeoutSecs,
		CreatedAt:                     now,
		UpdatedAt:                     now,
	}
	if err := s.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return nil, fmt.Errorf("creating schedule %q: %w", props.Name, err)
	}
	return schedule, nil
}

// Get returns the schedule or db.ErrNotFound.
func (s *ScheduleStore) Get(ctx context.Context, scheduleID string) (*db.Schedule, error) {
	var schedule db.Schedule
	err := s.db.WithContext(ctx).First(&schedule, "id = ?", scheduleID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("schedule %q: %w", scheduleID, db.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting schedule %q: %w", scheduleID, err)
	}
	return &schedule, nil
}

// GetByName returns the schedule with the given unique name or db.ErrNotFound.
func (s *ScheduleStore) GetByName(ctx context.Context, name string, lock bool) (*db.Schedule, error) {
	schedules, err := s.Search(ctx, ScheduleFilter{Names: []string{name}, Limit: 1, ForUpdate: lock})
	if err != nil {
		return nil, err
	}
	if len(schedules) == 0 {
		return nil, fmt.Errorf("schedule %q: %w", name, db.ErrNotFound)
	}
	return schedules[0], nil
}

// Search returns schedules matching the filter, ordered by id.
func (s *ScheduleStore) Search(ctx context.Context, filter ScheduleFilter) ([]*db.Schedule, error) {
	q := s.db.WithContext(ctx).Model(&db.Schedule{})
	if filter.ID != "" {
		q = q.Where("id = ?", filter.ID)
	}
	if len(filter.Names) > 0 {
		q = q.Where("name IN ?", filter.Names)
	}
	if filter.State != "" {
		q = q.Where("state = ?", filter.State)
	}
	if filter.ForUpdate {
		q = forUpdate(q)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var schedules []*db.Schedule
	if err := q.Order("id").Limit(limit).Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("searching schedules: %w", err)
	}
	return schedules, nil
}

// Update applies a partial update and returns the fresh row.
func (s *ScheduleStore) Update(ctx context.Context, scheduleID string, update ScheduleUpdate) (*db.Schedule, error) {
	values := map[string]interface{}{"updated_at": time.Now().UTC()}
	if update.FrequencyMs != nil {
		values["frequency_ms"] = *update.FrequencyMs
	}
	if update.Payload != nil {
		values["payload"] = update.Payload
	}
	if update.LastScheduledTaskID != nil {
		values["last_scheduled_task_id"] = *update.LastScheduledTaskID
	}
	res := s.db.WithContext(ctx).Model(&db.Schedule{}).Where("id = ?", scheduleID).Updates(values)
	if res.Error != nil {
		return nil, fmt.Errorf("updating schedule %q: %w", scheduleID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("schedule %q: %w", scheduleID, db.ErrNotFound)
	}
	return s.Get(ctx, scheduleID)
}

// TransitionState moves a schedule along the STARTED <-> PAUSED -> DELETED
// machine. The update is conditional on the state the row was read in.
func (s *ScheduleStore) TransitionState(ctx context.Context, scheduleID string, to db.ScheduleState) (*db.Schedule, error) {
	schedule, err := s.Get(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if schedule.State == to {
		return schedule, fmt.Errorf("schedule %q is %s: %w", schedule.Name, to, db.ErrAlreadyInState)
	}
	if err := db.ValidateScheduleTransition(schedule.State, to); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	values := map[string]interface{}{"state": to, "updated_at": now}
	if to == db.ScheduleStateDeleted {
		values["deleted_at"] = now
	}
	res := s.db.WithContext(ctx).Model(&db.Schedule{}).
		Where("id = ? AND state = ?", scheduleID, schedule.State).
		Updates(values)
	if res.Error != nil {
		return nil, fmt.Errorf("transitioning schedule %q to %s: %w", scheduleID, to, res.Error)
	}
	if res.RowsAffected == 0 {
		current, gerr := s.Get(ctx, scheduleID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &db.TransitionError{Entity: "schedule", From: string(current.State), To: string(to)}
	}
	return s.Get(ctx, scheduleID)
}

// PurgeDeleted hard-deletes schedules whose deletion predates cutoff, in one
// bounded batch.
func (s *ScheduleStore) PurgeDeleted(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	if batch <= 0 {
		batch = 100
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&db.Schedule{}).
		Where("state = ? AND deleted_at < ?", db.ScheduleStateDeleted, cutoff).
		Order("id").
		Limit(batch).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("selecting schedules to purge: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&db.Schedule{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging schedules: %w", res.Error)
	}
	return res.RowsAffected, nil
}
