package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"task-scheduler-service/internal/scheduler/db"
)

// ExpiryReason names the timeout that forced a task to EXPIRED. The value is
// recorded in the task output as {"reason": "<value>"}.
type ExpiryReason string

const (
	ReasonCreatedToStartedTimeout   ExpiryReason = "createdToStartedTimeoutSecs_exceeded"
	ReasonHeartbeatTimeout          ExpiryReason = "heartbeatTimeoutSecs_exceeded"
	ReasonStartedToCompletedTimeout ExpiryReason = "startedToCompletedTimeoutSecs_exceeded"
)

// TaskProps are the caller-supplied fields of a new task.
type TaskProps struct {
	ID                            string // optional; generated when empty
	Name                          string
	GroupKey                      string
	GroupMaxConcurrency           int
	OwnerKey                      *string
	RetryKey                      *string
	ScheduleID                    *string
	Payload                       db.JSON
	RetryMax                      int
	RetryCount                    int
	StartsAfter                   time.Time // zero value means now
	CreatedToStartedTimeoutSecs   int
	StartedToCompletedTimeoutSecs int
	HeartbeatTimeoutSecs          int
}

// TaskFilter selects tasks for Search. Zero fields are ignored.
type TaskFilter struct {
	IDs        []string
	GroupKey   string
	States     []db.TaskState
	ScheduleID string
	RetryKey   string
	OwnerKey   string
	Limit      int
}

// TaskStore persists tasks. Methods that must be atomic with other writes
// are expected to run on a transaction handle obtained via WithTx.
type TaskStore struct {
	db *gorm.DB
}

func NewTaskStore(gdb *gorm.DB) *TaskStore {
	return &TaskStore{db: gdb}
}

// WithTx returns a store bound to the given transaction.
func (s *TaskStore) WithTx(tx *gorm.DB) *TaskStore {
	return &TaskStore{db: tx}
}

// Create inserts a new CREATED task and returns it.
func (s *TaskStore) Create(ctx context.Context, props TaskProps) (*db.Task, error) {
	if props.Name == "" {
		return nil, fmt.Errorf("task name is required: %w", db.ErrInvalidProps)
	}
	if props.GroupKey == "" {
		return nil, fmt.Errorf("task group key is required: %w", db.ErrInvalidProps)
	}
	if props.CreatedToStartedTimeoutSecs <= 0 || props.StartedToCompletedTimeoutSecs <= 0 || props.HeartbeatTimeoutSecs <= 0 {
		return nil, fmt.Errorf("task timeouts must be positive: %w", db.ErrInvalidProps)
	}
	if props.RetryCount > props.RetryMax {
		return nil, fmt.Errorf("retry count %d exceeds retry max %d: %w", props.RetryCount, props.RetryMax, db.ErrInvalidProps)
	}

	now := time.Now().UTC()
	startsAfter := props.StartsAfter
	if startsAfter.IsZero() {
		startsAfter = now
	}
	id := props.ID
	if id == "" {
		id = db.NewID()
	}
	task := &db.Task{
		ID:                            id,
		Name:                          props.Name,
		GroupKey:                      props.GroupKey,
		GroupMaxConcurrency:           props.GroupMaxConcurrency,
		OwnerKey:                      props.OwnerKey,
		RetryKey:                      props.RetryKey,
		ScheduleID:                    props.ScheduleID,
		Payload:                       props.Payload,
		State:                         db.TaskStateCreated,
		RetryMax:                      props.RetryMax,
		RetryCount:                    props.RetryCount,
		StartsAfter:                   startsAfter,
		CreatedToStartedTimeoutSecs:   props.CreatedToStartedTimeoutSecs,
		StartedToCompletedTimeoutSecs: props.StartedToCompletedTimeoutSecs,
		HeartbeatTimeoutSecs:          props.HeartbeatTimeoutSecs,
		CreatedAt:                     now,
		LastStateTransitionAt:         now,
		LastHeartbeatAt:               now,
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, fmt.Errorf("creating task %q: %w", props.Name, err)
	}
	return task, nil
}

// Get returns the task or db.ErrNotFound.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*db.Task, error) {
	var task db.Task
	err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("task %q: %w", taskID, db.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting task %q: %w", taskID, err)
	}
	return &task, nil
}

// Search returns tasks matching the filter, ordered by id (creation order).
func (s *TaskStore) Search(ctx context.Context, filter TaskFilter) ([]*db.Task, error) {
	q := s.db.WithContext(ctx).Model(&db.Task{})
	if len(filter.IDs) > 0 {
		q = q.Where("id IN ?", filter.IDs)
	}
	if filter.GroupKey != "" {
		q = q.Where("group_key = ?", filter.GroupKey)
	}
	if len(filter.States) > 0 {
		q = q.Where("state IN ?", filter.States)
	}
	if filter.ScheduleID != "" {
		q = q.Where("schedule_id = ?", filter.ScheduleID)
	}
	if filter.RetryKey != "" {
		q = q.Where("retry_key = ?", filter.RetryKey)
	}
	if filter.OwnerKey != "" {
		q = q.Where("owner_key = ?", filter.OwnerKey)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var tasks []*db.Task
	if err := q.Order("id").Limit(limit).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("searching tasks: %w", err)
	}
	return tasks, nil
}

// Heartbeat stamps last_heartbeat_at on a STARTED task.
func (s *TaskStore) Heartbeat(ctx context.Context, taskID string) (*db.Task, error) {
	res := s.db.WithContext(ctx).Model(&db.Task{}).
		Where("id = ? AND state = ?", taskID, db.TaskStateStarted).
		Update("last_heartbeat_at", time.Now().UTC())
	if res.Error != nil {
		return nil, fmt.Errorf("heartbeating task %q: %w", taskID, res.Error)
	}
	if res.RowsAffected == 0 {
		task, err := s.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("task %q is %s: %w", taskID, task.State, db.ErrTaskNotRunning)
	}
	return s.Get(ctx, taskID)
}

// TransitionState moves a task to a terminal state, recording output. The
// update is conditional on the state the task was read in, so a racing
// transition on the same row is rejected instead of overwritten.
func (s *TaskStore) TransitionState(ctx context.Context, taskID string, to db.TaskState, output db.JSON) (*db.Task, error) {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := db.ValidateTaskTransition(task.State, to); err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).Model(&db.Task{}).
		Where("id = ? AND state = ?", taskID, task.State).
		Updates(map[string]interface{}{
			"state":                    to,
			"last_state_transition_at": time.Now().UTC(),
			"terminated":               to.Terminal(),
			"output":                   output,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("transitioning task %q to %s: %w", taskID, to, res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost a race; report the edge against whatever state won.
		current, gerr := s.Get(ctx, taskID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &db.TransitionError{Entity: "task", From: string(current.State), To: string(to)}
	}
	return s.Get(ctx, taskID)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// groupLikePattern turns a wildcard group key into a LIKE pattern. Literal
// %, _ and \ in the key are escaped so only * matches broadly.
func groupLikePattern(groupKey string) string {
	return strings.ReplaceAll(likeEscaper.Replace(groupKey), "*", "%")
}

// Dequeue claims up to limit runnable tasks for the group key (or trailing-*
// pattern) and transitions them to STARTED. Tasks already STARTED in a group
// count against that group's concurrency ceiling. Must run inside a
// transaction so the candidate locks hold until the update commits.
func (s *TaskStore) Dequeue(ctx context.Context, groupKey string, limit int) ([]*db.Task, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	q := s.db.WithContext(ctx).
		Where("state = ?", db.TaskStateCreated).
		Where("starts_after <= ?", now)
	if strings.ContainsRune(groupKey, '*') {
		q = q.Where("group_key LIKE ? ESCAPE ?", groupLikePattern(groupKey), `\`)
	} else {
		q = q.Where("group_key = ?", groupKey)
	}
	var candidates []*db.Task
	if err := forUpdateSkipLocked(q).Order("id").Limit(limit).Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("selecting dequeue candidates for group %q: %w", groupKey, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	started, err := s.startedCounts(ctx, candidates)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, t := range candidates {
		if t.GroupMaxConcurrency > 0 && started[t.GroupKey] >= int64(t.GroupMaxConcurrency) {
			continue
		}
		started[t.GroupKey]++
		ids = append(ids, t.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	res := s.db.WithContext(ctx).Model(&db.Task{}).
		Where("id IN ? AND state = ?", ids, db.TaskStateCreated).
		Updates(map[string]interface{}{
			"state":                    db.TaskStateStarted,
			"last_state_transition_at": now,
			"last_heartbeat_at":        now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("starting dequeued tasks for group %q: %w", groupKey, res.Error)
	}
	var claimed []*db.Task
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&claimed).Error; err != nil {
		return nil, fmt.Errorf("reloading dequeued tasks: %w", err)
	}
	return claimed, nil
}

func (s *TaskStore) startedCounts(ctx context.Context, candidates []*db.Task) (map[string]int64, error) {
	keys := make([]string, 0, len(candidates))
	seen := map[string]bool{}
	for _, t := range candidates {
		if !seen[t.GroupKey] {
			seen[t.GroupKey] = true
			keys = append(keys, t.GroupKey)
		}
	}
	// Locking read, not a COUNT over the transaction snapshot. Concurrent
	// dequeuers hold disjoint candidate rows after SKIP LOCKED, so the
	// ceiling check is the only point where same-group claimers meet; a
	// snapshot count would let two of them each admit a task and jointly
	// exceed the group ceiling. Locking the STARTED rows (and, on InnoDB,
	// the index gap when there are none) serializes them here instead.
	var rows []struct {
		ID       string
		GroupKey string
	}
	err := forUpdate(s.db.WithContext(ctx).Model(&db.Task{}).
		Select("id, group_key").
		Where("group_key IN ? AND state = ?", keys, db.TaskStateStarted)).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting started tasks: %w", err)
	}
	counts := make(map[string]int64, len(keys))
	for _, r := range rows {
		counts[r.GroupKey]++
	}
	return counts, nil
}

// ExpiryCandidate pairs a timed-out task with the timeout that fired.
type ExpiryCandidate struct {
	Task   *db.Task
	Reason ExpiryReason
}

// ExpiryCandidates scans non-terminal tasks in a bounded batch and returns
// the ones whose timeout windows have elapsed at now. Timeout arithmetic is
// done here rather than in SQL so the scan is portable across dialects; the
// caller's conditional transition is what makes expiry race-safe.
func (s *TaskStore) ExpiryCandidates(ctx context.Context, now time.Time, batch int) ([]ExpiryCandidate, error) {
	if batch <= 0 {
		batch = 500
	}
	var tasks []*db.Task
	err := s.db.WithContext(ctx).
		Where("state IN ?", []db.TaskState{db.TaskStateCreated, db.TaskStateStarted}).
		Order("last_state_transition_at").
		Limit(batch).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("scanning tasks for expiry: %w", err)
	}
	var out []ExpiryCandidate
	for _, t := range tasks {
		switch t.State {
		case db.TaskStateCreated:
			if t.StartsAfter.Add(time.Duration(t.CreatedToStartedTimeoutSecs) * time.Second).Before(now) {
				out = append(out, ExpiryCandidate{Task: t, Reason: ReasonCreatedToStartedTimeout})
			}
		case db.TaskStateStarted:
			if t.LastHeartbeatAt.Add(time.Duration(t.HeartbeatTimeoutSecs) * time.Second).Before(now) {
				out = append(out, ExpiryCandidate{Task: t, Reason: ReasonHeartbeatTimeout})
			} else if t.LastStateTransitionAt.Add(time.Duration(t.StartedToCompletedTimeoutSecs) * time.Second).Before(now) {
				out = append(out, ExpiryCandidate{Task: t, Reason: ReasonStartedToCompletedTimeout})
			}
		}
	}
	return out, nil
}

// CancelRunningForSchedule cancels every CREATED/STARTED task of a schedule.
// Meant to run inside the transaction that pauses or deletes the schedule.
func (s *TaskStore) CancelRunningForSchedule(ctx context.Context, scheduleID, reason string) ([]*db.Task, error) {
	var running []*db.Task
	err := forUpdate(s.db.WithContext(ctx)).
		Where("schedule_id = ? AND state IN ?", scheduleID, []db.TaskState{db.TaskStateCreated, db.TaskStateStarted}).
		Order("id").
		Find(&running).Error
	if err != nil {
		return nil, fmt.Errorf("finding running tasks for schedule %q: %w", scheduleID, err)
	}
	cancelled := make([]*db.Task, 0, len(running))
	for _, t := range running {
		updated, err := s.TransitionState(ctx, t.ID, db.TaskStateCancelled, ReasonOutput(reason))
		if err != nil {
			return nil, fmt.Errorf("cancelling task %q for schedule %q: %w", t.ID, scheduleID, err)
		}
		cancelled = append(cancelled, updated)
	}
	return cancelled, nil
}

// PurgeTerminal deletes terminal tasks whose last transition predates cutoff,
// in one bounded batch. Tasks still referenced as a schedule's last scheduled
// task are kept so the scheduling daemon can compute the next due time.
func (s *TaskStore) PurgeTerminal(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	if batch <= 0 {
		batch = 1000
	}
	referenced := s.db.Model(&db.Schedule{}).
		Select("last_scheduled_task_id").
		Where("last_scheduled_task_id IS NOT NULL")
	var ids []string
	err := s.db.WithContext(ctx).Model(&db.Task{}).
		Where("terminated = ? AND last_state_transition_at < ?", true, cutoff).
		Where("id NOT IN (?)", referenced).
		Order("id").
		Limit(batch).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("selecting tasks to purge: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&db.Task{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ReasonOutput builds the {"reason": ...} output document recorded on
// cancelled and expired tasks.
func ReasonOutput(reason string) db.JSON {
	out, _ := json.Marshal(struct {
		Reason string `json:"reason"`
	}{Reason: reason})
	return out
}
