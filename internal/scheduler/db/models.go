package db

import (
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStateCreated   TaskState = "CREATED"
	TaskStateStarted   TaskState = "STARTED"
	TaskStateSucceeded TaskState = "SUCCEEDED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateExpired   TaskState = "EXPIRED"
	TaskStateCancelled TaskState = "CANCELLED"
)

// TaskStates lists every task state, terminal ones last.
var TaskStates = []TaskState{
	TaskStateCreated,
	TaskStateStarted,
	TaskStateSucceeded,
	TaskStateFailed,
	TaskStateExpired,
	TaskStateCancelled,
}

// Terminal reports whether no further transition is allowed out of s.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateExpired, TaskStateCancelled:
		return true
	}
	return false
}

// ScheduleState is the lifecycle state of a recurring schedule.
type ScheduleState string

const (
	ScheduleStateStarted ScheduleState = "STARTED"
	ScheduleStatePaused  ScheduleState = "PAUSED"
	ScheduleStateDeleted ScheduleState = "DELETED"
)

// Task is a single unit of work handed out to executors. The scheduler only
// tracks metadata: payloads are opaque JSON except for the reserved abort
// marker (see abort.go).
type Task struct {
	ID                            string     `json:"id" gorm:"primaryKey"`
	Name                          string     `json:"name" gorm:"not null"`
	GroupKey                      string     `json:"group_key" gorm:"not null;index:idx_tasks_group_key_state,priority:1"`
	GroupMaxConcurrency           int        `json:"group_max_concurrency"`
	OwnerKey                      *string    `json:"owner_key,omitempty" gorm:"index"`
	RetryKey                      *string    `json:"retry_key,omitempty" gorm:"index"`
	ScheduleID                    *string    `json:"schedule_id,omitempty" gorm:"index:idx_tasks_schedule_id_state,priority:1"`
	Payload                       JSON       `json:"payload" gorm:"type:json"`
	State                         TaskState  `json:"state" gorm:"not null;index:idx_tasks_group_key_state,priority:2;index:idx_tasks_schedule_id_state,priority:2;index:idx_tasks_state_transitioned,priority:1"`
	Output                        JSON       `json:"output,omitempty" gorm:"type:json"`
	RetryMax                      int        `json:"retry_max"`
	RetryCount                    int        `json:"retry_count"`
	StartsAfter                   time.Time  `json:"starts_after" gorm:"not null"`
	CreatedToStartedTimeoutSecs   int        `json:"created_to_started_timeout_secs"`
	StartedToCompletedTimeoutSecs int        `json:"started_to_completed_timeout_secs"`
	HeartbeatTimeoutSecs          int        `json:"heartbeat_timeout_secs"`
	CreatedAt                     time.Time  `json:"created_at"`
	LastStateTransitionAt         time.Time  `json:"last_state_transition_at" gorm:"index:idx_tasks_state_transitioned,priority:2"`
	LastHeartbeatAt               time.Time  `json:"last_heartbeat_at"`
	Terminated                    bool       `json:"terminated"`
}

// Schedule is a named recurring definition that periodically spawns tasks.
// Rows are never hard-deleted while referenced: DELETED is a state, the
// cleaning daemon reclaims the row once it ages out.
type Schedule struct {
	ID                            string        `json:"id" gorm:"primaryKey"`
	Name                          string        `json:"name" gorm:"not null;uniqueIndex"`
	State                         ScheduleState `json:"state" gorm:"not null;index"`
	StartsAt                      time.Time     `json:"starts_at"`
	FrequencyMs                   int64         `json:"frequency_ms"`
	Payload                       JSON          `json:"payload" gorm:"type:json"`
	GroupKey                      string        `json:"group_key" gorm:"not null"`
	GroupMaxConcurrency           int           `json:"group_max_concurrency"`
	RetryMax                      int           `json:"retry_max"`
	CreatedToStartedTimeoutSecs   int           `json:"created_to_started_timeout_secs"`
	StartedToCompletedTimeoutSecs int           `json:"started_to_completed_timeout_secs"`
	HeartbeatTimeoutSecs          int           `json:"heartbeat_timeout_secs"`
	CreatedAt                     time.Time     `json:"created_at"`
	UpdatedAt                     time.Time     `json:"updated_at"`
	DeletedAt                     *time.Time    `json:"deleted_at,omitempty"`
	LastScheduledTaskID           *string       `json:"last_scheduled_task_id,omitempty"`
}

// NewID returns a UUIDv7 string. Time-ordered ids keep ORDER BY id equal to
// creation order, which dequeue relies on for fairness.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

var validTaskTransitions = map[TaskState][]TaskState{
	TaskStateCreated: {TaskStateStarted, TaskStateCancelled, TaskStateExpired},
	TaskStateStarted: {TaskStateSucceeded, TaskStateFailed, TaskStateCancelled, TaskStateExpired},
}

// ValidateTaskTransition returns a *TransitionError unless from -> to is an
// edge of the task state machine.
func ValidateTaskTransition(from, to TaskState) error {
	for _, allowed := range validTaskTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &TransitionError{Entity: "task", From: string(from), To: string(to)}
}

var validScheduleTransitions = map[ScheduleState][]ScheduleState{
	ScheduleStateStarted: {ScheduleStatePaused, ScheduleStateDeleted},
	ScheduleStatePaused:  {ScheduleStateStarted, ScheduleStateDeleted},
}

// ValidateScheduleTransition returns a *TransitionError unless from -> to is
// an edge of the schedule state machine. DELETED is terminal.
func ValidateScheduleTransition(from, to ScheduleState) error {
	for _, allowed := range validScheduleTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &TransitionError{Entity: "schedule", From: string(from), To: string(to)}
}
