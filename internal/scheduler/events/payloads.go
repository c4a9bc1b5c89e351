package events

import (
	"time"

	"task-scheduler-service/internal/scheduler/db"
)

// TaskStateChange is published to Kafka on every committed task state
// transition. The surrounding platform consumes it to drive webhooks, run
// accounting and UI status without the scheduler depending on those systems.
type TaskStateChange struct {
	TaskID     string       `json:"task_id"`
	Name       string       `json:"name"`
	GroupKey   string       `json:"group_key"`
	State      db.TaskState `json:"state"`
	ScheduleID *string      `json:"schedule_id,omitempty"`
	OwnerKey   *string      `json:"owner_key,omitempty"`
	RetryCount int          `json:"retry_count"`
	Output     db.JSON      `json:"output,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}
