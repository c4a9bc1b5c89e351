package api

import (
	"encoding/json"
	"time"

	"task-scheduler-service/pkg/validation"
)

// Request bodies are validated against embedded JSON schemas before binding,
// so malformed input is rejected with a pointer to the offending field. The
// task payload itself stays an arbitrary document: the scheduler never
// interprets it.

type CreateTaskRequest struct {
	// ScheduleName selects the trigger-by-schedule path; all other fields
	// are ignored when it is set.
	ScheduleName string `json:"schedule_name,omitempty"`

	Name                          string          `json:"name,omitempty"`
	GroupKey                      string          `json:"group_key,omitempty"`
	GroupMaxConcurrency           int             `json:"group_max_concurrency,omitempty"`
	OwnerKey                      *string         `json:"owner_key,omitempty"`
	RetryKey                      *string         `json:"retry_key,omitempty"`
	Payload                       json.RawMessage `json:"payload,omitempty"`
	RetryMax                      int             `json:"retry_max,omitempty"`
	StartsAfter                   *time.Time      `json:"starts_after,omitempty"`
	CreatedToStartedTimeoutSecs   int             `json:"created_to_started_timeout_secs,omitempty"`
	StartedToCompletedTimeoutSecs int             `json:"started_to_completed_timeout_secs,omitempty"`
	HeartbeatTimeoutSecs          int             `json:"heartbeat_timeout_secs,omitempty"`
}

type CreateScheduleRequest struct {
	Name                          string          `json:"name"`
	StartsAt                      *time.Time      `json:"starts_at,omitempty"`
	FrequencyMs                   int64           `json:"frequency_ms"`
	Payload                       json.RawMessage `json:"payload,omitempty"`
	GroupKey                      string          `json:"group_key"`
	GroupMaxConcurrency           int             `json:"group_max_concurrency,omitempty"`
	RetryMax                      int             `json:"retry_max,omitempty"`
	CreatedToStartedTimeoutSecs   int             `json:"created_to_started_timeout_secs"`
	StartedToCompletedTimeoutSecs int             `json:"started_to_completed_timeout_secs"`
	HeartbeatTimeoutSecs          int             `json:"heartbeat_timeout_secs"`
}

type DequeueRequest struct {
	GroupKey string `json:"group_key"`
	Limit    int    `json:"limit,omitempty"`
}

type OutputRequest struct {
	Output json.RawMessage `json:"output,omitempty"`
}

type FailRequest struct {
	Error json.RawMessage `json:"error,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SetScheduleStateRequest struct {
	State string `json:"state"`
}

type SetScheduleFrequencyRequest struct {
	FrequencyMs int64 `json:"frequency_ms"`
}

const timeoutFields = `
	"created_to_started_timeout_secs":   {"type": "integer", "minimum": 1},
	"started_to_completed_timeout_secs": {"type": "integer", "minimum": 1},
	"heartbeat_timeout_secs":            {"type": "integer", "minimum": 1}`

var createTaskSchema = validation.MustCompile("create_task.json", `{
	"type": "object",
	"oneOf": [
		{"required": ["schedule_name"]},
		{"required": ["name", "group_key", "created_to_started_timeout_secs", "started_to_completed_timeout_secs", "heartbeat_timeout_secs"]}
	],
	"properties": {
		"schedule_name":         {"type": "string", "minLength": 1},
		"name":                  {"type": "string", "minLength": 1},
		"group_key":             {"type": "string", "minLength": 1},
		"group_max_concurrency": {"type": "integer", "minimum": 0},
		"owner_key":             {"type": "string"},
		"retry_key":             {"type": "string"},
		"retry_max":             {"type": "integer", "minimum": 0},
		"starts_after":          {"type": "string", "format": "date-time"},
` + timeoutFields + `
	}
}`)

var createScheduleSchema = validation.MustCompile("create_schedule.json", `{
	"type": "object",
	"required": ["name", "group_key", "frequency_ms", "created_to_started_timeout_secs", "started_to_completed_timeout_secs", "heartbeat_timeout_secs"],
	"properties": {
		"name":                  {"type": "string", "minLength": 1},
		"group_key":             {"type": "string", "minLength": 1},
		"frequency_ms":          {"type": "integer", "minimum": 1},
		"group_max_concurrency": {"type": "integer", "minimum": 0},
		"retry_max":             {"type": "integer", "minimum": 0},
		"starts_at":             {"type": "string", "format": "date-time"},
` + timeoutFields + `
	}
}`)

var dequeueSchema = validation.MustCompile("dequeue.json", `{
	"type": "object",
	"required": ["group_key"],
	"properties": {
		"group_key": {"type": "string", "minLength": 1},
		"limit":     {"type": "integer", "minimum": 1}
	}
}`)

var setScheduleStateSchema = validation.MustCompile("set_schedule_state.json", `{
	"type": "object",
	"required": ["state"],
	"properties": {
		"state": {"type": "string", "enum": ["STARTED", "PAUSED", "DELETED"]}
	}
}`)

var setScheduleFrequencySchema = validation.MustCompile("set_schedule_frequency.json", `{
	"type": "object",
	"required": ["frequency_ms"],
	"properties": {
		"frequency_ms": {"type": "integer", "minimum": 1}
	}
}`)
