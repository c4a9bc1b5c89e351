package db

import "encoding/json"

// AbortPayloadType marks control-message tasks instructing an executor to
// stop work on another task.
const AbortPayloadType = "abort"

// AbortedTaskRef identifies the task an abort message is about.
type AbortedTaskRef struct {
	ID    string    `json:"id"`
	State TaskState `json:"state"`
}

// AbortPayload is the payload of an abort task. It travels through the same
// dequeue channel as regular tasks so the executor polling the group sees it.
type AbortPayload struct {
	Type        string         `json:"type"`
	AbortedTask AbortedTaskRef `json:"aborted_task"`
	Reason      string         `json:"reason,omitempty"`
}

// IsAbortPayload reports whether payload carries the reserved abort marker.
// It is a narrow predicate: anything that is not an object with
// "type": "abort" is treated as opaque caller data.
func IsAbortPayload(payload JSON) bool {
	if len(payload) == 0 {
		return false
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.Type == AbortPayloadType
}
