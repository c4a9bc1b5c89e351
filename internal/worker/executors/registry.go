package executors

import (
	"context"
	"encoding/json"
	"fmt"
)

// Executors are selected by the "type" field of the task payload. Everything
// else in the payload is executor-specific.
const (
	TypeEcho   = "echo"
	TypePython = "python"
)

type Executor interface {
	Execute(ctx context.Context, payload json.RawMessage) (output json.RawMessage, err error)
}

var registry = make(map[string]Executor)

func init() {
	Register(TypeEcho, &EchoExecutor{})
	Register(TypePython, &PythonExecutor{})
}

func Register(executorType string, executor Executor) {
	registry[executorType] = executor
}

func Get(executorType string) (Executor, error) {
	executor, exists := registry[executorType]
	if !exists {
		return nil, fmt.Errorf("no executor registered for type %q", executorType)
	}
	return executor, nil
}

// TypeOf extracts the executor type from a task payload. Payloads without a
// "type" field fall back to the echo executor.
func TypeOf(payload json.RawMessage) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil || head.Type == "" {
		return TypeEcho
	}
	return head.Type
}
