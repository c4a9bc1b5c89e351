package executors

import (
	"context"
	"encoding/json"
)

// EchoExecutor returns the task payload as the task output. Useful for
// smoke-testing a deployment end to end.
type EchoExecutor struct{}

func (e *EchoExecutor) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return json.RawMessage(`{}`), nil
	}
	out, err := json.Marshal(map[string]json.RawMessage{"echo": payload})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ Executor = (*EchoExecutor)(nil)
