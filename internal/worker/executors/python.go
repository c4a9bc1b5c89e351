package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// PythonExecutor runs the "code" field of the payload under python3. The
// task's started-to-completed timeout bounds the run through ctx, so there is
// no separate timeout here.
type PythonExecutor struct{}

type pythonPayload struct {
	Code string `json:"code"`
}

func (pe *PythonExecutor) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p pythonPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid python payload: %w", err)
	}
	if p.Code == "" {
		return nil, fmt.Errorf("python payload has no code")
	}

	tempDir, err := os.MkdirTemp("", "python_executor_")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	scriptPath := filepath.Join(tempDir, "script.py")
	if err := os.WriteFile(scriptPath, []byte(p.Code), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write python script: %w", err)
	}

	cmd := exec.CommandContext(ctx, "python3", scriptPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("python script failed: %w, stderr: %s", err, stderr.String())
	}

	out, err := json.Marshal(map[string]string{
		"stdout": stdout.String(),
		"stderr": stderr.String(),
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ Executor = (*PythonExecutor)(nil)
