// Package worker is a reference executor for the scheduler. It polls the HTTP
// API for work in a single group, runs each task through a payload-selected
// executor, heartbeats while running, and reports the outcome back.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"task-scheduler-service/internal/scheduler/db"
	"task-scheduler-service/internal/worker/executors"
)

type Config struct {
	GroupKey     string
	BatchSize    int
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

type Worker struct {
	client *Client
	cfg    Config
	log    zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(client *Client, logger zerolog.Logger, cfg Config) *Worker {
	return &Worker{
		client:  client,
		cfg:     cfg.withDefaults(),
		log:     logger.With().Str("component", "worker").Str("group_key", cfg.GroupKey).Logger(),
		running: make(map[string]context.CancelFunc),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight tasks to finish.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	tasks, err := w.client.Dequeue(ctx, w.cfg.GroupKey, w.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("dequeue failed")
		}
		return
	}
	for _, task := range tasks {
		if db.IsAbortPayload(task.Payload) {
			w.handleAbort(ctx, task)
			continue
		}
		w.wg.Add(1)
		go func(t *db.Task) {
			defer w.wg.Done()
			w.execute(ctx, t)
		}(task)
	}
}

// handleAbort cancels the local run of the aborted task, if any, and then
// completes the abort task itself. Aborts for tasks this worker never claimed
// still succeed: the abort is about intent, not ownership.
func (w *Worker) handleAbort(ctx context.Context, task *db.Task) {
	var payload db.AbortPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		w.log.Error().Err(err).Str("task_id", task.ID).Msg("malformed abort payload")
		_ = w.client.Fail(ctx, task.ID, json.RawMessage(`{"error":"malformed abort payload"}`))
		return
	}

	w.mu.Lock()
	cancel, found := w.running[payload.AbortedTask.ID]
	w.mu.Unlock()
	if found {
		cancel()
	}
	w.log.Info().
		Str("task_id", task.ID).
		Str("aborted_task_id", payload.AbortedTask.ID).
		Bool("was_running_here", found).
		Msg("abort handled")
	if err := w.client.Succeed(ctx, task.ID, json.RawMessage(`{}`)); err != nil {
		w.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to complete abort task")
	}
}

func (w *Worker) execute(ctx context.Context, task *db.Task) {
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(task.StartedToCompletedTimeoutSecs)*time.Second)
	defer cancel()

	w.mu.Lock()
	w.running[task.ID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.running, task.ID)
		w.mu.Unlock()
	}()

	stopHeartbeat := w.startHeartbeat(runCtx, task)
	defer stopHeartbeat()

	executor, err := executors.Get(executors.TypeOf(json.RawMessage(task.Payload)))
	if err != nil {
		w.fail(ctx, task, err)
		return
	}

	w.log.Info().Str("task_id", task.ID).Str("task_name", task.Name).Msg("executing task")
	output, err := executor.Execute(runCtx, json.RawMessage(task.Payload))
	if err != nil {
		w.fail(ctx, task, err)
		return
	}
	// Report with the outer ctx: runCtx may already be done and the result
	// should still land.
	if err := w.client.Succeed(ctx, task.ID, output); err != nil {
		w.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to report success")
	}
}

func (w *Worker) fail(ctx context.Context, task *db.Task, taskErr error) {
	w.log.Warn().Err(taskErr).Str("task_id", task.ID).Str("task_name", task.Name).Msg("task failed")
	msg, err := json.Marshal(map[string]string{"error": taskErr.Error()})
	if err != nil {
		msg = []byte(`{"error":"task failed"}`)
	}
	if err := w.client.Fail(ctx, task.ID, msg); err != nil {
		w.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to report failure")
	}
}

// startHeartbeat keeps the task alive while it runs. The interval is a third
// of the heartbeat timeout so a single missed beat does not expire the task.
func (w *Worker) startHeartbeat(ctx context.Context, task *db.Task) (stop func()) {
	interval := time.Duration(task.HeartbeatTimeoutSecs) * time.Second / 3
	if interval < time.Second {
		interval = time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := w.client.Heartbeat(ctx, task.ID); err != nil {
					w.log.Warn().Err(err).Str("task_id", task.ID).Msg("heartbeat failed")
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
