package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/rs/zerolog"

	"task-scheduler-service/internal/scheduler"
	"task-scheduler-service/internal/scheduler/db"
	"task-scheduler-service/internal/scheduler/store"
	"task-scheduler-service/pkg/validation"
)

// Handler exposes the scheduler facade over HTTP. State never changes through
// the database directly; every mutation goes through the facade so callbacks
// and transactional guarantees hold.
type Handler struct {
	Scheduler *scheduler.Scheduler
	log       zerolog.Logger
}

func NewHandler(s *scheduler.Scheduler, logger zerolog.Logger) *Handler {
	return &Handler{Scheduler: s, log: logger.With().Str("component", "api").Logger()}
}

func (h *Handler) CreateTask(ctx context.Context, c *app.RequestContext) {
	body := c.Request.Body()
	if err := validation.Validate(createTaskSchema, body); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "invalid request payload: " + err.Error()})
		return
	}
	var req CreateTaskRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "invalid request payload: " + err.Error()})
		return
	}

	if req.ScheduleName != "" {
		task, err := h.Scheduler.TriggerSchedule(ctx, req.ScheduleName)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, task)
		return
	}

	props := store.TaskProps{
		Name:                          req.Name,
		GroupKey:                      req.GroupKey,
		GroupMaxConcurrency:           req.GroupMaxConcurrency,
		OwnerKey:                      req.OwnerKey,
		RetryKey:                      req.RetryKey,
		Payload:                       db.JSON(req.Payload),
		RetryMax:                      req.RetryMax,
		CreatedToStartedTimeoutSecs:   req.CreatedToStartedTimeoutSecs,
		StartedToCompletedTimeoutSecs: req.StartedToCompletedTimeoutSecs,
		HeartbeatTimeoutSecs:          req.HeartbeatTimeoutSecs,
	}
	if req.StartsAfter != nil {
		props.StartsAfter = *req.StartsAfter
	}
	task, err := h.Scheduler.Immediate(ctx, props)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *Handler) GetTask(ctx context.Context, c *app.RequestContext) {
	task, err := h.Scheduler.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) SearchTasks(ctx context.Context, c *app.RequestContext) {
	filter := store.TaskFilter{
		GroupKey: c.Query("group_key"),
	}
	if ids := c.Query("ids"); ids != "" {
		filter.IDs = strings.Split(ids, ",")
	}
	if states := c.Query("state"); states != "" {
		for _, s := range strings.Split(states, ",") {
			filter.States = append(filter.States, db.TaskState(s))
		}
	}
	filter.ScheduleID = c.Query("schedule_id")
	filter.RetryKey = c.Query("retry_key")
	filter.OwnerKey = c.Query("owner_key")
	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, utils.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}
	tasks, err := h.Scheduler.SearchTasks(ctx, filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *Handler) Dequeue(ctx context.Context, c *app.RequestContext) {
	body := c.Request.Body()
	if err := validation.Validate(dequeueSchema, body); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "invalid request payload: " + err.Error()})
		return
	}
	var req DequeueRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "invalid request payload: " + err.Error()})
		return
	}
	if req.Limit <= 0 {
		req.Limit = 1
	}
	tasks, err := h.Scheduler.Dequeue(ctx, req.GroupKey, req.Limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *Handler) Heartbeat(ctx context.Context, c *app.RequestContext) {
	task, err := h.Scheduler.Heartbeat(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) Succeed(ctx context.Context, c *app.RequestContext) {
	var req OutputRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "invalid request payload: " + err.Error()})
		return
	}
	task, err := h.Scheduler.Succeed(ctx, c.Param("id"), db.JSON(req.Output))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) Fail(ctx context.Context, c *app.RequestContext) {
	var req FailRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "invalid request payload: " + err.Error()})
		return
	}
	task, err := h.Scheduler.Fail(ctx, c.Param("id"), db.JSON(req.Error))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) Cancel(ctx context.Context, c *app.RequestContext) {
	var req CancelRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "invalid request payload: " + err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled_via_api"
	}
	task, err := h.Scheduler.Cancel(ctx, c.Param("id"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) CreateSchedule(ctx context.Context, c *app.RequestContext) {
	body := c.Request.Body()
	if err := validation.Validate(createScheduleSchema, body); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "invalid request payload: " + err.Error()})
		return
	}
	var req CreateScheduleRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "invalid request payload: " + err.Error()})
		return
	}
	props := store.ScheduleProps{
		Name:                          req.Name,
		FrequencyMs:                   req.FrequencyMs,
		Payload:                       db.JSON(req.Payload),
		GroupKey:                      req.GroupKey,
		GroupMaxConcurrency:           req.GroupMaxConcurrency,
		RetryMax:                      req.RetryMax,
		CreatedToStartedTimeoutSecs:   req.CreatedToStartedTimeoutSecs,
		StartedToCompletedTimeoutSecs: req.StartedToCompletedTimeoutSecs,
		HeartbeatTimeoutSecs:          req.HeartbeatTimeoutSecs,
	}
	if req.StartsAt != nil {
		props.StartsAt = *req.StartsAt
	}
	schedule, err := h.Scheduler.Recurring(ctx, props)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, schedule)
}

func (h *Handler) SearchSchedules(ctx context.Context, c *app.RequestContext) {
	filter := store.ScheduleFilter{}
	if names := c.Query("name"); names != "" {
		filter.Names = strings.Split(names, ",")
	}
	filter.State = db.ScheduleState(c.Query("state"))
	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, utils.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}
	schedules, err := h.Scheduler.SearchSchedules(ctx, filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedules)
}

func (h *Handler) SetScheduleState(ctx context.Context, c *app.RequestContext) {
	body := c.Request.Body()
	if err := validation.Validate(setScheduleStateSchema, body); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "invalid request payload: " + err.Error()})
		return
	}
	var req SetScheduleStateRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "invalid request payload: " + err.Error()})
		return
	}
	schedule, err := h.Scheduler.SetScheduleState(ctx, c.Param("name"), db.ScheduleState(req.State))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (h *Handler) SetScheduleFrequency(ctx context.Context, c *app.RequestContext) {
	body := c.Request.Body()
	if err := validation.Validate(setScheduleFrequencySchema, body); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "invalid request payload: " + err.Error()})
		return
	}
	var req SetScheduleFrequencyRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "invalid request payload: " + err.Error()})
		return
	}
	schedule, err := h.Scheduler.SetScheduleFrequency(ctx, c.Param("name"), req.FrequencyMs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

// bindOptionalJSON is for endpoints where the body carries only optional
// fields and may be omitted entirely.
func bindOptionalJSON(c *app.RequestContext, obj interface{}) error {
	if len(c.Request.Body()) == 0 {
		return nil
	}
	return c.BindJSON(obj)
}

// writeError maps domain errors onto HTTP statuses. Conflicts (illegal
// transitions, a schedule that already has a running task) come back as 409
// so callers can retry or give up without parsing messages.
func (h *Handler) writeError(c *app.RequestContext, err error) {
	var transitionErr *db.TransitionError
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, utils.H{"error": err.Error()})
	case errors.Is(err, db.ErrInvalidProps):
		c.JSON(http.StatusBadRequest, utils.H{"error": err.Error()})
	case errors.Is(err, db.ErrAlreadyRunning), errors.As(err, &transitionErr):
		c.JSON(http.StatusConflict, utils.H{"error": err.Error()})
	case errors.Is(err, db.ErrTaskNotRunning):
		c.JSON(http.StatusConflict, utils.H{"error": err.Error()})
	default:
		h.log.Error().Err(err).Msg("request failed")
		c.JSON(http.StatusInternalServerError, utils.H{"error": err.Error()})
	}
}
