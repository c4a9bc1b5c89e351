package api

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
)

// Register mounts all routes on the hertz server.
func Register(h *server.Hertz, handler *Handler) {
	taskGroup := h.Group("/v1/tasks")
	{
		taskGroup.POST("", handler.CreateTask)
		taskGroup.GET("", handler.SearchTasks)
		taskGroup.POST("/dequeue", handler.Dequeue)
		taskGroup.GET("/:id", handler.GetTask)
		taskGroup.POST("/:id/heartbeat", handler.Heartbeat)
		taskGroup.PUT("/:id/succeed", handler.Succeed)
		taskGroup.PUT("/:id/fail", handler.Fail)
		taskGroup.PUT("/:id/cancel", handler.Cancel)
	}

	scheduleGroup := h.Group("/v1/schedules")
	{
		scheduleGroup.POST("", handler.CreateSchedule)
		scheduleGroup.GET("", handler.SearchSchedules)
		scheduleGroup.PUT("/:name/state", handler.SetScheduleState)
		scheduleGroup.PUT("/:name/frequency", handler.SetScheduleFrequency)
	}

	h.GET("/ping", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(http.StatusOK, utils.H{"message": "pong"})
	})
}
