package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"job-agent-go/internal/scheduler"
	"job-agent-go/internal/storage"
)

// TaskHandler 处理批量评估任务的状态查询
type TaskHandler struct {
	sched *scheduler.Scheduler
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(sched *scheduler.Scheduler) *TaskHandler {
	return &TaskHandler{sched: sched}
}

// HandleGetTask 查询任务状态与进度，with_items=true时附带条目明细
// GET /api/v1/tasks/:task_id
func (h *TaskHandler) HandleGetTask(ctx context.Context, c *app.RequestContext) {
	taskID := c.Param("task_id")

	status, err := h.sched.Status(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(consts.StatusNotFound, utils.H{"error": "任务不存在"})
		return
	}
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}

	resp := utils.H{"task": status.Task, "progress": status.Progress}
	if c.Query("with_items") == "true" {
		items, err := h.sched.Items(ctx, taskID)
		if err != nil {
			c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
			return
		}
		resp["items"] = items
	}
	c.JSON(consts.StatusOK, resp)
}

// HandleListTasks 最近任务列表
// GET /api/v1/tasks?limit=
func (h *TaskHandler) HandleListTasks(ctx context.Context, c *app.RequestContext) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	tasks, err := h.sched.List(ctx, limit)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, utils.H{"tasks": tasks})
}
