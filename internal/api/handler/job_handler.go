package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"job-agent-go/internal/constants"
	"job-agent-go/internal/logger"
	"job-agent-go/internal/storage"
)

// JobHandler 处理规范岗位库的读取与生命周期操作
type JobHandler struct {
	db *storage.MySQL
}

// NewJobHandler 创建岗位处理器
func NewJobHandler(db *storage.MySQL) *JobHandler {
	return &JobHandler{db: db}
}

// HandleListJobs 分页列出岗位
// GET /api/v1/jobs?status=&page=&page_size=
func (h *JobHandler) HandleListJobs(ctx context.Context, c *app.RequestContext) {
	status := c.Query("status")
	page, _ := strconv.Atoi(c.Query("page"))
	pageSize, _ := strconv.Atoi(c.Query("page_size"))

	jobs, total, err := h.db.ListJobs(ctx, status, page, pageSize)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("查询岗位列表失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, utils.H{"total": total, "jobs": jobs})
}

// HandleGetJob 按ID读取岗位
// GET /api/v1/jobs/:job_id?include_deleted=
func (h *JobHandler) HandleGetJob(ctx context.Context, c *app.RequestContext) {
	jobID := c.Param("job_id")
	includeDeleted := c.Query("include_deleted") == "true"

	job, err := h.db.GetJob(ctx, jobID, includeDeleted)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(consts.StatusNotFound, utils.H{"error": "岗位不存在"})
		return
	}
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, job)
}

// HandleArchiveJob 手动归档岗位
// POST /api/v1/jobs/:job_id/archive
func (h *JobHandler) HandleArchiveJob(ctx context.Context, c *app.RequestContext) {
	h.setStatus(ctx, c, constants.JobStatusArchived)
}

// HandleDeleteJob 软删除岗位：记录保留但从正常读取中消失
// DELETE /api/v1/jobs/:job_id
func (h *JobHandler) HandleDeleteJob(ctx context.Context, c *app.RequestContext) {
	h.setStatus(ctx, c, constants.JobStatusDeleted)
}

func (h *JobHandler) setStatus(ctx context.Context, c *app.RequestContext, status string) {
	jobID := c.Param("job_id")
	err := h.db.SetJobStatus(ctx, jobID, status)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(consts.StatusNotFound, utils.H{"error": "岗位不存在"})
		return
	}
	if errors.Is(err, storage.ErrInvalidTransition) {
		c.JSON(consts.StatusConflict, utils.H{"error": err.Error()})
		return
	}
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("job_id", jobID).Msg("更新岗位状态失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, utils.H{"job_id": jobID, "status": status})
}
