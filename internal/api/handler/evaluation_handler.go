package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"job-agent-go/internal/constants"
	"job-agent-go/internal/evalcache"
	"job-agent-go/internal/evaluator"
	"job-agent-go/internal/logger"
	"job-agent-go/internal/resume"
	"job-agent-go/internal/scheduler"
	"job-agent-go/internal/storage"
	"job-agent-go/internal/types"
)

// EvaluationHandler 处理评估的读取、同步触发与批量提交
type EvaluationHandler struct {
	db        *storage.MySQL
	cache     *evalcache.Cache
	eval      evaluator.Evaluator
	resumeSvc *resume.Service
	sched     *scheduler.Scheduler
}

// NewEvaluationHandler 创建评估处理器
func NewEvaluationHandler(db *storage.MySQL, cache *evalcache.Cache, eval evaluator.Evaluator, resumeSvc *resume.Service, sched *scheduler.Scheduler) *EvaluationHandler {
	return &EvaluationHandler{db: db, cache: cache, eval: eval, resumeSvc: resumeSvc, sched: sched}
}

// resolveKey 组装评估键：候选人缺省为主简历，简历版本缺省为最新
func (h *EvaluationHandler) resolveKey(ctx context.Context, c *app.RequestContext, jobID string) (types.EvaluationKey, error) {
	candidateID := c.Query("candidate_id")
	if candidateID == "" {
		candidateID = constants.DefaultCandidateID
	}

	version, _ := strconv.Atoi(c.Query("resume_version"))
	if version <= 0 {
		snapshot, err := h.resumeSvc.Latest(ctx, candidateID)
		if err != nil {
			return types.EvaluationKey{}, err
		}
		version = snapshot.Version
	}

	return types.EvaluationKey{
		JobID:            jobID,
		CandidateID:      candidateID,
		ResumeVersion:    version,
		EvaluatorVersion: h.eval.Version(),
	}, nil
}

// HandleGetEvaluation 只读查询评估结果，未计算返回404
// GET /api/v1/evaluations/:job_id?candidate_id=&resume_version=
func (h *EvaluationHandler) HandleGetEvaluation(ctx context.Context, c *app.RequestContext) {
	jobID := c.Param("job_id")

	key, err := h.resolveKey(ctx, c, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(consts.StatusNotFound, utils.H{"error": "尚无简历快照，请先保存简历"})
		return
	}
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}

	payload, err := h.cache.Get(ctx, key)
	if errors.Is(err, evalcache.ErrResultNotFound) {
		c.JSON(consts.StatusNotFound, utils.H{"error": "该岗位尚未评估"})
		return
	}
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, utils.H{"key": key, "evaluation": payload})
}

// HandleEvaluate 同步评估单个岗位，命中缓存直接返回
// POST /api/v1/evaluations/:job_id?force=
func (h *EvaluationHandler) HandleEvaluate(ctx context.Context, c *app.RequestContext) {
	jobID := c.Param("job_id")
	force := c.Query("force") == "true"

	job, err := h.db.GetJob(ctx, jobID, false)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(consts.StatusNotFound, utils.H{"error": "岗位不存在"})
		return
	}
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}

	key, err := h.resolveKey(ctx, c, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(consts.StatusNotFound, utils.H{"error": "尚无简历快照，请先保存简历"})
		return
	}
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}

	snapshot, err := h.resumeSvc.Get(ctx, key.CandidateID, key.ResumeVersion)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}

	payload, err := h.cache.GetOrCompute(ctx, key, func(computeCtx context.Context) (*types.EvaluationPayload, error) {
		return h.eval.Evaluate(computeCtx, job, snapshot)
	}, evalcache.Options{Force: force})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("job_id", jobID).Msg("同步评估失败")
		c.JSON(consts.StatusBadGateway, utils.H{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, utils.H{"key": key, "evaluation": payload})
}

// HandleListEvaluations 按verdict过滤分页列出评估
// GET /api/v1/evaluations?verdict=&skip=&limit=
func (h *EvaluationHandler) HandleListEvaluations(ctx context.Context, c *app.RequestContext) {
	verdict := c.Query("verdict")
	skip, _ := strconv.Atoi(c.Query("skip"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	results, err := h.db.ListEvaluations(ctx, verdict, skip, limit)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, utils.H{"evaluations": results})
}

// HandleEvaluationStats 评估统计
// GET /api/v1/evaluations/stats
func (h *EvaluationHandler) HandleEvaluationStats(ctx context.Context, c *app.RequestContext) {
	stats, err := h.db.GetEvaluationStatistics(ctx)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, stats)
}

type batchRequest struct {
	JobIDs        []string `json:"job_ids"`
	CandidateID   string   `json:"candidate_id"`
	ResumeVersion int      `json:"resume_version"`
	Concurrency   int      `json:"concurrency"`
	Force         bool     `json:"force"`
	Selector      *struct {
		Status          string `json:"status"`
		Company         string `json:"company"`
		Limit           int    `json:"limit"`
		OnlyUnevaluated bool   `json:"only_unevaluated"`
	} `json:"selector"`
}

// HandleSubmitBatch 提交批量评估任务。
// 显式job_ids与选择器二选一，都给时以job_ids为准。
// POST /api/v1/evaluations/batch
func (h *EvaluationHandler) HandleSubmitBatch(ctx context.Context, c *app.RequestContext) {
	var req batchRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "请求体解析失败: " + err.Error()})
		return
	}

	candidateID := req.CandidateID
	if candidateID == "" {
		candidateID = constants.DefaultCandidateID
	}
	resumeVersion := req.ResumeVersion
	if resumeVersion <= 0 {
		snapshot, err := h.resumeSvc.Latest(ctx, candidateID)
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(consts.StatusBadRequest, utils.H{"error": "尚无简历快照，请先保存简历"})
			return
		}
		if err != nil {
			c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
			return
		}
		resumeVersion = snapshot.Version
	}

	jobIDs := req.JobIDs
	if len(jobIDs) == 0 && req.Selector != nil {
		sel := storage.BatchSelector{
			Status:          req.Selector.Status,
			CompanyContains: req.Selector.Company,
			Limit:           req.Selector.Limit,
			OnlyUnevaluated: req.Selector.OnlyUnevaluated,
		}
		var err error
		jobIDs, err = h.db.SelectJobIDsForBatch(ctx, sel, candidateID, resumeVersion, h.eval.Version())
		if err != nil {
			c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
			return
		}
	}
	if len(jobIDs) == 0 {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "没有待评估的岗位"})
		return
	}

	taskID, err := h.sched.Submit(ctx, scheduler.SubmitRequest{
		JobIDs:        jobIDs,
		CandidateID:   candidateID,
		ResumeVersion: resumeVersion,
		Concurrency:   req.Concurrency,
		Force:         req.Force,
	})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("提交批量评估任务失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusAccepted, utils.H{"task_id": taskID, "total": len(jobIDs)})
}
