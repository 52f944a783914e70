package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"job-agent-go/internal/constants"
	"job-agent-go/internal/evalcache"
	"job-agent-go/internal/evaluator"
	"job-agent-go/internal/logger"
	"job-agent-go/internal/storage/models"
	"job-agent-go/internal/types"
)

var schedulerTracer = otel.Tracer("job-agent-go/scheduler")

// ErrEmptyBatch 批量任务不能没有条目
var ErrEmptyBatch = errors.New("batch contains no jobs")

// 在途让路后的重试节奏：先几次非阻塞退避，最后一次阻塞等待兜底
const (
	inFlightRetryDelay = 2 * time.Second
	inFlightMaxRetries = 3
)

// Store 调度器需要的持久化操作，*storage.MySQL直接满足
type Store interface {
	CreateTask(ctx context.Context, task *models.EvaluationTask, items []models.EvaluationTaskItem) error
	MarkTaskRunning(ctx context.Context, taskID string) error
	RecordItemOutcome(ctx context.Context, taskID string, key types.EvaluationKey, outcome string, errMsg string) error
	FinalizeTask(ctx context.Context, taskID string, status string, lastError string) error
	GetTask(ctx context.Context, taskID string) (*models.EvaluationTask, error)
	GetTaskItems(ctx context.Context, taskID string) ([]models.EvaluationTaskItem, error)
	ListTasks(ctx context.Context, limit int) ([]models.EvaluationTask, error)
	GetJob(ctx context.Context, jobID string, includeDeleted bool) (*models.JobRecord, error)
	GetResumeSnapshot(ctx context.Context, candidateID string, version int) (*models.ResumeSnapshot, error)
}

// ResultCache 评估缓存入口，*evalcache.Cache直接满足
type ResultCache interface {
	GetOrCompute(ctx context.Context, key types.EvaluationKey, compute evalcache.ComputeFunc, opts evalcache.Options) (*types.EvaluationPayload, error)
}

// Scheduler 批量评估任务调度器。
// 每个任务一个有界worker池，进度原子落库，任务间互不干扰。
type Scheduler struct {
	store              Store
	cache              ResultCache
	eval               evaluator.Evaluator
	defaultConcurrency int
	maxConcurrency     int

	wg sync.WaitGroup
}

// New 创建调度器
func New(store Store, cache ResultCache, eval evaluator.Evaluator, defaultConcurrency, maxConcurrency int) *Scheduler {
	if defaultConcurrency <= 0 {
		defaultConcurrency = constants.DefaultBatchConcurrency
	}
	if maxConcurrency <= 0 {
		maxConcurrency = constants.MaxBatchConcurrency
	}
	return &Scheduler{
		store:              store,
		cache:              cache,
		eval:               eval,
		defaultConcurrency: defaultConcurrency,
		maxConcurrency:     maxConcurrency,
	}
}

// SubmitRequest 一次批量评估提交
type SubmitRequest struct {
	JobIDs        []string
	CandidateID   string
	ResumeVersion int
	Concurrency   int
	Force         bool
}

// Submit 创建批量评估任务并异步启动执行，返回任务ID。
// 简历快照在创建前解析：快照缺失属于系统性失败，直接拒绝提交而不是
// 让每个条目各自失败一遍。
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	ctx, span := schedulerTracer.Start(ctx, "Scheduler.Submit")
	defer span.End()

	if len(req.JobIDs) == 0 {
		return "", ErrEmptyBatch
	}

	// 条目表按(task, key)唯一，重复的岗位ID去重后保序
	seen := make(map[string]struct{}, len(req.JobIDs))
	jobIDs := make([]string, 0, len(req.JobIDs))
	for _, jobID := range req.JobIDs {
		if _, ok := seen[jobID]; ok {
			continue
		}
		seen[jobID] = struct{}{}
		jobIDs = append(jobIDs, jobID)
	}

	candidateID := req.CandidateID
	if candidateID == "" {
		candidateID = constants.DefaultCandidateID
	}

	resume, err := s.store.GetResumeSnapshot(ctx, candidateID, req.ResumeVersion)
	if err != nil {
		return "", fmt.Errorf("解析简历快照失败: %w", err)
	}

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = s.defaultConcurrency
	}
	if concurrency > s.maxConcurrency {
		concurrency = s.maxConcurrency
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("生成任务ID失败: %w", err)
	}
	taskID := id.String()

	task := &models.EvaluationTask{
		TaskID:      taskID,
		Status:      constants.TaskStatusQueued,
		TotalCount:  len(jobIDs),
		Concurrency: concurrency,
	}
	items := make([]models.EvaluationTaskItem, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		items = append(items, models.EvaluationTaskItem{
			TaskID:           taskID,
			JobID:            jobID,
			CandidateID:      candidateID,
			ResumeVersion:    resume.Version,
			EvaluatorVersion: s.eval.Version(),
			Outcome:          constants.ItemOutcomePending,
		})
	}
	if err := s.store.CreateTask(ctx, task, items); err != nil {
		return "", err
	}

	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.Int("task.total", len(items)),
		attribute.Int("task.concurrency", concurrency),
	)

	// 任务执行脱离HTTP请求的生命周期
	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, taskID, jobIDs, resume, concurrency, req.Force)
	}()

	return taskID, nil
}

// run 有界worker池执行任务全部条目，结束后定稿任务状态
func (s *Scheduler) run(ctx context.Context, taskID string, jobIDs []string, resume *models.ResumeSnapshot, concurrency int, force bool) {
	ctx, span := schedulerTracer.Start(ctx, "Scheduler.run")
	span.SetAttributes(attribute.String("task.id", taskID))
	defer span.End()

	log := logger.Ctx(ctx).With().Str("task_id", taskID).Logger()

	if err := s.store.MarkTaskRunning(ctx, taskID); err != nil {
		log.Error().Err(err).Msg("标记任务运行失败")
		_ = s.store.FinalizeTask(ctx, taskID, constants.TaskStatusFailed, fmt.Sprintf("标记运行失败: %v", err))
		return
	}

	jobCh := make(chan string)
	var (
		failedMu   sync.Mutex
		failedCnt  int
		lastErrMsg string
	)

	var workers sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for jobID := range jobCh {
				if err := s.evaluateOne(ctx, taskID, jobID, resume, force); err != nil {
					failedMu.Lock()
					failedCnt++
					lastErrMsg = err.Error()
					failedMu.Unlock()
				}
			}
		}()
	}

	for _, jobID := range jobIDs {
		jobCh <- jobID
	}
	close(jobCh)
	workers.Wait()

	// 部分失败仍是Completed；全军覆没才是Failed
	status := constants.TaskStatusCompleted
	finalErr := ""
	if failedCnt == len(jobIDs) && len(jobIDs) > 0 {
		status = constants.TaskStatusFailed
		finalErr = fmt.Sprintf("全部条目失败，最后错误: %s", lastErrMsg)
	} else if failedCnt > 0 {
		finalErr = fmt.Sprintf("%d/%d 条目失败，最后错误: %s", failedCnt, len(jobIDs), lastErrMsg)
	}

	if err := s.store.FinalizeTask(ctx, taskID, status, finalErr); err != nil {
		log.Error().Err(err).Msg("定稿任务状态失败")
		return
	}
	log.Info().Str("status", status).Int("failed", failedCnt).Int("total", len(jobIDs)).Msg("批量评估任务结束")
}

// evaluateOne 评估单个条目并落库结果。
// 遇到别处在算同一键时先让路退避，重试耗尽后转阻塞等待兜底。
func (s *Scheduler) evaluateOne(ctx context.Context, taskID, jobID string, resume *models.ResumeSnapshot, force bool) error {
	key := types.EvaluationKey{
		JobID:            jobID,
		CandidateID:      resume.CandidateID,
		ResumeVersion:    resume.Version,
		EvaluatorVersion: s.eval.Version(),
	}

	job, err := s.store.GetJob(ctx, jobID, false)
	if err != nil {
		recordErr := fmt.Errorf("加载岗位失败: %w", err)
		s.recordOutcome(ctx, taskID, key, constants.ItemOutcomeFailed, recordErr.Error())
		return recordErr
	}

	compute := func(computeCtx context.Context) (*types.EvaluationPayload, error) {
		return s.eval.Evaluate(computeCtx, job, resume)
	}

	opts := evalcache.Options{Force: force, NonBlocking: true}
	for attempt := 0; ; attempt++ {
		_, err = s.cache.GetOrCompute(ctx, key, compute, opts)
		if !errors.Is(err, evalcache.ErrComputeInFlight) {
			break
		}
		if attempt >= inFlightMaxRetries {
			// 让路次数用尽，最后一次阻塞等待在途计算的结局
			_, err = s.cache.GetOrCompute(ctx, key, compute, evalcache.Options{Force: false})
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(inFlightRetryDelay):
			continue
		}
		break
	}

	if err != nil {
		s.recordOutcome(ctx, taskID, key, constants.ItemOutcomeFailed, err.Error())
		return err
	}

	s.recordOutcome(ctx, taskID, key, constants.ItemOutcomeSucceeded, "")
	return nil
}

func (s *Scheduler) recordOutcome(ctx context.Context, taskID string, key types.EvaluationKey, outcome, errMsg string) {
	if err := s.store.RecordItemOutcome(ctx, taskID, key, outcome, errMsg); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("task_id", taskID).Str("job_id", key.JobID).Msg("记录条目结果失败")
	}
}

// TaskStatus 任务状态快照
type TaskStatus struct {
	Task     *models.EvaluationTask `json:"task"`
	Progress types.TaskProgress     `json:"progress"`
}

// Status 查询任务与进度
func (s *Scheduler) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &TaskStatus{
		Task: task,
		Progress: types.TaskProgress{
			Completed: task.CompletedCount,
			Failed:    task.FailedCount,
			Total:     task.TotalCount,
		},
	}, nil
}

// Items 查询任务条目明细
func (s *Scheduler) Items(ctx context.Context, taskID string) ([]models.EvaluationTaskItem, error) {
	return s.store.GetTaskItems(ctx, taskID)
}

// List 最近任务列表
func (s *Scheduler) List(ctx context.Context, limit int) ([]models.EvaluationTask, error) {
	return s.store.ListTasks(ctx, limit)
}

// Wait 等待所有在途任务结束，优雅退出时调用
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
