package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"job-agent-go/internal/config"
	"job-agent-go/internal/constants"
	"job-agent-go/internal/storage/models"
	"job-agent-go/internal/types"
)

var mysqlTracer = otel.Tracer("job-agent-go/storage/mysql")

// ErrNotFound 请求的记录不存在
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition 非法的生命周期状态转换
var ErrInvalidTransition = errors.New("invalid status transition")

// MySQL 提供规范岗位库、评估结果库和任务库的持久化
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端并自动迁移表结构
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	var logLevel gormlogger.LogLevel
	switch cfg.LogLevel {
	case 1:
		logLevel = gormlogger.Silent
	case 2:
		logLevel = gormlogger.Error
	case 3:
		logLevel = gormlogger.Warn
	case 4:
		logLevel = gormlogger.Info
	default:
		logLevel = gormlogger.Warn
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
		TranslateError:                           true,
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	m := &MySQL{db: db, cfg: cfg}

	if err := m.autoMigrateSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}
	return m, nil
}

// autoMigrateSchema 使用GORM自动迁移表结构
func (m *MySQL) autoMigrateSchema() error {
	return m.db.AutoMigrate(
		&models.JobRecord{},
		&models.ResumeSnapshot{},
		&models.EvaluationResult{},
		&models.EvaluationTask{},
		&models.EvaluationTaskItem{},
	)
}

// DB 返回GORM连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ---------------------------------------------------------------------------
// 岗位规范库
// ---------------------------------------------------------------------------

// UpsertJobByFingerprint 按指纹upsert候选记录。
// 同一指纹的写入通过行级锁串行化，并发下不会产生两条规范记录；
// 指纹唯一索引兜底极小的首插竞态窗口，撞索引后降级为更新路径重试一次。
// 返回的isNew表示是否创建了新记录。
func (m *MySQL) UpsertJobByFingerprint(ctx context.Context, candidate types.CandidateRecord) (*models.JobRecord, bool, error) {
	ctx, span := mysqlTracer.Start(ctx, "UpsertJobByFingerprint")
	span.SetAttributes(attribute.String("job.fingerprint", candidate.Fingerprint))
	defer span.End()

	job, isNew, err := m.upsertJobOnce(ctx, candidate)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// 并发首插竞态：另一个写入者刚创建了该指纹的记录，改走更新路径
		job, isNew, err = m.upsertJobOnce(ctx, candidate)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return nil, false, err
	}
	span.SetAttributes(attribute.Bool("job.is_new", isNew), attribute.String("job.id", job.JobID))
	return job, isNew, nil
}

func (m *MySQL) upsertJobOnce(ctx context.Context, candidate types.CandidateRecord) (*models.JobRecord, bool, error) {
	var job models.JobRecord
	var isNew bool

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("fingerprint = ?", candidate.Fingerprint).
			First(&job).Error

		now := time.Now()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("生成岗位ID失败: %w", err)
			}
			job = models.JobRecord{
				JobID:       id.String(),
				Fingerprint: candidate.Fingerprint,
				Title:       candidate.Title,
				Company:     candidate.Company,
				Location:    candidate.Location,
				Description: candidate.Description,
				PostedAt:    candidate.PostedAt,
				SourceURL:   candidate.SourceURL,
				Status:      constants.JobStatusActive,
				FirstSeenAt: now,
				LastSeenAt:  now,
			}
			isNew = true
			return tx.Create(&job).Error
		}
		if err != nil {
			return fmt.Errorf("查询岗位指纹失败: %w", err)
		}

		// 已存在：候选记录的字段覆盖旧值（吸收重新抓取带来的修正），
		// 状态和外部ID保持不变，软删除的记录同样只刷新字段
		updates := map[string]interface{}{
			"title":        candidate.Title,
			"company":      candidate.Company,
			"location":     candidate.Location,
			"description":  candidate.Description,
			"source_url":   candidate.SourceURL,
			"last_seen_at": now,
		}
		if candidate.PostedAt != nil {
			updates["posted_at"] = candidate.PostedAt
		}
		if err := tx.Model(&job).Updates(updates).Error; err != nil {
			return fmt.Errorf("更新岗位记录失败: %w", err)
		}
		isNew = false
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &job, isNew, nil
}

// GetJob 按外部ID读取岗位。默认排除软删除记录，includeDeleted=true时放开
func (m *MySQL) GetJob(ctx context.Context, jobID string, includeDeleted bool) (*models.JobRecord, error) {
	var job models.JobRecord
	q := m.db.WithContext(ctx).Where("job_id = ?", jobID)
	if !includeDeleted {
		q = q.Where("status <> ?", constants.JobStatusDeleted)
	}
	if err := q.First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询岗位失败: %w", err)
	}
	return &job, nil
}

// ListJobs 分页列出岗位。status为空时返回全部非删除记录；
// 软删除记录永远不出现在列表里，这是其他组件依赖的契约。
func (m *MySQL) ListJobs(ctx context.Context, status string, page, pageSize int) ([]models.JobRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	q := m.db.WithContext(ctx).Model(&models.JobRecord{}).
		Where("status <> ?", constants.JobStatusDeleted)
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计岗位数量失败: %w", err)
	}

	var jobs []models.JobRecord
	err := q.Order("last_seen_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&jobs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("查询岗位列表失败: %w", err)
	}
	return jobs, total, nil
}

// SetJobStatus 显式的生命周期状态转换。
// DELETED是终态：软删除的记录不允许再转回其他状态。
func (m *MySQL) SetJobStatus(ctx context.Context, jobID string, status string) error {
	switch status {
	case constants.JobStatusActive, constants.JobStatusArchived, constants.JobStatusDeleted:
	default:
		return fmt.Errorf("%w: 未知状态 %s", ErrInvalidTransition, status)
	}

	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.JobRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ?", jobID).
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("查询岗位失败: %w", err)
		}
		if job.Status == constants.JobStatusDeleted && status != constants.JobStatusDeleted {
			return fmt.Errorf("%w: 已删除的岗位不可恢复", ErrInvalidTransition)
		}
		return tx.Model(&job).Update("status", status).Error
	})
}

// ArchiveStaleJobs 归档清扫：把last_seen早于界限时间的ACTIVE岗位批量置为ARCHIVED。
// 纯状态转换，绝不删除。
func (m *MySQL) ArchiveStaleJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, span := mysqlTracer.Start(ctx, "ArchiveStaleJobs")
	defer span.End()

	res := m.db.WithContext(ctx).Model(&models.JobRecord{}).
		Where("status = ? AND last_seen_at < ?", constants.JobStatusActive, olderThan).
		Update("status", constants.JobStatusArchived)
	if res.Error != nil {
		span.RecordError(res.Error)
		return 0, fmt.Errorf("归档清扫失败: %w", res.Error)
	}
	span.SetAttributes(attribute.Int64("jobs.archived", res.RowsAffected))
	return res.RowsAffected, nil
}

// BatchSelector 批量评估的岗位筛选条件
type BatchSelector struct {
	Status          string
	CompanyContains string
	Limit           int
	OnlyUnevaluated bool
}

// SelectJobIDsForBatch 按选择器挑选参与批量评估的岗位ID。
// OnlyUnevaluated=true时排除当前键（候选人版本+评估器版本）下已有结果的岗位。
func (m *MySQL) SelectJobIDsForBatch(ctx context.Context, sel BatchSelector, candidateID string, resumeVersion int, evaluatorVersion string) ([]string, error) {
	status := sel.Status
	if status == "" {
		status = constants.JobStatusActive
	}
	limit := sel.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := m.db.WithContext(ctx).Model(&models.JobRecord{}).
		Where("job_records.status = ?", status)
	if sel.CompanyContains != "" {
		q = q.Where("job_records.company LIKE ?", "%"+sel.CompanyContains+"%")
	}
	if sel.OnlyUnevaluated {
		q = q.Where("NOT EXISTS (SELECT 1 FROM evaluation_results r WHERE r.job_id = job_records.job_id AND r.candidate_id = ? AND r.resume_version = ? AND r.evaluator_version = ?)",
			candidateID, resumeVersion, evaluatorVersion)
	}

	var ids []string
	err := q.Order("job_records.posted_at DESC").
		Limit(limit).
		Pluck("job_records.job_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("筛选批量评估岗位失败: %w", err)
	}
	return ids, nil
}

// ---------------------------------------------------------------------------
// 简历快照
// ---------------------------------------------------------------------------

// CreateResumeSnapshot 以 当前最大版本+1 写入新快照。
// 版本分配在事务内用行锁串行化，保证单调递增不跳号不重号。
func (m *MySQL) CreateResumeSnapshot(ctx context.Context, candidateID, content, contentMD5, ossPath string) (*models.ResumeSnapshot, error) {
	var snapshot models.ResumeSnapshot

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest models.ResumeSnapshot
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("candidate_id = ?", candidateID).
			Order("version DESC").
			First(&latest).Error

		nextVersion := 1
		if err == nil {
			nextVersion = latest.Version + 1
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("查询最新简历版本失败: %w", err)
		}

		snapshot = models.ResumeSnapshot{
			CandidateID:       candidateID,
			Version:           nextVersion,
			Content:           content,
			ContentMD5:        contentMD5,
			SourceFilePathOSS: ossPath,
		}
		return tx.Create(&snapshot).Error
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// GetResumeSnapshot 按版本号读取快照
func (m *MySQL) GetResumeSnapshot(ctx context.Context, candidateID string, version int) (*models.ResumeSnapshot, error) {
	var snapshot models.ResumeSnapshot
	err := m.db.WithContext(ctx).
		Where("candidate_id = ? AND version = ?", candidateID, version).
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询简历快照失败: %w", err)
	}
	return &snapshot, nil
}

// LatestResumeSnapshot 读取候选人最新版本的快照
func (m *MySQL) LatestResumeSnapshot(ctx context.Context, candidateID string) (*models.ResumeSnapshot, error) {
	var snapshot models.ResumeSnapshot
	err := m.db.WithContext(ctx).
		Where("candidate_id = ?", candidateID).
		Order("version DESC").
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询最新简历快照失败: %w", err)
	}
	return &snapshot, nil
}

// ---------------------------------------------------------------------------
// 评估结果
// ---------------------------------------------------------------------------

// GetEvaluationResult 按评估键读取缓存结果，命中时顺带刷新LastReadAt（服务于可选LRU淘汰）
func (m *MySQL) GetEvaluationResult(ctx context.Context, key types.EvaluationKey) (*models.EvaluationResult, error) {
	var result models.EvaluationResult
	err := m.db.WithContext(ctx).
		Where("job_id = ? AND candidate_id = ? AND resume_version = ? AND evaluator_version = ?",
			key.JobID, key.CandidateID, key.ResumeVersion, key.EvaluatorVersion).
		First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询评估结果失败: %w", err)
	}

	// 读取时间戳异步无所谓，失败不影响读取本身
	now := time.Now()
	_ = m.db.WithContext(ctx).Model(&result).UpdateColumn("last_read_at", now).Error
	return &result, nil
}

// SaveEvaluationResult 写入评估结果。同键重复写（force重评）覆盖旧内容
func (m *MySQL) SaveEvaluationResult(ctx context.Context, result *models.EvaluationResult) error {
	ctx, span := mysqlTracer.Start(ctx, "SaveEvaluationResult")
	span.SetAttributes(attribute.String("job.id", result.JobID))
	defer span.End()

	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "job_id"}, {Name: "candidate_id"},
			{Name: "resume_version"}, {Name: "evaluator_version"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"payload_json", "match_score", "verdict", "computed_at"}),
	}).Create(result).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save evaluation result failed")
		return fmt.Errorf("写入评估结果失败: %w", err)
	}
	return nil
}

// ListEvaluations 按verdict过滤、按计算时间倒序分页列出评估结果
func (m *MySQL) ListEvaluations(ctx context.Context, verdict string, skip, limit int) ([]models.EvaluationResult, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	q := m.db.WithContext(ctx).Model(&models.EvaluationResult{})
	if verdict != "" {
		q = q.Where("verdict = ?", verdict)
	}

	var results []models.EvaluationResult
	err := q.Order("computed_at DESC").Offset(skip).Limit(limit).Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("查询评估列表失败: %w", err)
	}
	return results, nil
}

// EvaluationStats 评估统计：总数、按verdict计数、平均分
type EvaluationStats struct {
	Total        int64            `json:"total"`
	ByVerdict    map[string]int64 `json:"by_verdict"`
	AverageScore float64          `json:"average_score"`
}

// GetEvaluationStatistics 聚合评估统计
func (m *MySQL) GetEvaluationStatistics(ctx context.Context) (*EvaluationStats, error) {
	stats := &EvaluationStats{ByVerdict: make(map[string]int64)}

	if err := m.db.WithContext(ctx).Model(&models.EvaluationResult{}).Count(&stats.Total).Error; err != nil {
		return nil, fmt.Errorf("统计评估总数失败: %w", err)
	}

	type verdictCount struct {
		Verdict string
		Count   int64
	}
	var counts []verdictCount
	err := m.db.WithContext(ctx).Model(&models.EvaluationResult{}).
		Select("verdict, COUNT(*) as count").
		Group("verdict").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("按verdict统计失败: %w", err)
	}
	for _, c := range counts {
		stats.ByVerdict[c.Verdict] = c.Count
	}

	var avg *float64
	err = m.db.WithContext(ctx).Model(&models.EvaluationResult{}).
		Select("AVG(match_score)").
		Scan(&avg).Error
	if err != nil {
		return nil, fmt.Errorf("计算平均分失败: %w", err)
	}
	if avg != nil {
		stats.AverageScore = *avg
	}
	return stats, nil
}

// DeleteResultsForResumeBefore 预淘汰旧简历版本的评估结果。
// 纯存储优化：正确性由EvaluationKey构造保证，不依赖这里的清理。
func (m *MySQL) DeleteResultsForResumeBefore(ctx context.Context, candidateID string, beforeVersion int) (int64, error) {
	res := m.db.WithContext(ctx).
		Where("candidate_id = ? AND resume_version < ?", candidateID, beforeVersion).
		Delete(&models.EvaluationResult{})
	if res.Error != nil {
		return 0, fmt.Errorf("预淘汰旧版本评估结果失败: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ---------------------------------------------------------------------------
// 评估任务
// ---------------------------------------------------------------------------

// CreateTask 在一个事务里写入任务与全部条目，初始状态QUEUED
func (m *MySQL) CreateTask(ctx context.Context, task *models.EvaluationTask, items []models.EvaluationTaskItem) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(task).Error; err != nil {
			return fmt.Errorf("创建任务失败: %w", err)
		}
		if len(items) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(items, 100).Error; err != nil {
			return fmt.Errorf("创建任务条目失败: %w", err)
		}
		return nil
	})
}

// MarkTaskRunning QUEUED -> RUNNING
func (m *MySQL) MarkTaskRunning(ctx context.Context, taskID string) error {
	now := time.Now()
	return m.db.WithContext(ctx).Model(&models.EvaluationTask{}).
		Where("task_id = ? AND status = ?", taskID, constants.TaskStatusQueued).
		Updates(map[string]interface{}{
			"status":     constants.TaskStatusRunning,
			"started_at": now,
		}).Error
}

// RecordItemOutcome 记录单条评估结果并原子推进任务计数。
// 计数用SQL表达式自增，并发worker下不会丢更新。
func (m *MySQL) RecordItemOutcome(ctx context.Context, taskID string, key types.EvaluationKey, outcome string, errMsg string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.EvaluationTaskItem{}).
			Where("task_id = ? AND job_id = ? AND candidate_id = ? AND resume_version = ?",
				taskID, key.JobID, key.CandidateID, key.ResumeVersion).
			Updates(map[string]interface{}{
				"outcome":       outcome,
				"error_message": errMsg,
			}).Error
		if err != nil {
			return fmt.Errorf("更新任务条目失败: %w", err)
		}

		updates := map[string]interface{}{
			"completed_count": gorm.Expr("completed_count + 1"),
		}
		if outcome == constants.ItemOutcomeFailed {
			updates["failed_count"] = gorm.Expr("failed_count + 1")
		}
		if err := tx.Model(&models.EvaluationTask{}).
			Where("task_id = ?", taskID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("推进任务计数失败: %w", err)
		}
		return nil
	})
}

// FinalizeTask RUNNING -> {COMPLETED, FAILED}，终态后任务不再变更
func (m *MySQL) FinalizeTask(ctx context.Context, taskID string, status string, lastError string) error {
	now := time.Now()
	return m.db.WithContext(ctx).Model(&models.EvaluationTask{}).
		Where("task_id = ? AND status IN ?", taskID,
			[]string{constants.TaskStatusQueued, constants.TaskStatusRunning}).
		Updates(map[string]interface{}{
			"status":       status,
			"last_error":   lastError,
			"completed_at": now,
		}).Error
}

// GetTask 读取任务
func (m *MySQL) GetTask(ctx context.Context, taskID string) (*models.EvaluationTask, error) {
	var task models.EvaluationTask
	err := m.db.WithContext(ctx).Where("task_id = ?", taskID).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	return &task, nil
}

// GetTaskItems 读取任务的全部条目
func (m *MySQL) GetTaskItems(ctx context.Context, taskID string) ([]models.EvaluationTaskItem, error) {
	var items []models.EvaluationTaskItem
	err := m.db.WithContext(ctx).Where("task_id = ?", taskID).Order("item_id").Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("查询任务条目失败: %w", err)
	}
	return items, nil
}

// ListTasks 按创建时间倒序列出最近的任务
func (m *MySQL) ListTasks(ctx context.Context, limit int) ([]models.EvaluationTask, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var tasks []models.EvaluationTask
	err := m.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("查询任务列表失败: %w", err)
	}
	return tasks, nil
}
