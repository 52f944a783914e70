package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// JobRecord 规范岗位记录表。
// 指纹唯一索引是去重不变量的数据库兜底：Active/Archived状态下每个指纹至多一条记录。
type JobRecord struct {
	JobID       string `gorm:"type:char(36);primaryKey"`
	Fingerprint string `gorm:"type:char(64);not null;uniqueIndex:idx_job_records_fingerprint_unique"`

	Title       string     `gorm:"type:varchar(255);not null"`
	Company     string     `gorm:"type:varchar(255);not null"`
	Location    string     `gorm:"type:varchar(255)"`
	Description string     `gorm:"type:text;not null"`
	PostedAt    *time.Time `gorm:"type:datetime(6)"`
	SourceURL   string     `gorm:"type:varchar(1024)"`

	// 生命周期: ACTIVE -> ARCHIVED -> (仅显式操作) DELETED，软删除从不物理移除
	Status string `gorm:"type:varchar(20);default:'ACTIVE';index:idx_job_records_status"`

	FirstSeenAt time.Time `gorm:"type:datetime(6);not null"`
	LastSeenAt  time.Time `gorm:"type:datetime(6);not null;index:idx_job_records_last_seen"`

	CreatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (JobRecord) TableName() string {
	return "job_records"
}

// ResumeSnapshot 简历快照表。内容一经写入不再变更，编辑总是产生新版本。
type ResumeSnapshot struct {
	SnapshotID  uint64 `gorm:"primaryKey;autoIncrement"`
	CandidateID string `gorm:"type:varchar(64);not null;uniqueIndex:idx_resume_snapshots_candidate_version,priority:1"`
	Version     int    `gorm:"not null;uniqueIndex:idx_resume_snapshots_candidate_version,priority:2"`

	Content    string `gorm:"type:longtext;not null"`
	ContentMD5 string `gorm:"type:char(32);index:idx_resume_snapshots_content_md5"`
	// SourceFilePathOSS 上传简历原始文件在MinIO中的对象键（直接提交JSON时为空）
	SourceFilePathOSS string `gorm:"type:varchar(1024)"`

	CreatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (ResumeSnapshot) TableName() string {
	return "resume_snapshots"
}

// EvaluationResult 评估结果表，按EvaluationKey四元组唯一。
// 结果写入后不可变；force重评通过同键覆盖写产生新记录内容。
type EvaluationResult struct {
	ResultID         uint64 `gorm:"primaryKey;autoIncrement"`
	JobID            string `gorm:"type:char(36);not null;uniqueIndex:idx_eval_results_key,priority:1"`
	CandidateID      string `gorm:"type:varchar(64);not null;uniqueIndex:idx_eval_results_key,priority:2"`
	ResumeVersion    int    `gorm:"not null;uniqueIndex:idx_eval_results_key,priority:3"`
	EvaluatorVersion string `gorm:"type:varchar(50);not null;uniqueIndex:idx_eval_results_key,priority:4"`

	// PayloadJSON Evaluator的完整输出，按不透明结构化数据存取
	PayloadJSON datatypes.JSON `gorm:"type:json;not null"`
	// 冗余的派生列，便于列表过滤与统计
	MatchScore *int   `gorm:"type:int;index:idx_eval_results_score"`
	Verdict    string `gorm:"type:varchar(50);index:idx_eval_results_verdict"`

	ComputedAt time.Time `gorm:"type:datetime(6);not null"`
	// LastReadAt 最近读取时间，仅服务于可选的LRU淘汰，不参与正确性
	LastReadAt *time.Time `gorm:"type:datetime(6)"`

	CreatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`

	Job *JobRecord `gorm:"foreignKey:JobID;references:JobID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

func (EvaluationResult) TableName() string {
	return "evaluation_results"
}

// EvaluationTask 批量评估任务表
type EvaluationTask struct {
	TaskID string `gorm:"type:char(36);primaryKey"`
	Status string `gorm:"type:varchar(20);default:'QUEUED';index:idx_eval_tasks_status"`

	TotalCount     int `gorm:"not null"`
	CompletedCount int `gorm:"not null;default:0"`
	FailedCount    int `gorm:"not null;default:0"`

	Concurrency int    `gorm:"not null"`
	LastError   string `gorm:"type:text"`

	CreatedAt   time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);index:idx_eval_tasks_created"`
	StartedAt   *time.Time `gorm:"type:datetime(6)"`
	CompletedAt *time.Time `gorm:"type:datetime(6)"`
}

func (EvaluationTask) TableName() string {
	return "evaluation_tasks"
}

// EvaluationTaskItem 任务条目表，记录每个评估键的处理结果
type EvaluationTaskItem struct {
	ItemID           uint64 `gorm:"primaryKey;autoIncrement"`
	TaskID           string `gorm:"type:char(36);not null;index:idx_eval_task_items_task;uniqueIndex:idx_eval_task_items_task_key,priority:1"`
	JobID            string `gorm:"type:char(36);not null;uniqueIndex:idx_eval_task_items_task_key,priority:2"`
	CandidateID      string `gorm:"type:varchar(64);not null;uniqueIndex:idx_eval_task_items_task_key,priority:3"`
	ResumeVersion    int    `gorm:"not null;uniqueIndex:idx_eval_task_items_task_key,priority:4"`
	EvaluatorVersion string `gorm:"type:varchar(50);not null"`

	Outcome      string `gorm:"type:varchar(20);default:'PENDING';index:idx_eval_task_items_outcome"`
	ErrorMessage string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`

	Task *EvaluationTask `gorm:"foreignKey:TaskID;references:TaskID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (EvaluationTaskItem) TableName() string {
	return "evaluation_task_items"
}

// MapToJSON 把map转换为datatypes.JSON
func MapToJSON(m map[string]interface{}) (datatypes.JSON, error) {
	bytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}
