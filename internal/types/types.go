package types

import (
	"fmt"
	"time"
)

// RawPosting 外部抓取方投递的原始岗位记录，仅在入库前短暂存在，不直接落库
type RawPosting struct {
	Title       string `json:"title"`
	Company     string `json:"company"`
	Description string `json:"description"`
	Location    string `json:"location"`
	PostedAt    string `json:"posted_at,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
}

// CandidateRecord 通过校验的候选记录，携带指纹和规范化后的结构化字段
type CandidateRecord struct {
	Fingerprint string     // 去重键
	Title       string     // 去除首尾空白后的标题
	Company     string     // 去除首尾空白后的公司名
	Description string     // 原始描述文本
	Location    string     // 工作地点
	PostedAt    *time.Time // 发布时间，无法解析时为nil（"unknown"）
	SourceURL   string     // 来源链接
}

// RejectionReason 单条原始记录被拒绝（或降级）的结构化原因
type RejectionReason struct {
	Category  string `json:"category"` // empty_field / description_too_short / malformed_date
	Field     string `json:"field,omitempty"`
	Detail    string `json:"detail,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
}

// EvaluationKey 定位一次可缓存评估计算的复合键。
// EvaluatorVersion 的存在使得外部评分逻辑升级后旧缓存自然失效，无需手动清理。
type EvaluationKey struct {
	JobID            string `json:"job_id"`
	CandidateID      string `json:"candidate_id"`
	ResumeVersion    int    `json:"resume_version"`
	EvaluatorVersion string `json:"evaluator_version"`
}

// String 返回键的规范化字符串形式，用于声明表和Redis键
func (k EvaluationKey) String() string {
	return fmt.Sprintf("%s:%s:%d:%s", k.JobID, k.CandidateID, k.ResumeVersion, k.EvaluatorVersion)
}

// EvaluationPayload Evaluator产出的结构化结果。
// 核心只要求它可序列化且写入后不可变；字段结构沿用外部评估器的输出约定。
type EvaluationPayload struct {
	MatchScore             int      `json:"match_score"`
	Verdict                string   `json:"verdict"`
	Summary                string   `json:"summary"`
	Gaps                   []string `json:"gaps,omitempty"`
	ImprovementSuggestions []string `json:"improvement_suggestions,omitempty"`
	InterviewTips          []string `json:"interview_tips,omitempty"`
	RecommendedAction      string   `json:"recommended_action,omitempty"`
}

// TaskProgress 批量评估任务的进度计数
type TaskProgress struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// IngestReport 一次批量摄取的结果汇总
type IngestReport struct {
	BatchID      string            `json:"batch_id"`
	Received     int               `json:"received"`
	Created      int               `json:"created"`
	Updated      int               `json:"updated"`
	Rejected     []RejectionReason `json:"rejected,omitempty"`
	ArchivedPath string            `json:"archived_path,omitempty"`
}
