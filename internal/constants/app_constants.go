package constants

import "time"

// 岗位生命周期状态
const (
	JobStatusActive   = "ACTIVE"
	JobStatusArchived = "ARCHIVED"
	JobStatusDeleted  = "DELETED"
)

// 评估任务状态机: QUEUED -> RUNNING -> {COMPLETED, FAILED}
const (
	TaskStatusQueued    = "QUEUED"
	TaskStatusRunning   = "RUNNING"
	TaskStatusCompleted = "COMPLETED"
	TaskStatusFailed    = "FAILED"
)

// 任务条目结果
const (
	ItemOutcomePending   = "PENDING"
	ItemOutcomeSucceeded = "SUCCEEDED"
	ItemOutcomeFailed    = "FAILED"
)

// 原始岗位记录的拒绝原因分类
const (
	RejectEmptyField    = "empty_field"
	RejectTooShort      = "description_too_short"
	RejectMalformedDate = "malformed_date"
)

const (
	// DefaultCandidateID 单用户部署下的默认候选人标识，简历快照按该ID递增版本号
	DefaultCandidateID = "master"

	// DefaultFingerprintPrefixLen 参与指纹计算的描述前缀长度（可配置，防止样板开头导致的误合并）
	DefaultFingerprintPrefixLen = 256

	// DefaultMinDescriptionLen 低于该长度的描述视为抓取残片（如"read more"占位符）
	DefaultMinDescriptionLen = 80

	// DefaultArchiveAfter 岗位自最后一次被抓取命中后，超过该时长未再出现则归档
	DefaultArchiveAfter = 14 * 24 * time.Hour

	// DefaultEvaluateTimeout 单次Evaluator调用的超时上限
	DefaultEvaluateTimeout = 90 * time.Second

	// DefaultBatchConcurrency 批量评估的默认并发度
	DefaultBatchConcurrency = 2
	// MaxBatchConcurrency 并发度上限，保护外部LLM服务
	MaxBatchConcurrency = 16

	// DefaultResultCacheTTL 评估结果在Redis热缓存中的保留时间
	DefaultResultCacheTTL = 6 * time.Hour

	// InFlightClaimTTL 分布式in-flight声明的过期时间，必须大于评估超时，
	// 保证持有者崩溃后声明最终可被回收
	InFlightClaimTTL = 2 * DefaultEvaluateTimeout
)

// RabbitMQ 消息拓扑
const (
	IngestExchange   = "job.ingest.exchange"
	IngestQueue      = "job.ingest.queue"
	IngestRoutingKey = "job.ingest.raw_batch"
)
