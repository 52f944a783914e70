package storage

import (
	"time"

	"job-agent-go/internal/types"
)

// RawPostingBatchMessage 采集端发布到摄取队列的原始岗位批次
type RawPostingBatchMessage struct {
	// BatchID 批次标识，缺省时由消费端生成
	BatchID string `json:"batch_id,omitempty"`
	// Source 来源标识，例如抓取器名称
	Source string `json:"source,omitempty"`
	// CollectedAt 采集时间
	CollectedAt time.Time `json:"collected_at,omitempty"`
	// Postings 原始岗位列表
	Postings []types.RawPosting `json:"postings"`
}
