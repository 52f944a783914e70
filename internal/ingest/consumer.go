package ingest

import (
	"context"
	"encoding/json"

	"job-agent-go/internal/constants"
	"job-agent-go/internal/logger"
	"job-agent-go/internal/storage"
)

// StartConsumer 订阅摄取队列，把采集端发布的原始批次送入摄取管线。
// 返回的stop通道关闭即停止消费。
// 反序列化失败的消息直接ack丢弃：重新入队只会无限重复同一个错误。
func StartConsumer(ctx context.Context, mq storage.MessageQueue, prefetch int, ingestor *Ingestor) (<-chan struct{}, error) {
	if prefetch <= 0 {
		prefetch = 10
	}

	return mq.StartConsumer(constants.IngestQueue, prefetch, func(body []byte) bool {
		var msg storage.RawPostingBatchMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			logger.Error().Err(err).Msg("摄取消息反序列化失败，丢弃")
			return true
		}
		if len(msg.Postings) == 0 {
			logger.Warn().Str("batch_id", msg.BatchID).Msg("摄取消息不含岗位，丢弃")
			return true
		}

		if _, err := ingestor.IngestBatch(ctx, msg.Source, msg.BatchID, msg.Postings); err != nil {
			// 批次级失败（如批次ID生成）罕见且可重试
			logger.Error().Err(err).Str("batch_id", msg.BatchID).Msg("批次摄取失败，重新入队")
			return false
		}
		return true
	})
}
