package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"job-agent-go/internal/logger"
	"job-agent-go/internal/normalizer"
	"job-agent-go/internal/storage/models"
	"job-agent-go/internal/types"
)

var ingestTracer = otel.Tracer("job-agent-go/ingest")

// Upserter 规范岗位库的写入口，*storage.MySQL直接满足
type Upserter interface {
	UpsertJobByFingerprint(ctx context.Context, candidate types.CandidateRecord) (*models.JobRecord, bool, error)
}

// Sweeper 归档清扫入口
type Sweeper interface {
	ArchiveStaleJobs(ctx context.Context, olderThan time.Time) (int64, error)
}

// Archiver 原始批次归档(bronze层)，未配置对象存储时为nil
type Archiver interface {
	ArchiveRawBatch(ctx context.Context, batchID string, payload interface{}) (string, error)
}

// SweepLocker 多实例部署下清扫的互斥锁，可为nil
type SweepLocker interface {
	AcquireSweepLock(ctx context.Context, ttl time.Duration) (string, error)
	ReleaseSweepLock(ctx context.Context, token string) (bool, error)
}

// Ingestor 摄取管线：归档原始批次 → 规范化 → 按指纹upsert。
// 管线是幂等的：同一批次重放只刷新last_seen，不产生重复记录。
type Ingestor struct {
	norm     *normalizer.Normalizer
	store    Upserter
	sweeper  Sweeper
	archiver Archiver
	locker   SweepLocker
}

// New 创建摄取管线。archiver和locker可为nil，对应能力关闭。
func New(norm *normalizer.Normalizer, store Upserter, sweeper Sweeper, archiver Archiver, locker SweepLocker) *Ingestor {
	return &Ingestor{
		norm:     norm,
		store:    store,
		sweeper:  sweeper,
		archiver: archiver,
		locker:   locker,
	}
}

// IngestBatch 处理一个原始岗位批次。
// 单条记录的拒绝不影响批次其余部分；upsert失败的记录按拒绝上报。
func (i *Ingestor) IngestBatch(ctx context.Context, source string, batchID string, postings []types.RawPosting) (*types.IngestReport, error) {
	ctx, span := ingestTracer.Start(ctx, "Ingestor.IngestBatch")
	defer span.End()

	if batchID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("生成批次ID失败: %w", err)
		}
		batchID = id.String()
	}
	span.SetAttributes(
		attribute.String("batch.id", batchID),
		attribute.String("batch.source", source),
		attribute.Int("batch.received", len(postings)),
	)

	report := &types.IngestReport{BatchID: batchID, Received: len(postings)}
	log := logger.Ctx(ctx).With().Str("batch_id", batchID).Str("source", source).Logger()

	// 原始归档先于规范化：被拒绝的记录同样留痕可回放。归档失败只降级不阻断。
	if i.archiver != nil && len(postings) > 0 {
		archived, err := i.archiver.ArchiveRawBatch(ctx, batchID, map[string]interface{}{
			"batch_id":  batchID,
			"source":    source,
			"postings":  postings,
			"stored_at": time.Now().UTC(),
		})
		if err != nil {
			log.Warn().Err(err).Msg("原始批次归档失败，继续处理")
		} else {
			report.ArchivedPath = archived
		}
	}

	result := i.norm.Normalize(ctx, postings)
	report.Rejected = result.Rejected

	for _, candidate := range result.Accepted {
		_, isNew, err := i.store.UpsertJobByFingerprint(ctx, candidate)
		if err != nil {
			log.Error().Err(err).Str("fingerprint", candidate.Fingerprint).Msg("upsert岗位失败")
			report.Rejected = append(report.Rejected, types.RejectionReason{
				Category:  "storage_error",
				Detail:    err.Error(),
				SourceURL: candidate.SourceURL,
			})
			continue
		}
		if isNew {
			report.Created++
		} else {
			report.Updated++
		}
	}

	span.SetAttributes(
		attribute.Int("batch.created", report.Created),
		attribute.Int("batch.updated", report.Updated),
		attribute.Int("batch.rejected", len(report.Rejected)),
	)
	log.Info().
		Int("received", report.Received).
		Int("created", report.Created).
		Int("updated", report.Updated).
		Int("rejected", len(report.Rejected)).
		Msg("批次摄取完成")
	return report, nil
}

// Sweep 归档清扫：把超过时间窗未再被抓取命中的ACTIVE岗位置为ARCHIVED。
// 配置了锁时先抢锁，抢不到说明别的实例在扫，直接返回0。
func (i *Ingestor) Sweep(ctx context.Context, archiveAfter time.Duration) (int64, error) {
	ctx, span := ingestTracer.Start(ctx, "Ingestor.Sweep")
	defer span.End()

	if i.locker != nil {
		token, err := i.locker.AcquireSweepLock(ctx, 5*time.Minute)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("获取清扫锁失败，跳过本轮清扫")
			return 0, err
		}
		if token == "" {
			logger.Ctx(ctx).Info().Msg("其他实例正在清扫，跳过")
			return 0, nil
		}
		defer func() {
			if _, err := i.locker.ReleaseSweepLock(ctx, token); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("释放清扫锁失败，等待TTL过期")
			}
		}()
	}

	cutoff := time.Now().Add(-archiveAfter)
	archived, err := i.sweeper.ArchiveStaleJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("sweep.archived", archived))
	if archived > 0 {
		logger.Ctx(ctx).Info().Int64("archived", archived).Time("cutoff", cutoff).Msg("归档清扫完成")
	}
	return archived, nil
}
