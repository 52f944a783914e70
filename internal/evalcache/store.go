package evalcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"job-agent-go/internal/logger"
	"job-agent-go/internal/storage"
	"job-agent-go/internal/storage/models"
	"job-agent-go/internal/types"
)

// ErrResultNotFound 请求的评估结果尚未计算
var ErrResultNotFound = errors.New("evaluation result not found")

// Store 评估结果的持久层抽象。写入成功后结果不可变（force重评除外）。
type Store interface {
	Get(ctx context.Context, key types.EvaluationKey) (*types.EvaluationPayload, error)
	Save(ctx context.Context, key types.EvaluationKey, payload *types.EvaluationPayload) error
}

// mysqlStore MySQL持久层 + 可选Redis热缓存的读穿写穿组合
type mysqlStore struct {
	db    *storage.MySQL
	redis *storage.Redis
}

// NewStore 组装评估结果存储。redis可为nil，此时只走MySQL。
func NewStore(db *storage.MySQL, redis *storage.Redis) Store {
	return &mysqlStore{db: db, redis: redis}
}

func (s *mysqlStore) Get(ctx context.Context, key types.EvaluationKey) (*types.EvaluationPayload, error) {
	// 先查热缓存
	if s.redis != nil {
		if raw, err := s.redis.GetCachedResult(ctx, key); err == nil {
			var payload types.EvaluationPayload
			if jsonErr := json.Unmarshal([]byte(raw), &payload); jsonErr == nil {
				return &payload, nil
			}
			// 热缓存内容损坏则当未命中处理，回源MySQL
		} else if !errors.Is(err, storage.ErrCacheMiss) {
			logger.Ctx(ctx).Warn().Err(err).Msg("读取评估热缓存失败，回源MySQL")
		}
	}

	result, err := s.db.GetEvaluationResult(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}

	var payload types.EvaluationPayload
	if err := json.Unmarshal(result.PayloadJSON, &payload); err != nil {
		return nil, fmt.Errorf("反序列化评估结果失败: %w", err)
	}

	// 回填热缓存，失败不影响读取
	if s.redis != nil {
		if err := s.redis.SetCachedResult(ctx, key, string(result.PayloadJSON)); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("回填评估热缓存失败")
		}
	}
	return &payload, nil
}

func (s *mysqlStore) Save(ctx context.Context, key types.EvaluationKey, payload *types.EvaluationPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化评估结果失败: %w", err)
	}

	score := payload.MatchScore
	record := &models.EvaluationResult{
		JobID:            key.JobID,
		CandidateID:      key.CandidateID,
		ResumeVersion:    key.ResumeVersion,
		EvaluatorVersion: key.EvaluatorVersion,
		PayloadJSON:      data,
		MatchScore:       &score,
		Verdict:          payload.Verdict,
		ComputedAt:       time.Now(),
	}
	if err := s.db.SaveEvaluationResult(ctx, record); err != nil {
		return err
	}

	if s.redis != nil {
		if err := s.redis.SetCachedResult(ctx, key, string(data)); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("写入评估热缓存失败")
		}
	}
	return nil
}
