package resume

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"job-agent-go/internal/constants"
	"job-agent-go/internal/logger"
	"job-agent-go/internal/storage"
	"job-agent-go/internal/storage/models"
)

// ErrEmptyContent 简历内容为空
var ErrEmptyContent = errors.New("resume content is empty")

// ErrUnsupportedFile 不支持的简历文件格式
var ErrUnsupportedFile = errors.New("unsupported resume file type")

// SnapshotStore 简历快照的持久化操作，*storage.MySQL直接满足
type SnapshotStore interface {
	CreateResumeSnapshot(ctx context.Context, candidateID, content, contentMD5, ossPath string) (*models.ResumeSnapshot, error)
	GetResumeSnapshot(ctx context.Context, candidateID string, version int) (*models.ResumeSnapshot, error)
	LatestResumeSnapshot(ctx context.Context, candidateID string) (*models.ResumeSnapshot, error)
	DeleteResultsForResumeBefore(ctx context.Context, candidateID string, beforeVersion int) (int64, error)
}

// Service 主简历的版本化管理。
// 每次保存产生新版本（当前最大版本+1），旧版本只读保留；
// 升版后预淘汰旧版本的评估结果，正确性不依赖这步清理。
type Service struct {
	store     SnapshotStore
	files     *storage.MinIO
	extractor *PDFExtractor
}

// NewService 创建简历服务。files和extractor可为nil，对应能力关闭。
func NewService(store SnapshotStore, files *storage.MinIO, extractor *PDFExtractor) *Service {
	return &Service{store: store, files: files, extractor: extractor}
}

// SaveContent 把文本内容存为新版本快照。
// 与最新版本内容完全一致时不升版，直接返回既有快照。
func (s *Service) SaveContent(ctx context.Context, candidateID, content, ossPath string) (*models.ResumeSnapshot, error) {
	if candidateID == "" {
		candidateID = constants.DefaultCandidateID
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	sum := md5.Sum([]byte(content))
	contentMD5 := hex.EncodeToString(sum[:])

	latest, err := s.store.LatestResumeSnapshot(ctx, candidateID)
	if err == nil && latest.ContentMD5 == contentMD5 {
		logger.Ctx(ctx).Info().Str("candidate_id", candidateID).Int("version", latest.Version).Msg("简历内容未变化，复用当前版本")
		return latest, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	snapshot, err := s.store.CreateResumeSnapshot(ctx, candidateID, content, contentMD5, ossPath)
	if err != nil {
		return nil, fmt.Errorf("保存简历快照失败: %w", err)
	}

	// 旧版本的评估结果不会再被读到，预淘汰腾空间
	if removed, err := s.store.DeleteResultsForResumeBefore(ctx, candidateID, snapshot.Version); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("预淘汰旧版本评估结果失败")
	} else if removed > 0 {
		logger.Ctx(ctx).Info().Int64("removed", removed).Int("new_version", snapshot.Version).Msg("已预淘汰旧简历版本的评估结果")
	}

	logger.Ctx(ctx).Info().Str("candidate_id", candidateID).Int("version", snapshot.Version).Msg("简历快照已保存")
	return snapshot, nil
}

// UploadFile 接收简历文件（当前仅PDF），提取文本后存为新版本快照。
// 原始文件同步存入对象存储留档（如已配置）。
func (s *Service) UploadFile(ctx context.Context, candidateID, filename string, data []byte) (*models.ResumeSnapshot, error) {
	if candidateID == "" {
		candidateID = constants.DefaultCandidateID
	}
	if len(data) == 0 {
		return nil, ErrEmptyContent
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext != ".pdf" || s.extractor == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, filename)
	}

	text, err := s.extractor.ExtractText(ctx, data, filename)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: PDF不含可提取文本", ErrEmptyContent)
	}

	var ossPath string
	if s.files != nil {
		path, err := s.files.UploadResumeFile(ctx, candidateID, ext, bytes.NewReader(data), int64(len(data)))
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("简历原始文件归档失败，继续保存文本")
		} else {
			ossPath = path
		}
	}

	return s.SaveContent(ctx, candidateID, text, ossPath)
}

// Latest 最新版本快照
func (s *Service) Latest(ctx context.Context, candidateID string) (*models.ResumeSnapshot, error) {
	if candidateID == "" {
		candidateID = constants.DefaultCandidateID
	}
	return s.store.LatestResumeSnapshot(ctx, candidateID)
}

// Get 指定版本快照
func (s *Service) Get(ctx context.Context, candidateID string, version int) (*models.ResumeSnapshot, error) {
	if candidateID == "" {
		candidateID = constants.DefaultCandidateID
	}
	return s.store.GetResumeSnapshot(ctx, candidateID, version)
}
