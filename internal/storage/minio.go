package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"

	"job-agent-go/internal/config"
	"job-agent-go/internal/logger"
)

// ObjectStorage 对象存储接口：原始批次归档(bronze层)和简历原始文件
type ObjectStorage interface {
	ArchiveRawBatch(ctx context.Context, batchID string, payload interface{}) (string, error)
	UploadResumeFile(ctx context.Context, candidateID, fileExt string, reader io.Reader, fileSize int64) (string, error)
	DownloadResumeFile(ctx context.Context, objectName string) ([]byte, error)
	Close() error
}

var _ ObjectStorage = (*MinIO)(nil)

// MinIO 提供对象存储功能
type MinIO struct {
	client       *minio.Client
	cfg          *config.MinIOConfig
	rawBucket    string
	resumeBucket string
}

// NewMinIO 创建MinIO客户端并初始化存储桶
func NewMinIO(cfg *config.MinIOConfig) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	rawBucket := cfg.RawBucket
	if rawBucket == "" {
		rawBucket = "job-raw-batches"
	}
	resumeBucket := cfg.ResumeBucket
	if resumeBucket == "" {
		resumeBucket = "resume-files"
	}

	m := &MinIO{
		client:       client,
		cfg:          cfg,
		rawBucket:    rawBucket,
		resumeBucket: resumeBucket,
	}

	for _, bucket := range []string{rawBucket, resumeBucket} {
		if err := m.ensureBucketExists(bucket, cfg.Location); err != nil {
			return nil, err
		}
	}

	// 原始批次只是审计留痕，按需设置过期
	if cfg.RawExpireDays > 0 {
		if err := m.setupBucketLifecycle(context.Background(), rawBucket, "expire-raw-batches", cfg.RawExpireDays); err != nil {
			logger.Warn().Err(err).Msg("设置原始批次生命周期规则失败，继续运行")
		}
	}

	logger.Info().Str("endpoint", cfg.Endpoint).Msg("MinIO客户端初始化完成")
	return m, nil
}

// ensureBucketExists 确保存储桶存在
func (m *MinIO) ensureBucketExists(bucketName, location string) error {
	exists, err := m.client.BucketExists(context.Background(), bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if !exists {
		err = m.client.MakeBucket(context.Background(), bucketName, minio.MakeBucketOptions{Region: location})
		if err != nil {
			return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
		}
		logger.Info().Str("bucket", bucketName).Msg("存储桶创建成功")
	}
	return nil
}

// setupBucketLifecycle 为指定存储桶设置过期规则
func (m *MinIO) setupBucketLifecycle(ctx context.Context, bucketName, ruleID string, expiryDays int) error {
	lc := lifecycle.NewConfiguration()
	lc.Rules = []lifecycle.Rule{
		{
			ID:     ruleID,
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(expiryDays),
			},
		},
	}
	return m.client.SetBucketLifecycle(ctx, bucketName, lc)
}

// ArchiveRawBatch 把一个摄取批次的原始JSON完整归档，路径 raw/{日期}/{batchID}.json。
// 归档发生在规范化之前，被拒绝的记录同样留痕可回放。
func (m *MinIO) ArchiveRawBatch(ctx context.Context, batchID string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("序列化原始批次失败: %w", err)
	}

	objectName := fmt.Sprintf("raw/%s/%s.json", time.Now().UTC().Format("2006-01-02"), batchID)
	_, err = m.client.PutObject(ctx, m.rawBucket, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("归档原始批次 %s 失败: %w", objectName, err)
	}
	return objectName, nil
}

// UploadResumeFile 上传简历原始文件，对象键 resume/{candidateID}/{时间戳}{ext}
func (m *MinIO) UploadResumeFile(ctx context.Context, candidateID, fileExt string, reader io.Reader, fileSize int64) (string, error) {
	objectName := fmt.Sprintf("resume/%s/%d%s", candidateID, time.Now().UnixMilli(), fileExt)
	contentType := getContentType(fileExt)

	_, err := m.client.PutObject(ctx, m.resumeBucket, objectName, reader, fileSize,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("上传简历文件 %s 失败: %w", objectName, err)
	}
	return objectName, nil
}

// DownloadResumeFile 下载简历原始文件
func (m *MinIO) DownloadResumeFile(ctx context.Context, objectName string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.resumeBucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("读取简历文件 %s 失败: %w", objectName, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("下载简历文件 %s 失败: %w", objectName, err)
	}
	return data, nil
}

// Close MinIO客户端无需显式关闭，保留以对齐其他存储组件
func (m *MinIO) Close() error {
	return nil
}

// getContentType 根据扩展名推断Content-Type
func getContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
