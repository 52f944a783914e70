package evaluator

import (
	"context"
	"errors"

	"job-agent-go/internal/storage/models"
	"job-agent-go/internal/types"
)

// ErrEmptyResponse 评估能力返回了空内容
var ErrEmptyResponse = errors.New("evaluator returned empty response")

// ErrMalformedResponse 评估能力返回的内容无法解析为结构化结果
var ErrMalformedResponse = errors.New("evaluator returned malformed response")

// Evaluator 外部评估能力。对系统而言它是不透明的：
// 给定岗位与简历产出结构化结果，失败即错误，结果写入后不可变。
// Version参与EvaluationKey，能力升级后旧缓存自然失效。
type Evaluator interface {
	Evaluate(ctx context.Context, job *models.JobRecord, resume *models.ResumeSnapshot) (*types.EvaluationPayload, error)
	Version() string
}
