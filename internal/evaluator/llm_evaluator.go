package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"job-agent-go/internal/config"
	"job-agent-go/internal/logger"
	"job-agent-go/internal/ratelimit"
	"job-agent-go/internal/storage/models"
	"job-agent-go/internal/tracing"
	"job-agent-go/internal/types"
)

var evaluatorTracer = otel.Tracer("job-agent-go/evaluator")

const systemPrompt = `You are an AI Job Match Evaluator.

Your task: compare the candidate's resume with a given job description and return exactly one valid JSON object with these keys:

{
  "match_score": 10 | 20 | 30 | 40 | 50 | 60 | 70 | 80 | 90 | 100,
  "verdict": "Strong Match | Moderate Match | Weak Match",
  "summary": "2-3 sentences summarizing how the resume aligns with the job",
  "gaps": ["specific technical, domain or soft-skill gaps"],
  "improvement_suggestions": ["specific actionable resume edits or study suggestions"],
  "interview_tips": ["high-priority topics to prepare, strengths to highlight"],
  "recommended_action": "apply | tailor | skip"
}

## SCORING RULES

1. Start from 50 points.
2. Add +10 for each strong overlap (title match, tech stack overlap, domain experience).
3. Subtract -10 for each major gap (missing must-have, experience mismatch).
4. Clamp the score between 10 and 100.

Verdict mapping:
- Strong Match: >= 80
- Moderate Match: 50-70
- Weak Match: <= 40

## recommended_action LOGIC

- "skip": match_score < 50 or the job requires far more experience than the resume shows
- "tailor": match_score 50-79
- "apply": match_score >= 80

## STRICT OUTPUT RULES

- Return ONLY the JSON object.
- No markdown, no code fences, no explanations.
- Use valid JSON with double quotes.`

// llmEvaluation LLM原始输出的结构
type llmEvaluation struct {
	MatchScore             int      `json:"match_score"`
	Verdict                string   `json:"verdict"`
	Summary                string   `json:"summary"`
	Gaps                   []string `json:"gaps"`
	ImprovementSuggestions []string `json:"improvement_suggestions"`
	InterviewTips          []string `json:"interview_tips"`
	RecommendedAction      string   `json:"recommended_action"`
}

// LLMEvaluator 基于LLM的评估能力实现。
// 调用经过令牌桶准入和单次超时控制，输出经过结构校验。
type LLMEvaluator struct {
	chatModel model.BaseChatModel
	limiter   *ratelimit.TokenBucket
	version   string
	timeout   time.Duration
}

// NewLLMEvaluator 按配置组装评估器
func NewLLMEvaluator(cfg *config.EvaluatorConfig) (*LLMEvaluator, error) {
	chatModel, err := NewOpenAICompatChatModel(cfg.APIKey, cfg.Model, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("创建评估模型客户端失败: %w", err)
	}

	qpm := cfg.QPM
	if qpm <= 0 {
		qpm = 30
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	version := cfg.Version
	if version == "" {
		version = cfg.Model
	}

	return &LLMEvaluator{
		chatModel: chatModel,
		limiter:   ratelimit.NewTokenBucket(qpm, 0),
		version:   version,
		timeout:   timeout,
	}, nil
}

// NewLLMEvaluatorWithModel 用现成的chat model组装评估器，测试注入用
func NewLLMEvaluatorWithModel(chatModel model.BaseChatModel, version string, timeout time.Duration) *LLMEvaluator {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &LLMEvaluator{
		chatModel: chatModel,
		limiter:   ratelimit.NewTokenBucket(600, 0),
		version:   version,
		timeout:   timeout,
	}
}

// Version 评估能力版本，参与EvaluationKey
func (e *LLMEvaluator) Version() string {
	return e.version
}

// Evaluate 调用LLM评估岗位与简历的匹配度
func (e *LLMEvaluator) Evaluate(ctx context.Context, job *models.JobRecord, resume *models.ResumeSnapshot) (*types.EvaluationPayload, error) {
	ctx, span := evaluatorTracer.Start(ctx, "LLMEvaluator.Evaluate")
	span.SetAttributes(
		attribute.String("job.id", job.JobID),
		attribute.String("evaluator.version", e.version),
	)
	defer span.End()

	if err := e.limiter.Wait(ctx); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeTimeout)
		return nil, fmt.Errorf("等待评估限流令牌失败: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	userPrompt := buildUserPrompt(job, resume)
	messages := []*einoschema.Message{
		einoschema.SystemMessage(systemPrompt),
		einoschema.UserMessage(userPrompt),
	}

	response, err := e.chatModel.Generate(callCtx, messages)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeEvaluator)
		return nil, fmt.Errorf("评估调用失败: %w", err)
	}
	if response == nil || response.Content == "" {
		tracing.RecordError(span, ErrEmptyResponse, tracing.ErrorTypeEvaluator)
		return nil, ErrEmptyResponse
	}

	payload, err := parseEvaluation(response.Content)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeEvaluator)
		logger.Ctx(ctx).Warn().Err(err).Str("job_id", job.JobID).Msg("评估输出解析失败")
		return nil, err
	}

	span.SetAttributes(attribute.Int("evaluation.match_score", payload.MatchScore))
	return payload, nil
}

// buildUserPrompt 组装用户消息：岗位上下文 + 简历全文
func buildUserPrompt(job *models.JobRecord, resume *models.ResumeSnapshot) string {
	var sb strings.Builder
	sb.WriteString("## INPUTS\n\n")
	sb.WriteString(fmt.Sprintf("**Company**: %s\n", job.Company))
	sb.WriteString(fmt.Sprintf("**Title/Role**: %s\n", job.Title))
	if job.Location != "" {
		sb.WriteString(fmt.Sprintf("**Location**: %s\n", job.Location))
	}
	sb.WriteString("\n**Job Description**:\n")
	sb.WriteString(job.Description)
	sb.WriteString("\n\n**Resume**:\n")
	sb.WriteString(resume.Content)
	sb.WriteString("\n\nReturn the evaluation JSON now.")
	return sb.String()
}

// parseEvaluation 从LLM输出中提取并校验结构化结果。
// 容忍BOM、markdown围栏和JSON前后的附加文本。
func parseEvaluation(content string) (*types.EvaluationPayload, error) {
	content = strings.TrimPrefix(content, "\uFEFF")

	jsonStr := extractJSON(content)
	if jsonStr == "" {
		return nil, fmt.Errorf("%w: 输出中未找到JSON对象", ErrMalformedResponse)
	}
	if !utf8.ValidString(jsonStr) {
		jsonStr = strings.ToValidUTF8(jsonStr, "")
	}

	var result llmEvaluation
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if result.MatchScore < 0 || result.MatchScore > 100 {
		return nil, fmt.Errorf("%w: match_score越界 %d", ErrMalformedResponse, result.MatchScore)
	}
	if result.Verdict == "" {
		return nil, fmt.Errorf("%w: verdict为空", ErrMalformedResponse)
	}

	return &types.EvaluationPayload{
		MatchScore:             result.MatchScore,
		Verdict:                result.Verdict,
		Summary:                result.Summary,
		Gaps:                   result.Gaps,
		ImprovementSuggestions: result.ImprovementSuggestions,
		InterviewTips:          result.InterviewTips,
		RecommendedAction:      result.RecommendedAction,
	}, nil
}

// extractJSON 括号配平提取首个完整JSON对象
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	level := 0
	inStr := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inStr {
				escaped = true
			}
		case '"':
			inStr = !inStr
		case '{':
			if !inStr {
				level++
			}
		case '}':
			if !inStr {
				level--
				if level == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
