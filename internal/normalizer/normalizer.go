// Package normalizer 把外部抓取方的原始岗位记录转换为带指纹的候选记录。
// 非法记录被拒绝并产出结构化原因，绝不静默丢弃。
package normalizer

import (
	"context"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"job-agent-go/internal/constants"
	"job-agent-go/internal/fingerprint"
	"job-agent-go/internal/logger"
	"job-agent-go/internal/types"
)

// Normalizer 批量规范化器
type Normalizer struct {
	opts fingerprint.Options
}

// New 创建规范化器
func New(opts fingerprint.Options) *Normalizer {
	return &Normalizer{opts: opts}
}

// Result 一次批量规范化的产物
type Result struct {
	Accepted []types.CandidateRecord
	Rejected []types.RejectionReason
}

// Normalize 逐条处理原始记录：校验、计算指纹、规范化结构化字段。
// 无法解析的发布时间降级为nil并记入Rejected（类别malformed_date），
// 但记录本身仍被接受，单条坏日期不拖垮整批。
func (n *Normalizer) Normalize(ctx context.Context, batch []types.RawPosting) Result {
	res := Result{
		Accepted: make([]types.CandidateRecord, 0, len(batch)),
	}

	for _, raw := range batch {
		if reason := fingerprint.Validate(raw, n.opts); reason != nil {
			res.Rejected = append(res.Rejected, *reason)
			continue
		}

		postedAt, dateReason := parsePostedAt(raw)
		if dateReason != nil {
			res.Rejected = append(res.Rejected, *dateReason)
		}

		res.Accepted = append(res.Accepted, types.CandidateRecord{
			Fingerprint: fingerprint.Compute(raw, n.opts),
			Title:       strings.TrimSpace(raw.Title),
			Company:     strings.TrimSpace(raw.Company),
			Description: strings.TrimSpace(raw.Description),
			Location:    strings.TrimSpace(raw.Location),
			PostedAt:    postedAt,
			SourceURL:   strings.TrimSpace(raw.SourceURL),
		})
	}

	logger.Ctx(ctx).Debug().
		Int("received", len(batch)).
		Int("accepted", len(res.Accepted)).
		Int("rejected", len(res.Rejected)).
		Msg("批量规范化完成")

	return res
}

// parsePostedAt 宽松解析发布时间。空串表示来源未提供，不算异常；
// 非空但无法解析的串降级为nil并返回malformed_date原因。
func parsePostedAt(raw types.RawPosting) (*time.Time, *types.RejectionReason) {
	s := strings.TrimSpace(raw.PostedAt)
	if s == "" {
		return nil, nil
	}

	parsed, err := dateparse.ParseAny(s)
	if err != nil {
		return nil, &types.RejectionReason{
			Category:  constants.RejectMalformedDate,
			Field:     "posted_at",
			Detail:    "无法解析的时间: " + s,
			SourceURL: raw.SourceURL,
		}
	}
	utc := parsed.UTC()
	return &utc, nil
}
