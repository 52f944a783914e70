// Package fingerprint 提供岗位记录的内容指纹与结构化校验。
// 指纹是纯函数：无网络、无时间依赖，这一确定性是重复摄取幂等的前提。
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"job-agent-go/internal/constants"
	"job-agent-go/internal/types"
)

// Options 指纹计算参数
type Options struct {
	// PrefixLen 参与哈希的描述前缀长度（按rune计），可调参数：
	// 过短会把共享样板开头的不同岗位误合并
	PrefixLen int
	// MinDescriptionLen 描述最短长度（按rune计），低于该值视为抓取残片
	MinDescriptionLen int
}

// DefaultOptions 返回默认参数
func DefaultOptions() Options {
	return Options{
		PrefixLen:         constants.DefaultFingerprintPrefixLen,
		MinDescriptionLen: constants.DefaultMinDescriptionLen,
	}
}

// Validate 对原始记录做结构化校验，合法时返回nil。
// 拒绝标准：标题/公司/描述为空白，或描述长度低于阈值。
func Validate(raw types.RawPosting, opts Options) *types.RejectionReason {
	for _, f := range []struct {
		name  string
		value string
	}{
		{"title", raw.Title},
		{"company", raw.Company},
		{"description", raw.Description},
	} {
		if strings.TrimSpace(f.value) == "" {
			return &types.RejectionReason{
				Category:  constants.RejectEmptyField,
				Field:     f.name,
				Detail:    "字段为空或仅含空白字符",
				SourceURL: raw.SourceURL,
			}
		}
	}

	minLen := opts.MinDescriptionLen
	if minLen <= 0 {
		minLen = constants.DefaultMinDescriptionLen
	}
	if len([]rune(strings.TrimSpace(raw.Description))) < minLen {
		return &types.RejectionReason{
			Category:  constants.RejectTooShort,
			Field:     "description",
			Detail:    "描述过短，疑似截断占位符而非真实内容",
			SourceURL: raw.SourceURL,
		}
	}
	return nil
}

// Compute 计算内容指纹：对规范化后的 标题|公司|描述前缀 做SHA-256。
// 两条仅有大小写或空白差异的记录产生相同指纹。
func Compute(raw types.RawPosting, opts Options) string {
	prefixLen := opts.PrefixLen
	if prefixLen <= 0 {
		prefixLen = constants.DefaultFingerprintPrefixLen
	}

	desc := normalize(raw.Description)
	if runes := []rune(desc); len(runes) > prefixLen {
		desc = string(runes[:prefixLen])
	}

	h := sha256.New()
	h.Write([]byte(normalize(raw.Title)))
	h.Write([]byte{'|'})
	h.Write([]byte(normalize(raw.Company)))
	h.Write([]byte{'|'})
	h.Write([]byte(desc))
	return hex.EncodeToString(h.Sum(nil))
}

// normalize 小写化并把连续空白折叠为单个空格
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace {
			b.WriteByte(' ')
			inSpace = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
