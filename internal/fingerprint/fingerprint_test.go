package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-agent-go/internal/constants"
	"job-agent-go/internal/types"
)

func validPosting() types.RawPosting {
	return types.RawPosting{
		Title:       "Data Engineer",
		Company:     "Acme",
		Description: strings.Repeat("Build and operate batch and streaming pipelines. ", 5),
		Location:    "Berlin",
		SourceURL:   "https://example.com/jobs/1",
	}
}

// TestComputeStability 仅大小写和空白差异的记录必须产生相同指纹
func TestComputeStability(t *testing.T) {
	opts := DefaultOptions()
	base := validPosting()

	variant := base
	variant.Title = "  DATA   engineer "
	variant.Company = "ACME\t"
	variant.Description = "  " + strings.ToUpper(base.Description) + "\n"

	assert.Equal(t, Compute(base, opts), Compute(variant, opts),
		"大小写/空白差异不应改变指纹")
}

// TestComputeDeterminism 同一输入多次计算结果一致
func TestComputeDeterminism(t *testing.T) {
	opts := DefaultOptions()
	raw := validPosting()
	first := Compute(raw, opts)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Compute(raw, opts))
	}
	assert.Len(t, first, 64, "指纹应为十六进制SHA-256")
}

// TestComputeDistinguishes 标题或公司不同的岗位指纹不同
func TestComputeDistinguishes(t *testing.T) {
	opts := DefaultOptions()
	a := validPosting()
	b := a
	b.Company = "Globex"
	assert.NotEqual(t, Compute(a, opts), Compute(b, opts))

	c := a
	c.Title = "Platform Engineer"
	assert.NotEqual(t, Compute(a, opts), Compute(c, opts))
}

// TestComputePrefixOnly 超出前缀长度的描述差异不影响指纹（刻意保留的可调行为）
func TestComputePrefixOnly(t *testing.T) {
	opts := Options{PrefixLen: 32, MinDescriptionLen: 10}
	a := validPosting()
	b := a
	b.Description = a.Description[:40] + " completely different tail content"
	assert.Equal(t, Compute(a, opts), Compute(b, opts),
		"前缀相同的描述在小前缀配置下应合并")

	// 更长的前缀配置下二者可区分
	wide := Options{PrefixLen: 4096, MinDescriptionLen: 10}
	assert.NotEqual(t, Compute(a, wide), Compute(b, wide))
}

func TestValidate(t *testing.T) {
	opts := DefaultOptions()

	tests := []struct {
		name     string
		mutate   func(*types.RawPosting)
		category string
		field    string
	}{
		{"空标题", func(p *types.RawPosting) { p.Title = "   " }, constants.RejectEmptyField, "title"},
		{"空公司", func(p *types.RawPosting) { p.Company = "" }, constants.RejectEmptyField, "company"},
		{"空描述", func(p *types.RawPosting) { p.Description = "\n\t" }, constants.RejectEmptyField, "description"},
		{"描述过短", func(p *types.RawPosting) { p.Description = "read more" }, constants.RejectTooShort, "description"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validPosting()
			tt.mutate(&raw)
			reason := Validate(raw, opts)
			require.NotNil(t, reason)
			assert.Equal(t, tt.category, reason.Category)
			assert.Equal(t, tt.field, reason.Field)
			assert.Equal(t, raw.SourceURL, reason.SourceURL)
		})
	}

	assert.Nil(t, Validate(validPosting(), opts), "合法记录不应被拒绝")
}
