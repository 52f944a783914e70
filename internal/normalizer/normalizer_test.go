package normalizer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-agent-go/internal/constants"
	"job-agent-go/internal/fingerprint"
	"job-agent-go/internal/types"
)

func testNormalizer() *Normalizer {
	return New(fingerprint.Options{PrefixLen: 256, MinDescriptionLen: 40})
}

func rawPosting(title string) types.RawPosting {
	return types.RawPosting{
		Title:       title,
		Company:     "Acme",
		Description: strings.Repeat("Build pipelines for analytics workloads. ", 3),
		Location:    "Remote",
		PostedAt:    "2025-11-02",
		SourceURL:   "https://example.com/jobs/" + title,
	}
}

// TestNormalizeAcceptsValid 合法记录应全部通过并携带指纹
func TestNormalizeAcceptsValid(t *testing.T) {
	n := testNormalizer()
	res := n.Normalize(context.Background(), []types.RawPosting{
		rawPosting("a"), rawPosting("b"),
	})

	require.Len(t, res.Accepted, 2)
	assert.Empty(t, res.Rejected)
	assert.NotEqual(t, res.Accepted[0].Fingerprint, res.Accepted[1].Fingerprint)

	require.NotNil(t, res.Accepted[0].PostedAt)
	assert.Equal(t, 2025, res.Accepted[0].PostedAt.Year())
	assert.Equal(t, time.November, res.Accepted[0].PostedAt.Month())
}

// TestNormalizeRejectsInvalid 非法记录被拒绝且原因可追溯
func TestNormalizeRejectsInvalid(t *testing.T) {
	n := testNormalizer()

	empty := rawPosting("empty")
	empty.Company = "  "
	short := rawPosting("short")
	short.Description = "see details inside"

	res := n.Normalize(context.Background(), []types.RawPosting{
		empty, short, rawPosting("ok"),
	})

	require.Len(t, res.Accepted, 1)
	require.Len(t, res.Rejected, 2)
	assert.Equal(t, constants.RejectEmptyField, res.Rejected[0].Category)
	assert.Equal(t, constants.RejectTooShort, res.Rejected[1].Category)
	assert.Equal(t, empty.SourceURL, res.Rejected[0].SourceURL)
}

// TestNormalizeMalformedDate 坏日期降级为unknown而不拒绝整条记录
func TestNormalizeMalformedDate(t *testing.T) {
	n := testNormalizer()

	bad := rawPosting("bad-date")
	bad.PostedAt = "posted yesterday-ish???"

	res := n.Normalize(context.Background(), []types.RawPosting{bad})

	require.Len(t, res.Accepted, 1, "坏日期不应导致整条记录被拒绝")
	assert.Nil(t, res.Accepted[0].PostedAt, "无法解析的时间应回退为unknown")
	require.Len(t, res.Rejected, 1, "坏日期仍需要留痕")
	assert.Equal(t, constants.RejectMalformedDate, res.Rejected[0].Category)
}

// TestNormalizeMissingDate 来源未提供时间不算异常
func TestNormalizeMissingDate(t *testing.T) {
	n := testNormalizer()

	noDate := rawPosting("no-date")
	noDate.PostedAt = ""

	res := n.Normalize(context.Background(), []types.RawPosting{noDate})
	require.Len(t, res.Accepted, 1)
	assert.Nil(t, res.Accepted[0].PostedAt)
	assert.Empty(t, res.Rejected)
}

// TestNormalizeTrimsFields 结构化字段应去除首尾空白
func TestNormalizeTrimsFields(t *testing.T) {
	n := testNormalizer()

	raw := rawPosting("trim")
	raw.Title = "  Data Engineer  "
	raw.Location = " Berlin "

	res := n.Normalize(context.Background(), []types.RawPosting{raw})
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, "Data Engineer", res.Accepted[0].Title)
	assert.Equal(t, "Berlin", res.Accepted[0].Location)
}
