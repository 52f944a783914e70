package storage

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-agent-go/internal/config"
	"job-agent-go/internal/constants"
	"job-agent-go/internal/types"
)

// testMySQL 按环境变量连接测试库，未配置时跳过。
// 需要: MYSQL_TEST_HOST (必需), MYSQL_TEST_PORT/USER/PASSWORD/DATABASE (可选)
func testMySQL(t *testing.T) *MySQL {
	t.Helper()

	host := os.Getenv("MYSQL_TEST_HOST")
	if host == "" {
		t.Skip("未设置MYSQL_TEST_HOST，跳过MySQL集成测试")
	}

	port := 3306
	if v := os.Getenv("MYSQL_TEST_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		require.NoError(t, err, "MYSQL_TEST_PORT 必须是数字")
		port = p
	}
	username := os.Getenv("MYSQL_TEST_USER")
	if username == "" {
		username = "root"
	}
	database := os.Getenv("MYSQL_TEST_DATABASE")
	if database == "" {
		database = "job_agent_test"
	}

	cfg := &config.MySQLConfig{
		Host:     host,
		Port:     port,
		Username: username,
		Password: os.Getenv("MYSQL_TEST_PASSWORD"),
		Database: database,
		LogLevel: 1,
	}
	m, err := NewMySQL(cfg)
	if err != nil {
		t.Skipf("连接测试MySQL失败，跳过: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// uniqueCandidate 每次调用产生独立指纹，避免测试库中的历史数据互相干扰
func uniqueCandidate(t *testing.T) types.CandidateRecord {
	t.Helper()
	fp := uuid.NewString()
	return types.CandidateRecord{
		Fingerprint: fp,
		Title:       "Go后端工程师-" + fp[:8],
		Company:     "集成测试公司",
		Description: "负责岗位摄取与评估服务的开发维护，要求熟悉Go并发模型与MySQL。",
		Location:    "远程",
	}
}

func TestUpsertJobIdempotentReplay(t *testing.T) {
	m := testMySQL(t)
	ctx := context.Background()
	candidate := uniqueCandidate(t)

	first, isNew, err := m.UpsertJobByFingerprint(ctx, candidate)
	require.NoError(t, err)
	assert.True(t, isNew, "首次摄取应创建记录")
	assert.Equal(t, constants.JobStatusActive, first.Status)

	candidate.Location = "上海"
	second, isNew, err := m.UpsertJobByFingerprint(ctx, candidate)
	require.NoError(t, err)
	assert.False(t, isNew, "同指纹重放应走更新路径")
	assert.Equal(t, first.JobID, second.JobID, "重放不得产生新记录")
	assert.Equal(t, "上海", second.Location, "重放应吸收字段修正")
	assert.False(t, second.LastSeenAt.Before(first.LastSeenAt), "重放应刷新last_seen_at")
}

func TestUpsertJobConcurrentFirstInsert(t *testing.T) {
	m := testMySQL(t)
	ctx := context.Background()
	candidate := uniqueCandidate(t)

	const writers = 8
	var wg sync.WaitGroup
	jobIDs := make([]string, writers)
	errs := make([]error, writers)
	createdCnt := make([]bool, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			job, isNew, err := m.UpsertJobByFingerprint(ctx, candidate)
			errs[idx] = err
			if err == nil {
				jobIDs[idx] = job.JobID
				createdCnt[idx] = isNew
			}
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i], "并发首插的竞态败者应通过重试收敛，而不是报错")
		assert.Equal(t, jobIDs[0], jobIDs[i], "所有写入者应收敛到同一条记录")
		if createdCnt[i] {
			created++
		}
	}
	assert.Equal(t, 1, created, "同一指纹只应有一个创建者")
}

func TestJobSoftDeleteLifecycle(t *testing.T) {
	m := testMySQL(t)
	ctx := context.Background()

	job, _, err := m.UpsertJobByFingerprint(ctx, uniqueCandidate(t))
	require.NoError(t, err)

	// ACTIVE -> ARCHIVED -> ACTIVE 是合法的往返（岗位重新被抓取命中）
	require.NoError(t, m.SetJobStatus(ctx, job.JobID, constants.JobStatusArchived))
	require.NoError(t, m.SetJobStatus(ctx, job.JobID, constants.JobStatusActive))

	// 软删除
	require.NoError(t, m.SetJobStatus(ctx, job.JobID, constants.JobStatusDeleted))

	_, err = m.GetJob(ctx, job.JobID, false)
	assert.ErrorIs(t, err, ErrNotFound, "默认读取应排除软删除记录")

	got, err := m.GetJob(ctx, job.JobID, true)
	require.NoError(t, err, "includeDeleted应能读到软删除记录")
	assert.Equal(t, constants.JobStatusDeleted, got.Status)

	// DELETED是终态
	err = m.SetJobStatus(ctx, job.JobID, constants.JobStatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition, "软删除记录不允许复活")
	err = m.SetJobStatus(ctx, job.JobID, constants.JobStatusArchived)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// 重放摄取只刷新字段，不改变删除状态
	candidate := uniqueCandidate(t)
	candidate.Fingerprint = job.Fingerprint
	_, isNew, err := m.UpsertJobByFingerprint(ctx, candidate)
	require.NoError(t, err)
	assert.False(t, isNew)
	got, err = m.GetJob(ctx, job.JobID, true)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusDeleted, got.Status, "重放不得把软删除记录带回列表")
}

func TestListJobsExcludesDeleted(t *testing.T) {
	m := testMySQL(t)
	ctx := context.Background()

	active, _, err := m.UpsertJobByFingerprint(ctx, uniqueCandidate(t))
	require.NoError(t, err)
	deleted, _, err := m.UpsertJobByFingerprint(ctx, uniqueCandidate(t))
	require.NoError(t, err)
	require.NoError(t, m.SetJobStatus(ctx, deleted.JobID, constants.JobStatusDeleted))

	seen := make(map[string]bool)
	for page := 1; ; page++ {
		jobs, _, err := m.ListJobs(ctx, "", page, 200)
		require.NoError(t, err)
		if len(jobs) == 0 {
			break
		}
		for _, j := range jobs {
			seen[j.JobID] = true
			assert.NotEqual(t, constants.JobStatusDeleted, j.Status, "列表中不允许出现软删除记录")
		}
	}
	assert.True(t, seen[active.JobID], "活跃记录应出现在列表中")
	assert.False(t, seen[deleted.JobID], "软删除记录不应出现在列表中")
}

func TestListJobsStatusFilter(t *testing.T) {
	m := testMySQL(t)
	ctx := context.Background()

	job, _, err := m.UpsertJobByFingerprint(ctx, uniqueCandidate(t))
	require.NoError(t, err)
	require.NoError(t, m.SetJobStatus(ctx, job.JobID, constants.JobStatusArchived))

	jobs, total, err := m.ListJobs(ctx, constants.JobStatusArchived, 1, 200)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, int64(1))
	found := false
	for _, j := range jobs {
		assert.Equal(t, constants.JobStatusArchived, j.Status)
		if j.JobID == job.JobID {
			found = true
		}
	}
	assert.True(t, found, "按状态过滤应能查到刚归档的记录")
}

func TestArchiveStaleJobs(t *testing.T) {
	m := testMySQL(t)
	ctx := context.Background()

	job, _, err := m.UpsertJobByFingerprint(ctx, uniqueCandidate(t))
	require.NoError(t, err)

	// 窗口取未来时间，刚写入的记录一定满足last_seen_at早于该时刻
	n, err := m.ArchiveStaleJobs(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	got, err := m.GetJob(ctx, job.JobID, false)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusArchived, got.Status, "超窗的活跃记录应被归档")

	// 归档后再次被抓取命中，状态由显式转换恢复
	require.NoError(t, m.SetJobStatus(ctx, job.JobID, constants.JobStatusActive))
	_, err = m.ArchiveStaleJobs(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	got, err = m.GetJob(ctx, job.JobID, false)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusActive, got.Status, "窗口内的记录不应被归档")
}

func TestGetJobNotFound(t *testing.T) {
	m := testMySQL(t)

	_, err := m.GetJob(context.Background(), "no-such-job-"+uuid.NewString(), true)
	assert.ErrorIs(t, err, ErrNotFound)
}
