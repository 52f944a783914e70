package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-agent-go/internal/constants"
	"job-agent-go/internal/evalcache"
	"job-agent-go/internal/storage/models"
	"job-agent-go/internal/types"
)

// fakeTaskStore 内存任务存储
type fakeTaskStore struct {
	mu      sync.Mutex
	tasks   map[string]*models.EvaluationTask
	items   map[string][]models.EvaluationTaskItem
	jobs    map[string]*models.JobRecord
	resumes map[string]*models.ResumeSnapshot
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		tasks:   make(map[string]*models.EvaluationTask),
		items:   make(map[string][]models.EvaluationTaskItem),
		jobs:    make(map[string]*models.JobRecord),
		resumes: make(map[string]*models.ResumeSnapshot),
	}
}

func (f *fakeTaskStore) CreateTask(ctx context.Context, task *models.EvaluationTask, items []models.EvaluationTaskItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *task
	f.tasks[task.TaskID] = &cp
	f.items[task.TaskID] = append([]models.EvaluationTaskItem(nil), items...)
	return nil
}

func (f *fakeTaskStore) MarkTaskRunning(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[taskID]; ok && t.Status == constants.TaskStatusQueued {
		t.Status = constants.TaskStatusRunning
	}
	return nil
}

func (f *fakeTaskStore) RecordItemOutcome(ctx context.Context, taskID string, key types.EvaluationKey, outcome string, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.items[taskID]
	for i := range items {
		if items[i].JobID == key.JobID {
			items[i].Outcome = outcome
			items[i].ErrorMessage = errMsg
		}
	}
	t := f.tasks[taskID]
	t.CompletedCount++
	if outcome == constants.ItemOutcomeFailed {
		t.FailedCount++
	}
	return nil
}

func (f *fakeTaskStore) FinalizeTask(ctx context.Context, taskID string, status string, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	t.Status = status
	t.LastError = lastError
	return nil
}

func (f *fakeTaskStore) GetTask(ctx context.Context, taskID string) (*models.EvaluationTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[taskID]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, errors.New("task not found")
}

func (f *fakeTaskStore) GetTaskItems(ctx context.Context, taskID string) ([]models.EvaluationTaskItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.EvaluationTaskItem(nil), f.items[taskID]...), nil
}

func (f *fakeTaskStore) ListTasks(ctx context.Context, limit int) ([]models.EvaluationTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.EvaluationTask
	for _, t := range f.tasks {
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeTaskStore) GetJob(ctx context.Context, jobID string, includeDeleted bool) (*models.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[jobID]; ok {
		cp := *j
		return &cp, nil
	}
	return nil, errors.New("job not found")
}

func (f *fakeTaskStore) GetResumeSnapshot(ctx context.Context, candidateID string, version int) (*models.ResumeSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.resumes[fmt.Sprintf("%s:%d", candidateID, version)]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, errors.New("resume snapshot not found")
}

// memResultStore evalcache的内存实现
type memResultStore struct {
	mu      sync.Mutex
	results map[string]*types.EvaluationPayload
}

func (s *memResultStore) Get(ctx context.Context, key types.EvaluationKey) (*types.EvaluationPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.results[key.String()]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, evalcache.ErrResultNotFound
}

func (s *memResultStore) Save(ctx context.Context, key types.EvaluationKey, payload *types.EvaluationPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *payload
	s.results[key.String()] = &cp
	return nil
}

// scriptedEvaluator 按岗位ID决定成败的评估器
type scriptedEvaluator struct {
	mu      sync.Mutex
	failFor map[string]bool
	calls   int
}

func (e *scriptedEvaluator) Evaluate(ctx context.Context, job *models.JobRecord, resume *models.ResumeSnapshot) (*types.EvaluationPayload, error) {
	e.mu.Lock()
	e.calls++
	fail := e.failFor[job.JobID]
	e.mu.Unlock()
	if fail {
		return nil, errors.New("evaluator upstream error")
	}
	return &types.EvaluationPayload{MatchScore: 70, Verdict: "Moderate Match"}, nil
}

func (e *scriptedEvaluator) Version() string { return "eval-v1" }

func setup(t *testing.T, jobIDs []string) (*Scheduler, *fakeTaskStore, *scriptedEvaluator) {
	t.Helper()
	store := newFakeTaskStore()
	for _, id := range jobIDs {
		store.jobs[id] = &models.JobRecord{JobID: id, Title: "岗位" + id, Company: "Acme", Description: "desc", Status: constants.JobStatusActive}
	}
	store.resumes["master:1"] = &models.ResumeSnapshot{CandidateID: "master", Version: 1, Content: "resume"}

	eval := &scriptedEvaluator{failFor: make(map[string]bool)}
	cache := evalcache.New(&memResultStore{results: make(map[string]*types.EvaluationPayload)}, nil, time.Minute)
	return New(store, cache, eval, 2, 4), store, eval
}

func submitAndWait(t *testing.T, s *Scheduler, req SubmitRequest) string {
	t.Helper()
	taskID, err := s.Submit(context.Background(), req)
	require.NoError(t, err)
	s.Wait()
	return taskID
}

func TestSubmitRunsToCompletion(t *testing.T) {
	jobIDs := []string{"j1", "j2", "j3"}
	s, _, eval := setup(t, jobIDs)

	taskID := submitAndWait(t, s, SubmitRequest{JobIDs: jobIDs, CandidateID: "master", ResumeVersion: 1})

	status, err := s.Status(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStatusCompleted, status.Task.Status)
	assert.Equal(t, 3, status.Progress.Completed)
	assert.Equal(t, 0, status.Progress.Failed)
	assert.Equal(t, 3, eval.calls)

	items, err := s.Items(context.Background(), taskID)
	require.NoError(t, err)
	for _, item := range items {
		assert.Equal(t, constants.ItemOutcomeSucceeded, item.Outcome)
	}
}

func TestSubmitPartialFailureIsCompleted(t *testing.T) {
	jobIDs := []string{"j1", "j2", "j3"}
	s, _, eval := setup(t, jobIDs)
	eval.failFor["j2"] = true

	taskID := submitAndWait(t, s, SubmitRequest{JobIDs: jobIDs, CandidateID: "master", ResumeVersion: 1})

	status, err := s.Status(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStatusCompleted, status.Task.Status, "部分失败的任务仍应是Completed")
	assert.Equal(t, 3, status.Progress.Completed)
	assert.Equal(t, 1, status.Progress.Failed)
	assert.Contains(t, status.Task.LastError, "1/3")
}

func TestSubmitAllFailedIsFailed(t *testing.T) {
	jobIDs := []string{"j1", "j2"}
	s, _, eval := setup(t, jobIDs)
	eval.failFor["j1"] = true
	eval.failFor["j2"] = true

	taskID := submitAndWait(t, s, SubmitRequest{JobIDs: jobIDs, CandidateID: "master", ResumeVersion: 1})

	status, err := s.Status(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStatusFailed, status.Task.Status, "全部条目失败应定稿为Failed")
	assert.Equal(t, 2, status.Progress.Failed)
	assert.NotEmpty(t, status.Task.LastError)
}

func TestSubmitEmptyBatch(t *testing.T) {
	s, _, _ := setup(t, nil)
	_, err := s.Submit(context.Background(), SubmitRequest{JobIDs: nil, CandidateID: "master", ResumeVersion: 1})
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestSubmitMissingResumeRejected(t *testing.T) {
	s, store, _ := setup(t, []string{"j1"})
	_, err := s.Submit(context.Background(), SubmitRequest{JobIDs: []string{"j1"}, CandidateID: "master", ResumeVersion: 99})
	require.Error(t, err, "快照缺失是系统性失败，应拒绝提交")

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.tasks, "拒绝提交时不应创建任务")
}

func TestConcurrencyClamped(t *testing.T) {
	jobIDs := []string{"j1"}
	s, store, _ := setup(t, jobIDs)

	taskID := submitAndWait(t, s, SubmitRequest{JobIDs: jobIDs, CandidateID: "master", ResumeVersion: 1, Concurrency: 100})

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 4, store.tasks[taskID].Concurrency, "并发应被钳制到上限")
}

func TestMissingJobMarksItemFailed(t *testing.T) {
	s, store, _ := setup(t, []string{"j1"})
	jobIDs := []string{"j1", "ghost"}
	store.mu.Lock()
	store.resumes["master:1"] = &models.ResumeSnapshot{CandidateID: "master", Version: 1, Content: "resume"}
	store.mu.Unlock()

	taskID := submitAndWait(t, s, SubmitRequest{JobIDs: jobIDs, CandidateID: "master", ResumeVersion: 1})

	items, err := s.Items(context.Background(), taskID)
	require.NoError(t, err)
	outcomes := map[string]string{}
	for _, item := range items {
		outcomes[item.JobID] = item.Outcome
	}
	assert.Equal(t, constants.ItemOutcomeSucceeded, outcomes["j1"])
	assert.Equal(t, constants.ItemOutcomeFailed, outcomes["ghost"], "缺失岗位的条目应标记失败而不是拖垮任务")
}

func TestBatchReusesCachedResults(t *testing.T) {
	jobIDs := []string{"j1", "j2"}
	s, _, eval := setup(t, jobIDs)

	submitAndWait(t, s, SubmitRequest{JobIDs: jobIDs, CandidateID: "master", ResumeVersion: 1})
	require.Equal(t, 2, eval.calls)

	// 第二次提交同一批，全部命中缓存
	submitAndWait(t, s, SubmitRequest{JobIDs: jobIDs, CandidateID: "master", ResumeVersion: 1})
	assert.Equal(t, 2, eval.calls, "缓存命中不应重复调用评估器")
}

func TestSubmitDeduplicatesJobIDs(t *testing.T) {
	s, _, eval := setup(t, []string{"j1", "j2"})

	taskID := submitAndWait(t, s, SubmitRequest{
		JobIDs:        []string{"j1", "j2", "j1", "j2", "j1"},
		CandidateID:   "master",
		ResumeVersion: 1,
	})

	status, err := s.Status(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStatusCompleted, status.Task.Status)
	assert.Equal(t, 2, status.Progress.Total, "重复的岗位ID应在建任务前去重")

	items, err := s.Items(context.Background(), taskID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "j1", items[0].JobID, "去重应保留首次出现的顺序")
	assert.Equal(t, "j2", items[1].JobID)
	assert.Equal(t, 2, eval.calls)
}
