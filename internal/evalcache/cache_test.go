package evalcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-agent-go/internal/types"
)

// memStore 纯内存的评估结果存储
type memStore struct {
	mu      sync.Mutex
	results map[string]*types.EvaluationPayload
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{results: make(map[string]*types.EvaluationPayload)}
}

func (s *memStore) Get(ctx context.Context, key types.EvaluationKey) (*types.EvaluationPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.results[key.String()]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, ErrResultNotFound
}

func (s *memStore) Save(ctx context.Context, key types.EvaluationKey, payload *types.EvaluationPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *payload
	s.results[key.String()] = &cp
	return nil
}

func testKey() types.EvaluationKey {
	return types.EvaluationKey{
		JobID:            "job-1",
		CandidateID:      "master",
		ResumeVersion:    1,
		EvaluatorVersion: "eval-v1",
	}
}

func payloadWithScore(score int) *types.EvaluationPayload {
	return &types.EvaluationPayload{MatchScore: score, Verdict: "Strong Match", Summary: "ok"}
}

func TestGetOrComputeCachesResult(t *testing.T) {
	store := newMemStore()
	cache := New(store, nil, time.Minute)

	var calls int32
	compute := func(ctx context.Context) (*types.EvaluationPayload, error) {
		atomic.AddInt32(&calls, 1)
		return payloadWithScore(80), nil
	}

	p1, err := cache.GetOrCompute(context.Background(), testKey(), compute, Options{})
	require.NoError(t, err)
	assert.Equal(t, 80, p1.MatchScore)

	p2, err := cache.GetOrCompute(context.Background(), testKey(), compute, Options{})
	require.NoError(t, err)
	assert.Equal(t, 80, p2.MatchScore)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "命中缓存后不应再次计算")
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	store := newMemStore()
	cache := New(store, nil, time.Minute)

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (*types.EvaluationPayload, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		return payloadWithScore(70), nil
	}

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]*types.EvaluationPayload, waiters)
	errs := make([]error, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = cache.GetOrCompute(context.Background(), testKey(), compute, Options{})
		}(i)
	}

	<-started
	// 所有后续调用者此刻要么在排队要么还没进来，放行计算
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "同一键并发调用只应触发一次计算")
	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 70, results[i].MatchScore, "所有调用者应拿到同一结果")
	}
}

func TestGetOrComputeNonBlocking(t *testing.T) {
	store := newMemStore()
	cache := New(store, nil, time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (*types.EvaluationPayload, error) {
		close(started)
		<-release
		return payloadWithScore(60), nil
	}

	go func() {
		_, _ = cache.GetOrCompute(context.Background(), testKey(), compute, Options{})
	}()
	<-started

	_, err := cache.GetOrCompute(context.Background(), testKey(), compute, Options{NonBlocking: true})
	assert.ErrorIs(t, err, ErrComputeInFlight, "非阻塞调用者遇到在途计算应立即让路")

	close(release)
}

func TestGetOrComputeNoPoisonCaching(t *testing.T) {
	store := newMemStore()
	cache := New(store, nil, time.Minute)

	var calls int32
	boom := errors.New("evaluator unavailable")
	failing := func(ctx context.Context) (*types.EvaluationPayload, error) {
		atomic.AddInt32(&calls, 1)
		return nil, boom
	}

	_, err := cache.GetOrCompute(context.Background(), testKey(), failing, Options{})
	require.ErrorIs(t, err, boom)

	// 失败不落盘，下一个调用者重新计算并成功
	succeeding := func(ctx context.Context) (*types.EvaluationPayload, error) {
		atomic.AddInt32(&calls, 1)
		return payloadWithScore(90), nil
	}
	p, err := cache.GetOrCompute(context.Background(), testKey(), succeeding, Options{})
	require.NoError(t, err)
	assert.Equal(t, 90, p.MatchScore)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestBlockedCallersSeeWinnerError(t *testing.T) {
	store := newMemStore()
	cache := New(store, nil, time.Minute)

	boom := errors.New("quota exhausted")
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (*types.EvaluationPayload, error) {
		close(started)
		<-release
		return nil, boom
	}

	winnerErr := make(chan error, 1)
	go func() {
		_, err := cache.GetOrCompute(context.Background(), testKey(), compute, Options{})
		winnerErr <- err
	}()
	<-started

	followerErr := make(chan error, 1)
	go func() {
		_, err := cache.GetOrCompute(context.Background(), testKey(), compute, Options{})
		followerErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	assert.ErrorIs(t, <-winnerErr, boom)
	assert.ErrorIs(t, <-followerErr, boom, "排队的调用者应看到胜者的失败结局")
}

func TestForceRecompute(t *testing.T) {
	store := newMemStore()
	cache := New(store, nil, time.Minute)

	_, err := cache.GetOrCompute(context.Background(), testKey(), func(ctx context.Context) (*types.EvaluationPayload, error) {
		return payloadWithScore(50), nil
	}, Options{})
	require.NoError(t, err)

	p, err := cache.GetOrCompute(context.Background(), testKey(), func(ctx context.Context) (*types.EvaluationPayload, error) {
		return payloadWithScore(85), nil
	}, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 85, p.MatchScore, "force应无视缓存重新计算")

	got, err := cache.Get(context.Background(), testKey())
	require.NoError(t, err)
	assert.Equal(t, 85, got.MatchScore, "新结果应覆盖旧缓存")
}

func TestKeyIsolation(t *testing.T) {
	store := newMemStore()
	cache := New(store, nil, time.Minute)

	keyV1 := testKey()
	keyV2 := testKey()
	keyV2.ResumeVersion = 2

	var calls int32
	compute := func(score int) ComputeFunc {
		return func(ctx context.Context) (*types.EvaluationPayload, error) {
			atomic.AddInt32(&calls, 1)
			return payloadWithScore(score), nil
		}
	}

	p1, err := cache.GetOrCompute(context.Background(), keyV1, compute(40), Options{})
	require.NoError(t, err)
	p2, err := cache.GetOrCompute(context.Background(), keyV2, compute(75), Options{})
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "不同简历版本是不同的键，各算各的")
	assert.Equal(t, 40, p1.MatchScore)
	assert.Equal(t, 75, p2.MatchScore)
}

func TestSaveFailureNotCached(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	cache := New(store, nil, time.Minute)

	_, err := cache.GetOrCompute(context.Background(), testKey(), func(ctx context.Context) (*types.EvaluationPayload, error) {
		return payloadWithScore(66), nil
	}, Options{})
	require.Error(t, err, "落盘失败应向调用者报错")

	store.saveErr = nil
	_, err = cache.Get(context.Background(), testKey())
	assert.ErrorIs(t, err, ErrResultNotFound, "落盘失败后不应有缓存条目")
}

// fakeDist 可脚本化的分布式声明层
type fakeDist struct {
	mu     sync.Mutex
	held   map[string]string
	denied bool
	// onAcquire 在处理声明请求前回调，用于编排跨goroutine时序
	onAcquire func()
}

func newFakeDist() *fakeDist {
	return &fakeDist{held: make(map[string]string)}
}

func (d *fakeDist) AcquireEvalClaim(ctx context.Context, key types.EvaluationKey, ttl time.Duration) (string, error) {
	if d.onAcquire != nil {
		d.onAcquire()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.denied {
		return "", nil
	}
	if _, ok := d.held[key.String()]; ok {
		return "", nil
	}
	token := "token-" + key.String()
	d.held[key.String()] = token
	return token, nil
}

func (d *fakeDist) ReleaseEvalClaim(ctx context.Context, key types.EvaluationKey, token string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held[key.String()] == token {
		delete(d.held, key.String())
		return true, nil
	}
	return false, nil
}

func TestDistributedClaimDenied(t *testing.T) {
	store := newMemStore()
	dist := newFakeDist()
	dist.denied = true
	cache := New(store, dist, time.Minute)

	// 远端持有声明，非阻塞调用立即让路
	_, err := cache.GetOrCompute(context.Background(), testKey(), func(ctx context.Context) (*types.EvaluationPayload, error) {
		t.Fatal("不应触发计算")
		return nil, nil
	}, Options{NonBlocking: true})
	assert.ErrorIs(t, err, ErrComputeInFlight)
}

func TestDistributedClaimReleased(t *testing.T) {
	store := newMemStore()
	dist := newFakeDist()
	cache := New(store, dist, time.Minute)

	p, err := cache.GetOrCompute(context.Background(), testKey(), func(ctx context.Context) (*types.EvaluationPayload, error) {
		return payloadWithScore(77), nil
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 77, p.MatchScore)

	dist.mu.Lock()
	defer dist.mu.Unlock()
	assert.Empty(t, dist.held, "计算结束后应释放分布式声明")
}

func TestAwaitRemotePollsStore(t *testing.T) {
	store := newMemStore()
	dist := newFakeDist()
	dist.denied = true
	cache := New(store, dist, time.Minute)

	// 模拟远端进程稍后写入结果
	go func() {
		time.Sleep(700 * time.Millisecond)
		_ = store.Save(context.Background(), testKey(), payloadWithScore(55))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := cache.GetOrCompute(ctx, testKey(), func(ctx context.Context) (*types.EvaluationPayload, error) {
		t.Fatal("远端在算时本地不应计算")
		return nil, nil
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 55, p.MatchScore, "阻塞调用者最终应拿到远端写入的结果")
}

func TestBlockedFollowerWaitsForRemoteResult(t *testing.T) {
	store := newMemStore()
	dist := newFakeDist()
	dist.denied = true

	winnerInDist := make(chan struct{})
	releaseDenial := make(chan struct{})
	dist.onAcquire = func() {
		close(winnerInDist)
		<-releaseDenial
	}

	cache := New(store, dist, time.Minute)
	compute := func(ctx context.Context) (*types.EvaluationPayload, error) {
		t.Error("远端持有声明时不应触发本地计算")
		return nil, errors.New("unexpected compute")
	}

	var wg sync.WaitGroup
	results := make([]*types.EvaluationPayload, 2)
	errs := make([]error, 2)

	// 胜者先拿到进程内声明，停在分布式声明请求里
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = cache.GetOrCompute(context.Background(), testKey(), compute, Options{})
	}()
	<-winnerInDist

	// 阻塞的跟随者排在胜者的进程内声明后面
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = cache.GetOrCompute(context.Background(), testKey(), compute, Options{})
	}()
	time.Sleep(100 * time.Millisecond)

	// 远端进程算完落盘，随后分布式声明对本进程返回拒绝
	require.NoError(t, store.Save(context.Background(), testKey(), payloadWithScore(66)))
	close(releaseDenial)

	wg.Wait()
	for i := range errs {
		require.NoError(t, errs[i], "阻塞调用者应等到远端结果而不是在途错误")
		assert.NotErrorIs(t, errs[i], ErrComputeInFlight)
		assert.Equal(t, 66, results[i].MatchScore)
	}
}
