package evalcache

import (
	"sync"

	"job-agent-go/internal/types"
)

// claim 一次在途计算。done关闭即计算结束，payload/err承载胜者的结局，
// 阻塞等待的调用者据此拿到与胜者一致的结果或错误。
type claim struct {
	done    chan struct{}
	payload *types.EvaluationPayload
	err     error
}

// claimTable 进程内声明表：同一评估键同一时刻至多一个在途计算
type claimTable struct {
	mu     sync.Mutex
	claims map[string]*claim
}

func newClaimTable() *claimTable {
	return &claimTable{claims: make(map[string]*claim)}
}

// acquire 尝试声明键的计算权。返回的acquired为true表示当前调用者是胜者，
// 为false时返回已存在的声明供等待。
func (t *claimTable) acquire(key string) (*claim, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.claims[key]; ok {
		return existing, false
	}
	c := &claim{done: make(chan struct{})}
	t.claims[key] = c
	return c, true
}

// release 发布计算结局并移除声明。只能由胜者调用一次。
func (t *claimTable) release(key string, c *claim, payload *types.EvaluationPayload, err error) {
	t.mu.Lock()
	delete(t.claims, key)
	t.mu.Unlock()

	c.payload = payload
	c.err = err
	close(c.done)
}
