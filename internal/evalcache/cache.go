package evalcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"job-agent-go/internal/logger"
	"job-agent-go/internal/types"
)

var cacheTracer = otel.Tracer("job-agent-go/evalcache")

// ErrComputeInFlight 同一评估键已有计算在途，非阻塞调用者据此稍后重试
var ErrComputeInFlight = errors.New("evaluation compute already in flight")

// errRemoteInFlight 本地胜者败给了远端声明持有者。只在声明表内部流转：
// 阻塞的跟随者据此转入轮询持久层，而不是把在途错误抛给调用方
var errRemoteInFlight = errors.New("remote process holds the evaluation claim")

// distributedPollInterval 其他进程持有分布式声明时，阻塞调用者轮询持久层的间隔
const distributedPollInterval = 500 * time.Millisecond

// ComputeFunc 一次评估计算。成功的结果会被缓存，失败只传播不落盘。
type ComputeFunc func(ctx context.Context) (*types.EvaluationPayload, error)

// Options 单次GetOrCompute的行为开关
type Options struct {
	// Force 无视已有缓存强制重算，新结果覆盖旧结果
	Force bool
	// NonBlocking 遇到在途计算立即返回ErrComputeInFlight而不等待
	NonBlocking bool
}

// DistributedClaims 跨进程声明层。单进程部署可为nil，
// 此时进程内声明表独自保证互斥。
type DistributedClaims interface {
	AcquireEvalClaim(ctx context.Context, key types.EvaluationKey, ttl time.Duration) (string, error)
	ReleaseEvalClaim(ctx context.Context, key types.EvaluationKey, token string) (bool, error)
}

// Cache 评估结果缓存。核心约定：
//   - 命中即返回，绝不触发计算
//   - 未命中时同一键至多一个计算在途，其余调用者等待或立即让路
//   - 计算失败不缓存错误，下一个调用者重新计算
type Cache struct {
	store    Store
	dist     DistributedClaims
	claims   *claimTable
	claimTTL time.Duration
}

// New 创建评估缓存。claimTTL约束分布式声明的存活时间，
// 应大于单次计算超时，持有者崩溃后声明自动过期。
func New(store Store, dist DistributedClaims, claimTTL time.Duration) *Cache {
	if claimTTL <= 0 {
		claimTTL = 3 * time.Minute
	}
	return &Cache{
		store:    store,
		dist:     dist,
		claims:   newClaimTable(),
		claimTTL: claimTTL,
	}
}

// Get 只读访问，未计算时返回ErrResultNotFound
func (c *Cache) Get(ctx context.Context, key types.EvaluationKey) (*types.EvaluationPayload, error) {
	return c.store.Get(ctx, key)
}

// GetOrCompute 读取评估结果，未命中时触发计算。
func (c *Cache) GetOrCompute(ctx context.Context, key types.EvaluationKey, compute ComputeFunc, opts Options) (*types.EvaluationPayload, error) {
	ctx, span := cacheTracer.Start(ctx, "EvalCache.GetOrCompute")
	span.SetAttributes(
		attribute.String("eval.key", key.String()),
		attribute.Bool("eval.force", opts.Force),
	)
	defer span.End()

	if !opts.Force {
		payload, err := c.store.Get(ctx, key)
		if err == nil {
			span.SetAttributes(attribute.String("eval.outcome", "hit"))
			return payload, nil
		}
		if !errors.Is(err, ErrResultNotFound) {
			return nil, err
		}
	}

	cl, acquired := c.claims.acquire(key.String())
	if !acquired {
		if opts.NonBlocking {
			span.SetAttributes(attribute.String("eval.outcome", "in_flight"))
			return nil, ErrComputeInFlight
		}
		return c.awaitClaim(ctx, key, cl)
	}

	// 本进程胜者。再抢分布式声明，抢不到说明别的进程在算。
	var distToken string
	if c.dist != nil {
		token, err := c.dist.AcquireEvalClaim(ctx, key, c.claimTTL)
		if err != nil {
			// 声明层故障时退化为进程内互斥，不阻断计算
			logger.Ctx(ctx).Warn().Err(err).Str("key", key.String()).Msg("获取分布式评估声明失败，退化为进程内互斥")
		} else if token == "" {
			c.claims.release(key.String(), cl, nil, errRemoteInFlight)
			if opts.NonBlocking {
				span.SetAttributes(attribute.String("eval.outcome", "in_flight_remote"))
				return nil, ErrComputeInFlight
			}
			return c.awaitRemote(ctx, key)
		} else {
			distToken = token
		}
	}

	payload, err := c.runCompute(ctx, key, compute)

	if distToken != "" {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if _, relErr := c.dist.ReleaseEvalClaim(releaseCtx, key, distToken); relErr != nil {
			logger.Ctx(ctx).Warn().Err(relErr).Str("key", key.String()).Msg("释放分布式评估声明失败，等待TTL过期")
		}
		cancel()
	}

	c.claims.release(key.String(), cl, payload, err)

	if err != nil {
		span.SetAttributes(attribute.String("eval.outcome", "compute_failed"))
		return nil, err
	}
	span.SetAttributes(attribute.String("eval.outcome", "computed"))
	return payload, nil
}

// runCompute 执行计算并持久化。计算或落盘失败都不产生缓存条目。
func (c *Cache) runCompute(ctx context.Context, key types.EvaluationKey, compute ComputeFunc) (*types.EvaluationPayload, error) {
	payload, err := compute(ctx)
	if err != nil {
		return nil, fmt.Errorf("评估计算失败: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("评估计算返回空结果")
	}
	if err := c.store.Save(ctx, key, payload); err != nil {
		return nil, fmt.Errorf("持久化评估结果失败: %w", err)
	}
	return payload, nil
}

// awaitClaim 等待进程内胜者发布结局。
// 胜者败给远端声明时，阻塞的跟随者和胜者一样转入轮询持久层。
func (c *Cache) awaitClaim(ctx context.Context, key types.EvaluationKey, cl *claim) (*types.EvaluationPayload, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cl.done:
	}
	if errors.Is(cl.err, errRemoteInFlight) {
		return c.awaitRemote(ctx, key)
	}
	if cl.err != nil {
		return nil, cl.err
	}
	return cl.payload, nil
}

// awaitRemote 其他进程在算，轮询持久层直到结果出现或上下文取消
func (c *Cache) awaitRemote(ctx context.Context, key types.EvaluationKey) (*types.EvaluationPayload, error) {
	ticker := time.NewTicker(distributedPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			payload, err := c.store.Get(ctx, key)
			if err == nil {
				return payload, nil
			}
			if !errors.Is(err, ErrResultNotFound) {
				return nil, err
			}
			// 远端可能已失败放弃：声明消失且结果仍缺席时接管计算权没有意义，
			// 保持轮询直到调用方超时，由上层决定是否重试
		}
	}
}
