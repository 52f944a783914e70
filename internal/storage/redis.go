package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"job-agent-go/internal/config"
	"job-agent-go/internal/constants"
	"job-agent-go/internal/logger"
	"job-agent-go/internal/types"
)

// ErrCacheMiss 键不存在时返回，包装底层redis.Nil
var ErrCacheMiss = redis.Nil

// Redis 承担两个职责：评估计算的分布式在途声明，以及评估结果的热读缓存
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter 创建Redis客户端并注册OpenTelemetry追踪钩子
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("Redis配置不能为空")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout(),
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout())
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Warn().Err(err).Msg("注册Redis追踪钩子失败，继续运行")
	}

	return &Redis{Client: client, config: cfg}, nil
}

// Ping 健康检查
func (r *Redis) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

// Close 关闭Redis连接
func (r *Redis) Close() error {
	if r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

// ---------------------------------------------------------------------------
// 评估在途声明（分布式层）
// ---------------------------------------------------------------------------

// AcquireEvalClaim 尝试声明某个评估键的计算权。
// SET NX保证同一键跨进程至多一个声明者；返回的token标识持有者，
// 未抢到时返回空串且不报错。
func (r *Redis) AcquireEvalClaim(ctx context.Context, key types.EvaluationKey, ttl time.Duration) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis client is not initialized")
	}
	claimKey := fmt.Sprintf(constants.KeyEvalClaim, key.String())
	token := uuid.NewString()

	ok, err := r.Client.SetNX(ctx, claimKey, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("声明评估计算权失败: %w", err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseEvalClaim 释放声明。Lua脚本比较token后删除，
// 防止误删其他持有者在TTL过期后新建的声明。
func (r *Redis) ReleaseEvalClaim(ctx context.Context, key types.EvaluationKey, token string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis client is not initialized")
	}
	claimKey := fmt.Sprintf(constants.KeyEvalClaim, key.String())
	script := `
        if redis.call("get", KEYS[1]) == ARGV[1] then
            return redis.call("del", KEYS[1])
        else
            return 0
        end
    `
	res, err := r.Client.Eval(ctx, script, []string{claimKey}, token).Result()
	if err != nil {
		return false, fmt.Errorf("释放评估声明失败: %w", err)
	}
	if released, ok := res.(int64); ok && released == 1 {
		return true, nil
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// 评估结果热缓存
// ---------------------------------------------------------------------------

// GetCachedResult 读取评估结果的热缓存，未命中返回ErrCacheMiss
func (r *Redis) GetCachedResult(ctx context.Context, key types.EvaluationKey) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis client is not initialized")
	}
	resultKey := fmt.Sprintf(constants.KeyEvalResult, key.String())
	val, err := r.Client.Get(ctx, resultKey).Result()
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetCachedResult 写入评估结果热缓存。TTL到期自然淘汰，持久层在MySQL
func (r *Redis) SetCachedResult(ctx context.Context, key types.EvaluationKey, payloadJSON string) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	resultKey := fmt.Sprintf(constants.KeyEvalResult, key.String())
	ttl := r.config.ResultCacheTTL()
	return r.Client.Set(ctx, resultKey, payloadJSON, ttl).Err()
}

// InvalidateCachedResult 删除某个键的热缓存（force重评后刷新）
func (r *Redis) InvalidateCachedResult(ctx context.Context, key types.EvaluationKey) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	resultKey := fmt.Sprintf(constants.KeyEvalResult, key.String())
	return r.Client.Del(ctx, resultKey).Err()
}

// AcquireSweepLock 归档清扫的全局互斥锁，防止多实例同时清扫
func (r *Redis) AcquireSweepLock(ctx context.Context, ttl time.Duration) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis client is not initialized")
	}
	token := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, constants.KeyJobSweepLock, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseSweepLock 释放清扫锁
func (r *Redis) ReleaseSweepLock(ctx context.Context, token string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis client is not initialized")
	}
	script := `
        if redis.call("get", KEYS[1]) == ARGV[1] then
            return redis.call("del", KEYS[1])
        else
            return 0
        end
    `
	res, err := r.Client.Eval(ctx, script, []string{constants.KeyJobSweepLock}, token).Result()
	if err != nil {
		return false, err
	}
	if released, ok := res.(int64); ok && released == 1 {
		return true, nil
	}
	return false, nil
}
