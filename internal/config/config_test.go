package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadConfigFromFile 验证YAML配置能覆盖默认值
func TestLoadConfigFromFile(t *testing.T) {
	yamlContent := `
ingest:
  fingerprint_prefix_len: 512
  min_description_len: 120
  archive_after_days: 7
evaluator:
  model: "qwen-max"
  version: "v3"
  qpm: 12
scheduler:
  default_concurrency: 4
  max_concurrency: 8
server:
  address: ":9090"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err, "加载合法配置不应报错")
	require.NotNil(t, cfg)

	assert.Equal(t, 512, cfg.Ingest.FingerprintPrefixLen)
	assert.Equal(t, 120, cfg.Ingest.MinDescriptionLen)
	assert.Equal(t, "v3", cfg.Evaluator.Version)
	assert.Equal(t, 4, cfg.Scheduler.DefaultConcurrency)
	assert.Equal(t, ":9090", cfg.Server.Address)
	// 未出现在文件中的字段保持默认值
	assert.Equal(t, 3306, cfg.MySQL.Port)
	assert.Equal(t, "json", cfg.Logger.Format)
}

// TestLoadConfigMissingFile 配置文件缺失时应回退到默认配置
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Ingest.FingerprintPrefixLen)
	assert.Equal(t, "v1", cfg.Evaluator.Version)
}

// TestLoadConfigEnvOverride 环境变量覆盖敏感字段
func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("EVALUATOR_API_KEY", "sk-from-env")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Evaluator.APIKey)
}

// TestLoadConfigInvalid 非法取值应被拒绝
func TestLoadConfigInvalid(t *testing.T) {
	yamlContent := `
ingest:
  fingerprint_prefix_len: 0
`
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	_, err := LoadConfig(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fingerprint_prefix_len")
}

// TestDurationHelpers 验证时间换算辅助方法
func TestDurationHelpers(t *testing.T) {
	cfg := createDefaultConfig()
	assert.Equal(t, cfg.EvaluateTimeout().Seconds(), float64(cfg.Evaluator.TimeoutSeconds))

	cfg.Ingest.ArchiveAfterDays = 0
	assert.Equal(t, 14*24.0, cfg.ArchiveAfter().Hours(), "归档窗口应回退到默认14天")
}

// TestRedisTimeoutHelpers 验证Redis超时配置生效且缺省有回退
func TestRedisTimeoutHelpers(t *testing.T) {
	r := RedisConfig{
		DialTimeoutSeconds:  10,
		ReadTimeoutSeconds:  7,
		WriteTimeoutSeconds: 8,
	}
	assert.Equal(t, 10.0, r.DialTimeout().Seconds())
	assert.Equal(t, 7.0, r.ReadTimeout().Seconds())
	assert.Equal(t, 8.0, r.WriteTimeout().Seconds())

	var zero RedisConfig
	assert.Equal(t, 5.0, zero.DialTimeout().Seconds(), "未配置时连接超时回退5s")
	assert.Equal(t, 3.0, zero.ReadTimeout().Seconds())
	assert.Equal(t, 3.0, zero.WriteTimeout().Seconds())
}
