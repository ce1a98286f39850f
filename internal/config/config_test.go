package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadFromYAML resets viper, points it at an in-test config file, and runs
// Load. Each test gets a fresh viper instance state.
func loadFromYAML(t *testing.T, yaml string) (*EssentialConfig, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "agentcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())

	return Load()
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFromYAML(t, "")
	require.NoError(t, err)

	assert.Equal(t, "agentcore.db", cfg.Database.MainDB)
	assert.Equal(t, "agentcore_secrets.db", cfg.Database.SecretsDB)
	assert.Equal(t, "agentcore_audit.db", cfg.Database.AuditDB)
	assert.Equal(t, "60s", cfg.Services.LLMTimeout)
	assert.Equal(t, 3, cfg.Services.LLMMaxRetries)
	assert.Equal(t, 90, cfg.Security.AuditRetentionDays)
	assert.Equal(t, 7, cfg.Security.MaxThoughtDepth)
	assert.Equal(t, 2048, cfg.Limits.MemoryMB)
	assert.Equal(t, 10, cfg.Limits.MaxActiveTasks)
	assert.Equal(t, 50, cfg.Limits.MaxActiveThoughts)
	assert.Equal(t, float64(5), cfg.Limits.RoundDelaySeconds)
	assert.Equal(t, 60, cfg.Telemetry.ExportIntervalSeconds)
	assert.Equal(t, "info", cfg.Runtime.LogLevel)
	assert.Equal(t, "templates", cfg.Runtime.TemplateDirectory)
	assert.Equal(t, "default", cfg.Runtime.DefaultTemplate)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := loadFromYAML(t, `
database:
  main_db: /var/lib/agentcore/main.db
  audit_db: /var/lib/agentcore/audit.db
services:
  llm_endpoint: http://localhost:8000
  llm_model: test-model
  llm_timeout: 90s
security:
  enable_signed_audit: true
  audit_key_path: /etc/agentcore/keys
  max_thought_depth: 5
limits:
  max_active_thoughts: 20
  round_delay_seconds: 0.5
workflow:
  max_rounds: 100
  enable_auto_defer: true
runtime:
  log_level: debug
  debug_mode: true
`)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/agentcore/main.db", cfg.Database.MainDB)
	assert.Equal(t, "agentcore_secrets.db", cfg.Database.SecretsDB, "unset field keeps default")
	assert.Equal(t, "http://localhost:8000", cfg.Services.LLMEndpoint)
	assert.Equal(t, "test-model", cfg.Services.LLMModel)
	assert.True(t, cfg.Security.EnableSignedAudit)
	assert.Equal(t, 5, cfg.Security.MaxThoughtDepth)
	assert.Equal(t, 20, cfg.Limits.MaxActiveThoughts)
	assert.Equal(t, 100, cfg.Workflow.MaxRounds)
	assert.True(t, cfg.Workflow.EnableAutoDefer)
	assert.Equal(t, "debug", cfg.Runtime.LogLevel)
	assert.True(t, cfg.Runtime.DebugMode)

	assert.Equal(t, 90*time.Second, cfg.LLMTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.RoundDelay())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*EssentialConfig)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *EssentialConfig) {},
		},
		{
			name:    "missing main db",
			mutate:  func(c *EssentialConfig) { c.Database.MainDB = "" },
			wantErr: "database.main_db is required",
		},
		{
			name:    "bad llm timeout",
			mutate:  func(c *EssentialConfig) { c.Services.LLMTimeout = "not-a-duration" },
			wantErr: "invalid services.llm_timeout",
		},
		{
			name:    "zero thought depth",
			mutate:  func(c *EssentialConfig) { c.Security.MaxThoughtDepth = 0 },
			wantErr: "security.max_thought_depth",
		},
		{
			name:    "bad log level",
			mutate:  func(c *EssentialConfig) { c.Runtime.LogLevel = "trace" },
			wantErr: "invalid runtime.log_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &EssentialConfig{}
			applyDefaults(cfg)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateForRun(t *testing.T) {
	cfg := &EssentialConfig{}
	applyDefaults(cfg)

	// Defaults: unsigned audit, secrets key env set, passes.
	require.NoError(t, cfg.ValidateForRun())

	// Signed audit without a key path must fail.
	cfg.Security.EnableSignedAudit = true
	err := cfg.ValidateForRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit_key_path")

	cfg.Security.AuditKeyPath = "/etc/agentcore/keys"
	assert.NoError(t, cfg.ValidateForRun())

	cfg.Security.SecretsEncryptionKeyEnv = ""
	err = cfg.ValidateForRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secrets_encryption_key_env")
}
