// Package config loads the bootstrap EssentialConfig. It is read exactly
// once at startup; live configuration after bootstrap is owned by the
// graph-backed config service and this struct is never mutated at runtime.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig contains the paths of the three independent sqlite
// databases (main, secrets, audit).
type DatabaseConfig struct {
	MainDB    string `mapstructure:"main_db"`
	SecretsDB string `mapstructure:"secrets_db"`
	AuditDB   string `mapstructure:"audit_db"`
}

// ServicesConfig contains language-model service settings.
type ServicesConfig struct {
	LLMEndpoint   string `mapstructure:"llm_endpoint"`
	LLMModel      string `mapstructure:"llm_model"`
	LLMTimeout    string `mapstructure:"llm_timeout"`
	LLMMaxRetries int    `mapstructure:"llm_max_retries"`
}

// SecurityConfig contains audit-chain and secrets settings.
type SecurityConfig struct {
	AuditRetentionDays      int    `mapstructure:"audit_retention_days"`
	SecretsEncryptionKeyEnv string `mapstructure:"secrets_encryption_key_env"`
	AuditKeyPath            string `mapstructure:"audit_key_path"`
	EnableSignedAudit       bool   `mapstructure:"enable_signed_audit"`
	MaxThoughtDepth         int    `mapstructure:"max_thought_depth"`
}

// LimitsConfig bounds per-round and per-call work, plus the process's own
// memory budget the resource monitor samples RSS against.
type LimitsConfig struct {
	MemoryMB           int     `mapstructure:"memory_mb"`
	MaxActiveTasks     int     `mapstructure:"max_active_tasks"`
	MaxActiveThoughts  int     `mapstructure:"max_active_thoughts"`
	RoundDelaySeconds  float64 `mapstructure:"round_delay_seconds"`
	MockLLMRoundDelay  float64 `mapstructure:"mock_llm_round_delay"`
	DMARetryLimit      int     `mapstructure:"dma_retry_limit"`
	DMATimeoutSeconds  float64 `mapstructure:"dma_timeout_seconds"`
	ConscienceRetries  int     `mapstructure:"conscience_retry_limit"`
}

// TelemetryConfig controls the telemetry exporter.
type TelemetryConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	ExportIntervalSeconds int  `mapstructure:"export_interval_seconds"`
	RetentionHours        int  `mapstructure:"retention_hours"`
}

// WorkflowConfig bounds the processor loop.
type WorkflowConfig struct {
	MaxRounds           int     `mapstructure:"max_rounds"`
	RoundTimeoutSeconds float64 `mapstructure:"round_timeout_seconds"`
	EnableAutoDefer     bool    `mapstructure:"enable_auto_defer"`
}

// RuntimeConfig contains process-level runtime settings.
type RuntimeConfig struct {
	LogLevel          string `mapstructure:"log_level"`
	DebugMode         bool   `mapstructure:"debug_mode"`
	TemplateDirectory string `mapstructure:"template_directory"`
	DefaultTemplate   string `mapstructure:"default_template"`
}

// EssentialConfig is the complete bootstrap configuration surface.
type EssentialConfig struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Services  ServicesConfig  `mapstructure:"services"`
	Security  SecurityConfig  `mapstructure:"security"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
}

// Load unmarshals the bootstrap configuration from the viper instance the
// CLI has already pointed at a config file and the environment.
func Load() (*EssentialConfig, error) {
	cfg := &EssentialConfig{}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *EssentialConfig) {
	if cfg.Database.MainDB == "" {
		cfg.Database.MainDB = "agentcore.db"
	}
	if cfg.Database.SecretsDB == "" {
		cfg.Database.SecretsDB = "agentcore_secrets.db"
	}
	if cfg.Database.AuditDB == "" {
		cfg.Database.AuditDB = "agentcore_audit.db"
	}

	if cfg.Services.LLMTimeout == "" {
		cfg.Services.LLMTimeout = "60s"
	}
	if cfg.Services.LLMMaxRetries == 0 {
		cfg.Services.LLMMaxRetries = 3
	}

	if cfg.Security.AuditRetentionDays == 0 {
		cfg.Security.AuditRetentionDays = 90
	}
	if cfg.Security.SecretsEncryptionKeyEnv == "" {
		cfg.Security.SecretsEncryptionKeyEnv = "AGENTCORE_SECRETS_KEY"
	}
	if cfg.Security.MaxThoughtDepth == 0 {
		cfg.Security.MaxThoughtDepth = 7
	}

	if cfg.Limits.MemoryMB == 0 {
		cfg.Limits.MemoryMB = 2048
	}
	if cfg.Limits.MaxActiveTasks == 0 {
		cfg.Limits.MaxActiveTasks = 10
	}
	if cfg.Limits.MaxActiveThoughts == 0 {
		cfg.Limits.MaxActiveThoughts = 50
	}
	if cfg.Limits.RoundDelaySeconds == 0 {
		cfg.Limits.RoundDelaySeconds = 5
	}
	if cfg.Limits.DMARetryLimit == 0 {
		cfg.Limits.DMARetryLimit = 3
	}
	if cfg.Limits.DMATimeoutSeconds == 0 {
		cfg.Limits.DMATimeoutSeconds = 30
	}
	if cfg.Limits.ConscienceRetries == 0 {
		cfg.Limits.ConscienceRetries = 2
	}

	if cfg.Telemetry.ExportIntervalSeconds == 0 {
		cfg.Telemetry.ExportIntervalSeconds = 60
	}
	if cfg.Telemetry.RetentionHours == 0 {
		cfg.Telemetry.RetentionHours = 24
	}

	if cfg.Workflow.RoundTimeoutSeconds == 0 {
		cfg.Workflow.RoundTimeoutSeconds = 300
	}

	if cfg.Runtime.LogLevel == "" {
		cfg.Runtime.LogLevel = "info"
	}
	if cfg.Runtime.TemplateDirectory == "" {
		cfg.Runtime.TemplateDirectory = "templates"
	}
	if cfg.Runtime.DefaultTemplate == "" {
		cfg.Runtime.DefaultTemplate = "default"
	}
}

// Validate validates the configuration
func (c *EssentialConfig) Validate() error {
	if c.Database.MainDB == "" {
		return fmt.Errorf("database.main_db is required")
	}
	if c.Database.AuditDB == "" {
		return fmt.Errorf("database.audit_db is required")
	}
	if c.Database.SecretsDB == "" {
		return fmt.Errorf("database.secrets_db is required")
	}

	if c.Services.LLMTimeout != "" {
		if _, err := time.ParseDuration(c.Services.LLMTimeout); err != nil {
			return fmt.Errorf("invalid services.llm_timeout: %w", err)
		}
	}

	if c.Security.MaxThoughtDepth < 1 {
		return fmt.Errorf("security.max_thought_depth must be at least 1")
	}
	if c.Security.AuditRetentionDays < 1 {
		return fmt.Errorf("security.audit_retention_days must be at least 1")
	}

	if c.Limits.MaxActiveThoughts < 1 {
		return fmt.Errorf("limits.max_active_thoughts must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Runtime.LogLevel] {
		return fmt.Errorf("invalid runtime.log_level: %s (must be debug, info, warn, or error)", c.Runtime.LogLevel)
	}

	return nil
}

// ValidateForRun performs additional validation required before booting the
// full runtime (signed audit needs a key path, secrets need a key env).
func (c *EssentialConfig) ValidateForRun() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Security.EnableSignedAudit && c.Security.AuditKeyPath == "" {
		return fmt.Errorf("security.audit_key_path is required when signed audit is enabled")
	}

	if c.Security.SecretsEncryptionKeyEnv == "" {
		return fmt.Errorf("security.secrets_encryption_key_env is required")
	}

	return nil
}

// LLMTimeout returns the parsed llm_timeout duration, defaulting to 60s on
// an empty value. Call Validate first; this panics on an unparseable value.
func (c *EssentialConfig) LLMTimeout() time.Duration {
	if c.Services.LLMTimeout == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(c.Services.LLMTimeout)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated llm_timeout %q", c.Services.LLMTimeout))
	}
	return d
}

// RoundDelay returns the configured inter-round delay.
func (c *EssentialConfig) RoundDelay() time.Duration {
	return time.Duration(c.Limits.RoundDelaySeconds * float64(time.Second))
}
