// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable override,
// e.g. SELFMOD_RATELIMIT_MAX_PER_HOUR.
const EnvPrefix = "SELFMOD"

// DataDir is the workspace-relative directory holding backups, the audit
// trail and limiter state.
const DataDir = ".selfmod"

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Workspace() WorkspaceConfig
	Risk() RiskConfig
	RateLimit() RateLimitConfig
	Pipeline() PipelineConfig
	Toolchain() ToolchainConfig
	Audit() AuditConfig
	Git() GitConfig
	Watcher() WatcherConfig

	// Setters used by CLI flags.
	SetWorkspaceRoot(root string)
	SetAutoApply(bool)
	SetAutoCommit(bool)
	SetWatcherLogFile(path string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	WorkspaceCfg WorkspaceConfig `mapstructure:"workspace" yaml:"workspace"`
	RiskCfg      RiskConfig      `mapstructure:"risk" yaml:"risk"`
	RateLimitCfg RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
	PipelineCfg  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	ToolchainCfg ToolchainConfig `mapstructure:"toolchain" yaml:"toolchain"`
	AuditCfg     AuditConfig     `mapstructure:"audit" yaml:"audit"`
	GitCfg       GitConfig       `mapstructure:"git" yaml:"git"`
	WatcherCfg   WatcherConfig   `mapstructure:"watcher" yaml:"watcher"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Workspace() WorkspaceConfig { return c.WorkspaceCfg }
func (c *Config) Risk() RiskConfig           { return c.RiskCfg }
func (c *Config) RateLimit() RateLimitConfig { return c.RateLimitCfg }
func (c *Config) Pipeline() PipelineConfig   { return c.PipelineCfg }
func (c *Config) Toolchain() ToolchainConfig { return c.ToolchainCfg }
func (c *Config) Audit() AuditConfig         { return c.AuditCfg }
func (c *Config) Git() GitConfig             { return c.GitCfg }
func (c *Config) Watcher() WatcherConfig     { return c.WatcherCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetWorkspaceRoot(root string)  { c.WorkspaceCfg.Root = root }
func (c *Config) SetAutoApply(b bool)           { c.RiskCfg.AutoApply = b }
func (c *Config) SetAutoCommit(b bool)          { c.PipelineCfg.AutoCommit = b }
func (c *Config) SetWatcherLogFile(path string) { c.WatcherCfg.LogFile = path }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// WorkspaceConfig bounds what the edit engine may touch.
type WorkspaceConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
	// BackupDir is relative to Root unless absolute.
	BackupDir        string   `mapstructure:"backup_dir" yaml:"backup_dir"`
	ProtectedDirs    []string `mapstructure:"protected_dirs" yaml:"protected_dirs"`
	CriticalPatterns []string `mapstructure:"critical_patterns" yaml:"critical_patterns"`
	MaxFileSize      int64    `mapstructure:"max_file_size" yaml:"max_file_size"`
}

// RiskConfig parameterizes the suggestion risk classifier.
type RiskConfig struct {
	ProtectedPatterns []string `mapstructure:"protected_patterns" yaml:"protected_patterns"`
	MinConfidence     float64  `mapstructure:"min_confidence" yaml:"min_confidence"`
	AutoApply         bool     `mapstructure:"auto_apply" yaml:"auto_apply"`
}

// RateLimitConfig caps how often the workspace may be modified.
type RateLimitConfig struct {
	MaxPerHour       int    `mapstructure:"max_per_hour" yaml:"max_per_hour"`
	FailureThreshold int    `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	StateFile        string `mapstructure:"state_file" yaml:"state_file"`
}

// PipelineConfig controls the fix loop and the apply policy.
type PipelineConfig struct {
	MaxIterations     int            `mapstructure:"max_iterations" yaml:"max_iterations"`
	MinConfidence     float64        `mapstructure:"min_confidence" yaml:"min_confidence"`
	AllowedRiskLevels []string       `mapstructure:"allowed_risk_levels" yaml:"allowed_risk_levels"`
	AutoCommit        bool           `mapstructure:"auto_commit" yaml:"auto_commit"`
	MaxBatchSize      int            `mapstructure:"max_batch_size" yaml:"max_batch_size"`
	Timeouts          TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`
}

// TimeoutsConfig holds the per-phase deadlines of a pipeline run.
type TimeoutsConfig struct {
	Analyze  time.Duration `mapstructure:"analyze" yaml:"analyze"`
	Generate time.Duration `mapstructure:"generate" yaml:"generate"`
	Validate time.Duration `mapstructure:"validate" yaml:"validate"`
	Apply    time.Duration `mapstructure:"apply" yaml:"apply"`
}

// ToolchainConfig selects the external checks. An empty command disables
// that check.
type ToolchainConfig struct {
	TypeCheckCommand string        `mapstructure:"type_check_command" yaml:"type_check_command"`
	LintCommand      string        `mapstructure:"lint_command" yaml:"lint_command"`
	TestCommand      string        `mapstructure:"test_command" yaml:"test_command"`
	CheckTimeout     time.Duration `mapstructure:"check_timeout" yaml:"check_timeout"`
	TestTimeout      time.Duration `mapstructure:"test_timeout" yaml:"test_timeout"`
}

// AuditConfig locates the audit trail and its optional Postgres mirror.
type AuditConfig struct {
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	PostgresURL string `mapstructure:"postgres_url" yaml:"-"`
}

// GitConfig defines the committer identity.
type GitConfig struct {
	AuthorName  string `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail string `mapstructure:"author_email" yaml:"author_email"`
}

// WatcherConfig configures the error-log watcher used by `selfmod watch`.
type WatcherConfig struct {
	LogFile   string        `mapstructure:"log_file" yaml:"log_file"`
	IdleFlush time.Duration `mapstructure:"idle_flush" yaml:"idle_flush"`
	Cooldown  time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	FromStart bool          `mapstructure:"from_start" yaml:"from_start"`
	Poll      bool          `mapstructure:"poll" yaml:"poll"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "selfmod")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Workspace --
	v.SetDefault("workspace.root", ".")
	v.SetDefault("workspace.backup_dir", filepath.Join(DataDir, "backups"))
	v.SetDefault("workspace.protected_dirs", []string{".git", "node_modules"})
	v.SetDefault("workspace.critical_patterns", []string{".env", ".env.*", "package.json", "go.mod", "go.sum"})
	v.SetDefault("workspace.max_file_size", 1024*1024)

	// -- Risk --
	// protected_patterns has no default; the classifier falls back to its built-in list.
	v.SetDefault("risk.min_confidence", 0.7)
	v.SetDefault("risk.auto_apply", false)

	// -- Rate limit --
	v.SetDefault("ratelimit.max_per_hour", 10)
	v.SetDefault("ratelimit.failure_threshold", 3)
	v.SetDefault("ratelimit.state_file", filepath.Join(DataDir, "ratelimit.json"))

	// -- Pipeline --
	v.SetDefault("pipeline.max_iterations", 3)
	v.SetDefault("pipeline.min_confidence", 0.7)
	v.SetDefault("pipeline.allowed_risk_levels", []string{"low", "medium"})
	v.SetDefault("pipeline.auto_commit", false)
	v.SetDefault("pipeline.max_batch_size", 10)
	v.SetDefault("pipeline.timeouts.analyze", "10s")
	v.SetDefault("pipeline.timeouts.generate", "30s")
	v.SetDefault("pipeline.timeouts.validate", "5m")
	v.SetDefault("pipeline.timeouts.apply", "5m")

	// -- Toolchain --
	v.SetDefault("toolchain.type_check_command", "npx tsc --noEmit")
	v.SetDefault("toolchain.lint_command", "npx eslint {files}")
	v.SetDefault("toolchain.test_command", "npx jest --passWithNoTests {files}")
	v.SetDefault("toolchain.check_timeout", "30s")
	v.SetDefault("toolchain.test_timeout", "3m")

	// -- Audit --
	v.SetDefault("audit.log_file", filepath.Join(DataDir, "audit.jsonl"))

	// -- Git --
	v.SetDefault("git.author_name", "selfmod-bot")
	v.SetDefault("git.author_email", "selfmod-bot@localhost")

	// -- Watcher --
	v.SetDefault("watcher.idle_flush", "200ms")
	v.SetDefault("watcher.cooldown", "1m")
	v.SetDefault("watcher.from_start", false)
	v.SetDefault("watcher.poll", false)
}

// NewConfigFromViper unmarshals v, applies environment overrides and validates the result.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Secrets are only ever read from the environment.
	_ = v.BindEnv("audit.postgres_url", EnvPrefix+"_AUDIT_POSTGRES_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in every configured path.
func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.LoggerCfg.LogFile,
		&c.WorkspaceCfg.Root,
		&c.WorkspaceCfg.BackupDir,
		&c.RateLimitCfg.StateFile,
		&c.AuditCfg.LogFile,
		&c.WatcherCfg.LogFile,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// ResolvePath anchors a workspace-relative path at the workspace root.
// Absolute paths and the empty string are returned unchanged.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.WorkspaceCfg.Root, p)
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.WorkspaceCfg.Root == "" {
		return errors.New("workspace.root is a required configuration field")
	}
	if c.WorkspaceCfg.MaxFileSize <= 0 {
		return errors.New("workspace.max_file_size must be a positive integer")
	}
	if err := c.RiskCfg.Validate(); err != nil {
		return fmt.Errorf("risk configuration invalid: %w", err)
	}
	if err := c.RateLimitCfg.Validate(); err != nil {
		return fmt.Errorf("ratelimit configuration invalid: %w", err)
	}
	if err := c.PipelineCfg.Validate(); err != nil {
		return fmt.Errorf("pipeline configuration invalid: %w", err)
	}
	if c.ToolchainCfg.CheckTimeout <= 0 || c.ToolchainCfg.TestTimeout <= 0 {
		return errors.New("toolchain.check_timeout and toolchain.test_timeout must be positive durations")
	}
	if c.AuditCfg.LogFile == "" {
		return errors.New("audit.log_file is a required configuration field")
	}
	if c.WatcherCfg.IdleFlush <= 0 {
		return errors.New("watcher.idle_flush must be a positive duration")
	}
	return nil
}

// Validate checks the risk classifier settings.
func (r *RiskConfig) Validate() error {
	if r.MinConfidence < 0.0 || r.MinConfidence > 1.0 {
		return errors.New("min_confidence must be between 0.0 and 1.0")
	}
	return nil
}

// Validate checks the rate limiter settings.
func (r *RateLimitConfig) Validate() error {
	if r.MaxPerHour <= 0 {
		return errors.New("max_per_hour must be a positive integer")
	}
	if r.FailureThreshold <= 0 {
		return errors.New("failure_threshold must be a positive integer")
	}
	return nil
}

var validRiskLevels = map[string]bool{"low": true, "medium": true, "high": true}

// Validate checks the pipeline settings. Critical risk can never be allowed.
func (p *PipelineConfig) Validate() error {
	if p.MaxIterations <= 0 {
		return errors.New("max_iterations must be greater than 0")
	}
	if p.MaxBatchSize <= 0 {
		return errors.New("max_batch_size must be greater than 0")
	}
	if p.MinConfidence < 0.0 || p.MinConfidence > 1.0 {
		return errors.New("min_confidence must be between 0.0 and 1.0")
	}
	for _, lvl := range p.AllowedRiskLevels {
		if lvl == "critical" {
			return errors.New("allowed_risk_levels must not include critical")
		}
		if !validRiskLevels[lvl] {
			return fmt.Errorf("unknown risk level %q in allowed_risk_levels", lvl)
		}
	}
	t := p.Timeouts
	if t.Analyze <= 0 || t.Generate <= 0 || t.Validate <= 0 || t.Apply <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	return nil
}
