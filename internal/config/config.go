// Package config handles configuration and the .resetprep directory
// structure. Every machine running ResetPrep gets a .resetprep/ folder with
// the service configuration, state, and logs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Dir is the name of the service directory.
const Dir = ".resetprep"

// ConfigFile is the configuration file name inside Dir.
const ConfigFile = "resetprep.yaml"

// CacheConfig tunes the status cache.
type CacheConfig struct {
	StatusTTL     time.Duration `yaml:"status_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SyncConfig tunes the force-sync and wait-for-sync protocol.
type SyncConfig struct {
	ForceSyncAttempts int           `yaml:"force_sync_attempts"`
	TriggerSettle     time.Duration `yaml:"trigger_settle"`
	PostTriggerWait   time.Duration `yaml:"post_trigger_wait"`
	StallWindow       time.Duration `yaml:"stall_window"`
	FastPollInterval  time.Duration `yaml:"fast_poll_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	SlowPollInterval  time.Duration `yaml:"slow_poll_interval"`
	TouchLimit        int           `yaml:"touch_limit"`
	ProbeSubdirLimit  int           `yaml:"probe_subdir_limit"`
}

// QuotaConfig tunes quota evaluation and backup size estimation.
type QuotaConfig struct {
	WarningThreshold         float64  `yaml:"warning_threshold"`
	CriticalThreshold        float64  `yaml:"critical_threshold"`
	MinimumFreeSpaceMB       int64    `yaml:"minimum_free_space_mb"`
	SafetyMarginMB           int64    `yaml:"safety_margin_mb"`
	DefaultCompressionFactor float64  `yaml:"default_compression_factor"`
	SampleLimit              int      `yaml:"sample_limit"`
	ExcludeGlobs             []string `yaml:"exclude_globs"`
}

// WarningConfig tunes warning dedup and escalation.
type WarningConfig struct {
	Cooldown              time.Duration `yaml:"cooldown"`
	RepeatEscalationCount int           `yaml:"repeat_escalation_count"`
	AutoEscalation        bool          `yaml:"auto_escalation"`
}

// OrchestratorConfig tunes the control loop.
type OrchestratorConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// Config is the service configuration loaded from resetprep.yaml.
type Config struct {
	Cache        CacheConfig        `yaml:"cache"`
	Sync         SyncConfig         `yaml:"sync"`
	Quota        QuotaConfig        `yaml:"quota"`
	Warnings     WarningConfig      `yaml:"warnings"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// Durations in resetprep.yaml are written as Go duration strings ("5m",
// "24h"). Bare integers are accepted as nanoseconds for compatibility with
// files written before the string form existed. The raw shadow structs below
// exist only to move values between YAML and the typed configuration.

type rawCacheConfig struct {
	StatusTTL     string `yaml:"status_ttl"`
	SweepInterval string `yaml:"sweep_interval"`
}

func (c *CacheConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw rawCacheConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if err := setDuration(&c.StatusTTL, "status_ttl", raw.StatusTTL); err != nil {
		return err
	}
	return setDuration(&c.SweepInterval, "sweep_interval", raw.SweepInterval)
}

func (c CacheConfig) MarshalYAML() (any, error) {
	return rawCacheConfig{
		StatusTTL:     c.StatusTTL.String(),
		SweepInterval: c.SweepInterval.String(),
	}, nil
}

type rawSyncConfig struct {
	ForceSyncAttempts *int   `yaml:"force_sync_attempts"`
	TriggerSettle     string `yaml:"trigger_settle"`
	PostTriggerWait   string `yaml:"post_trigger_wait"`
	StallWindow       string `yaml:"stall_window"`
	FastPollInterval  string `yaml:"fast_poll_interval"`
	PollInterval      string `yaml:"poll_interval"`
	SlowPollInterval  string `yaml:"slow_poll_interval"`
	TouchLimit        *int   `yaml:"touch_limit"`
	ProbeSubdirLimit  *int   `yaml:"probe_subdir_limit"`
}

func (c *SyncConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw rawSyncConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}
	setInt(&c.ForceSyncAttempts, raw.ForceSyncAttempts)
	setInt(&c.TouchLimit, raw.TouchLimit)
	setInt(&c.ProbeSubdirLimit, raw.ProbeSubdirLimit)
	for _, f := range []struct {
		dst  *time.Duration
		name string
		val  string
	}{
		{&c.TriggerSettle, "trigger_settle", raw.TriggerSettle},
		{&c.PostTriggerWait, "post_trigger_wait", raw.PostTriggerWait},
		{&c.StallWindow, "stall_window", raw.StallWindow},
		{&c.FastPollInterval, "fast_poll_interval", raw.FastPollInterval},
		{&c.PollInterval, "poll_interval", raw.PollInterval},
		{&c.SlowPollInterval, "slow_poll_interval", raw.SlowPollInterval},
	} {
		if err := setDuration(f.dst, f.name, f.val); err != nil {
			return err
		}
	}
	return nil
}

func (c SyncConfig) MarshalYAML() (any, error) {
	return rawSyncConfig{
		ForceSyncAttempts: &c.ForceSyncAttempts,
		TriggerSettle:     c.TriggerSettle.String(),
		PostTriggerWait:   c.PostTriggerWait.String(),
		StallWindow:       c.StallWindow.String(),
		FastPollInterval:  c.FastPollInterval.String(),
		PollInterval:      c.PollInterval.String(),
		SlowPollInterval:  c.SlowPollInterval.String(),
		TouchLimit:        &c.TouchLimit,
		ProbeSubdirLimit:  &c.ProbeSubdirLimit,
	}, nil
}

type rawWarningConfig struct {
	Cooldown              string `yaml:"cooldown"`
	RepeatEscalationCount *int   `yaml:"repeat_escalation_count"`
	AutoEscalation        *bool  `yaml:"auto_escalation"`
}

func (c *WarningConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw rawWarningConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}
	setInt(&c.RepeatEscalationCount, raw.RepeatEscalationCount)
	if raw.AutoEscalation != nil {
		c.AutoEscalation = *raw.AutoEscalation
	}
	return setDuration(&c.Cooldown, "cooldown", raw.Cooldown)
}

func (c WarningConfig) MarshalYAML() (any, error) {
	return rawWarningConfig{
		Cooldown:              c.Cooldown.String(),
		RepeatEscalationCount: &c.RepeatEscalationCount,
		AutoEscalation:        &c.AutoEscalation,
	}, nil
}

type rawOrchestratorConfig struct {
	PollInterval   string `yaml:"poll_interval"`
	MaxConcurrency *int   `yaml:"max_concurrency"`
}

func (c *OrchestratorConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw rawOrchestratorConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}
	setInt(&c.MaxConcurrency, raw.MaxConcurrency)
	return setDuration(&c.PollInterval, "poll_interval", raw.PollInterval)
}

func (c OrchestratorConfig) MarshalYAML() (any, error) {
	return rawOrchestratorConfig{
		PollInterval:   c.PollInterval.String(),
		MaxConcurrency: &c.MaxConcurrency,
	}, nil
}

// setDuration parses s into dst, leaving dst untouched when the key is
// absent so defaults survive sparse files.
func setDuration(dst *time.Duration, field, s string) error {
	if s == "" {
		return nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		*dst = d
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s: invalid duration %q", field, s)
	}
	*dst = time.Duration(n)
	return nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// Default returns the configuration with every tunable at its default.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			StatusTTL:     5 * time.Minute,
			SweepInterval: 10 * time.Minute,
		},
		Sync: SyncConfig{
			ForceSyncAttempts: 3,
			TriggerSettle:     500 * time.Millisecond,
			PostTriggerWait:   2 * time.Second,
			StallWindow:       5 * time.Minute,
			FastPollInterval:  2 * time.Second,
			PollInterval:      5 * time.Second,
			SlowPollInterval:  10 * time.Second,
			TouchLimit:        10,
			ProbeSubdirLimit:  5,
		},
		Quota: QuotaConfig{
			WarningThreshold:         80,
			CriticalThreshold:        95,
			MinimumFreeSpaceMB:       2048,
			SafetyMarginMB:           100,
			DefaultCompressionFactor: 0.7,
			SampleLimit:              100,
			ExcludeGlobs: []string{
				"**/AppData/Local/Temp/**",
				"**/AppData/Local/Microsoft/Windows/INetCache/**",
				"**/AppData/Local/*/Cache/**",
				"**/AppData/Local/*/Code Cache/**",
				"**/*.tmp",
			},
		},
		Warnings: WarningConfig{
			Cooldown:              24 * time.Hour,
			RepeatEscalationCount: 3,
			AutoEscalation:        true,
		},
		Orchestrator: OrchestratorConfig{
			PollInterval:   time.Minute,
			MaxConcurrency: 8,
		},
	}
}

// Load reads the configuration from dir/.resetprep/resetprep.yaml, filling
// absent values with defaults. A missing file yields the defaults.
func Load(dir string) (Config, error) {
	cfg := Default()
	path := filepath.Join(dir, Dir, ConfigFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyDefaults fills zero values left by a sparse YAML file.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Cache.StatusTTL <= 0 {
		cfg.Cache.StatusTTL = def.Cache.StatusTTL
	}
	if cfg.Cache.SweepInterval <= 0 {
		cfg.Cache.SweepInterval = def.Cache.SweepInterval
	}
	if cfg.Sync.ForceSyncAttempts <= 0 {
		cfg.Sync.ForceSyncAttempts = def.Sync.ForceSyncAttempts
	}
	if cfg.Sync.TriggerSettle <= 0 {
		cfg.Sync.TriggerSettle = def.Sync.TriggerSettle
	}
	if cfg.Sync.PostTriggerWait <= 0 {
		cfg.Sync.PostTriggerWait = def.Sync.PostTriggerWait
	}
	if cfg.Sync.StallWindow <= 0 {
		cfg.Sync.StallWindow = def.Sync.StallWindow
	}
	if cfg.Sync.FastPollInterval <= 0 {
		cfg.Sync.FastPollInterval = def.Sync.FastPollInterval
	}
	if cfg.Sync.PollInterval <= 0 {
		cfg.Sync.PollInterval = def.Sync.PollInterval
	}
	if cfg.Sync.SlowPollInterval <= 0 {
		cfg.Sync.SlowPollInterval = def.Sync.SlowPollInterval
	}
	if cfg.Sync.TouchLimit <= 0 {
		cfg.Sync.TouchLimit = def.Sync.TouchLimit
	}
	if cfg.Sync.ProbeSubdirLimit <= 0 {
		cfg.Sync.ProbeSubdirLimit = def.Sync.ProbeSubdirLimit
	}
	if cfg.Quota.WarningThreshold <= 0 {
		cfg.Quota.WarningThreshold = def.Quota.WarningThreshold
	}
	if cfg.Quota.CriticalThreshold <= 0 {
		cfg.Quota.CriticalThreshold = def.Quota.CriticalThreshold
	}
	if cfg.Quota.MinimumFreeSpaceMB <= 0 {
		cfg.Quota.MinimumFreeSpaceMB = def.Quota.MinimumFreeSpaceMB
	}
	if cfg.Quota.SafetyMarginMB <= 0 {
		cfg.Quota.SafetyMarginMB = def.Quota.SafetyMarginMB
	}
	if cfg.Quota.DefaultCompressionFactor <= 0 {
		cfg.Quota.DefaultCompressionFactor = def.Quota.DefaultCompressionFactor
	}
	if cfg.Quota.SampleLimit <= 0 {
		cfg.Quota.SampleLimit = def.Quota.SampleLimit
	}
	if len(cfg.Quota.ExcludeGlobs) == 0 {
		cfg.Quota.ExcludeGlobs = def.Quota.ExcludeGlobs
	}
	if cfg.Warnings.Cooldown <= 0 {
		cfg.Warnings.Cooldown = def.Warnings.Cooldown
	}
	if cfg.Warnings.RepeatEscalationCount <= 0 {
		cfg.Warnings.RepeatEscalationCount = def.Warnings.RepeatEscalationCount
	}
	if cfg.Orchestrator.PollInterval <= 0 {
		cfg.Orchestrator.PollInterval = def.Orchestrator.PollInterval
	}
	if cfg.Orchestrator.MaxConcurrency <= 0 {
		cfg.Orchestrator.MaxConcurrency = def.Orchestrator.MaxConcurrency
	}
}

// Validate rejects configurations no deployment could want.
func (c Config) Validate() error {
	if c.Quota.DefaultCompressionFactor < 0.1 || c.Quota.DefaultCompressionFactor > 1.0 {
		return fmt.Errorf("config: default_compression_factor %.2f outside [0.1, 1.0]", c.Quota.DefaultCompressionFactor)
	}
	if c.Quota.WarningThreshold >= c.Quota.CriticalThreshold {
		return fmt.Errorf("config: warning_threshold %.0f must be below critical_threshold %.0f", c.Quota.WarningThreshold, c.Quota.CriticalThreshold)
	}
	if c.Quota.CriticalThreshold > 100 {
		return fmt.Errorf("config: critical_threshold %.0f above 100", c.Quota.CriticalThreshold)
	}
	return nil
}

// InitDir creates the .resetprep directory structure and a default
// configuration file if absent.
//
// Structure created:
// .resetprep/
// ├── resetprep.yaml
// ├── logs/
// └── state/
func InitDir(dir string) error {
	base := filepath.Join(dir, Dir)
	for _, sub := range []string{
		filepath.Join(base, "logs"),
		filepath.Join(base, "state"),
	} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", sub, err)
		}
	}
	path := filepath.Join(base, ConfigFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	raw, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("config: marshal defaults: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
