package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LogConfig controls the zap logger and its optional rotating file sink.
type LogConfig struct {
	Level       string
	Development bool
	File        string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
}

// DatabaseConfig selects the record store. Driver is "memory", "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver string
	DSN    string
}

// VaultConfig controls encrypted storage. Secret and Salt are mandatory.
type VaultConfig struct {
	Dir           string
	TempDirs      []string
	Secret        string
	Salt          []byte
	KDFIterations int
}

// IngestConfig holds the upload limits and scan tuning.
type IngestConfig struct {
	MaxFilesPerUpload  int
	MaxFileSize        int64
	EntropyThreshold   float64
	MaxExternalRefs    int
	MaxConcurrentScans int64
}

// AVConfig enables the optional external scanners. ScanTimeout bounds each
// scanner's verdict for a single file.
type AVConfig struct {
	ScanTimeout time.Duration

	ClamdEnabled bool
	ClamdAddr    string
	ClamdTimeout time.Duration

	ReputationEnabled      bool
	ReputationURL          string
	ReputationAPIKey       string
	ReputationPollAttempts int
	ReputationPollInterval time.Duration
	ReputationRatePerMin   int
}

// ResolverConfig bounds attachment resolution.
type ResolverConfig struct {
	MaxAttachments int
	PollInterval   time.Duration
	Timeout        time.Duration
	HideOwnership  bool
}

// RetentionConfig is the retention window.
type RetentionConfig struct {
	RetentionDays          int
	ProcessingTimeoutHours int
	TempFileTimeoutHours   int
	WarningDays            int
	SweepInterval          time.Duration
	GDPRPasses             int
	ExpiryPasses           int
}

// WorkerConfig drives the reference processing pipeline.
type WorkerConfig struct {
	PollInterval time.Duration
}

// MetricsConfig is the HTTP port serving /metrics and /health.
type MetricsConfig struct {
	Port string
}

// TracingConfig turns on span export to stderr.
type TracingConfig struct {
	Enabled bool
}

type Config struct {
	Log       LogConfig
	Database  DatabaseConfig
	Vault     VaultConfig
	Ingest    IngestConfig
	AV        AVConfig
	Resolver  ResolverConfig
	Retention RetentionConfig
	Worker    WorkerConfig
	Metrics   MetricsConfig
	Tracing   TracingConfig
}

// Load reads configuration from the environment and an optional .env file.
//
// Precedence: process environment, then .env, then defaults.
// Every key is prefixed with ATTACHVAULT_, e.g. ATTACHVAULT_VAULT_SECRET.
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("attachvault")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	salt, err := hex.DecodeString(strings.TrimSpace(v.GetString("vault.salt")))
	if err != nil {
		return nil, fmt.Errorf("invalid vault.salt: %w", err)
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("vault.salt must be at least 16 bytes of hex, set ATTACHVAULT_VAULT_SALT")
	}

	secret := v.GetString("vault.secret")
	if len(secret) < 32 {
		return nil, fmt.Errorf("vault.secret must be at least 32 characters, set ATTACHVAULT_VAULT_SECRET")
	}

	durations := map[string]*time.Duration{}
	cfg := &Config{
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
			MaxSizeMB:   v.GetInt("log.max_size_mb"),
			MaxBackups:  v.GetInt("log.max_backups"),
			MaxAgeDays:  v.GetInt("log.max_age_days"),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("database.driver")),
			DSN:    v.GetString("database.dsn"),
		},
		Vault: VaultConfig{
			Dir:           v.GetString("vault.dir"),
			TempDirs:      parseList(v.GetString("vault.temp_dirs")),
			Secret:        secret,
			Salt:          salt,
			KDFIterations: v.GetInt("vault.kdf_iterations"),
		},
		Ingest: IngestConfig{
			MaxFilesPerUpload:  v.GetInt("ingest.max_files_per_upload"),
			MaxFileSize:        v.GetInt64("ingest.max_file_size"),
			EntropyThreshold:   v.GetFloat64("ingest.entropy_threshold"),
			MaxExternalRefs:    v.GetInt("ingest.max_external_refs"),
			MaxConcurrentScans: v.GetInt64("ingest.max_concurrent_scans"),
		},
		AV: AVConfig{
			ClamdEnabled:           v.GetBool("av.clamd_enabled"),
			ClamdAddr:              v.GetString("av.clamd_addr"),
			ReputationEnabled:      v.GetBool("av.reputation_enabled"),
			ReputationURL:          v.GetString("av.reputation_url"),
			ReputationAPIKey:       v.GetString("av.reputation_api_key"),
			ReputationPollAttempts: v.GetInt("av.reputation_poll_attempts"),
			ReputationRatePerMin:   v.GetInt("av.reputation_rate_per_min"),
		},
		Resolver: ResolverConfig{
			MaxAttachments: v.GetInt("resolver.max_attachments"),
			HideOwnership:  v.GetBool("resolver.hide_ownership"),
		},
		Retention: RetentionConfig{
			RetentionDays:          v.GetInt("retention.days"),
			ProcessingTimeoutHours: v.GetInt("retention.processing_timeout_hours"),
			TempFileTimeoutHours:   v.GetInt("retention.temp_file_timeout_hours"),
			WarningDays:            v.GetInt("retention.warning_days"),
			GDPRPasses:             v.GetInt("retention.gdpr_passes"),
			ExpiryPasses:           v.GetInt("retention.expiry_passes"),
		},
		Metrics: MetricsConfig{
			Port: v.GetString("metrics.port"),
		},
		Tracing: TracingConfig{
			Enabled: v.GetBool("tracing.enabled"),
		},
	}

	durations["av.scan_timeout"] = &cfg.AV.ScanTimeout
	durations["av.clamd_timeout"] = &cfg.AV.ClamdTimeout
	durations["av.reputation_poll_interval"] = &cfg.AV.ReputationPollInterval
	durations["resolver.poll_interval"] = &cfg.Resolver.PollInterval
	durations["resolver.timeout"] = &cfg.Resolver.Timeout
	durations["retention.sweep_interval"] = &cfg.Retention.SweepInterval
	durations["worker.poll_interval"] = &cfg.Worker.PollInterval
	for key, dst := range durations {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/attachvault.db")

	v.SetDefault("vault.dir", "./data/vault")
	v.SetDefault("vault.temp_dirs", "./data/tmp")
	v.SetDefault("vault.secret", "")
	v.SetDefault("vault.salt", "")
	v.SetDefault("vault.kdf_iterations", 100000)

	v.SetDefault("ingest.max_files_per_upload", 5)
	v.SetDefault("ingest.max_file_size", 10*1024*1024)
	v.SetDefault("ingest.entropy_threshold", 7.5)
	v.SetDefault("ingest.max_external_refs", 10)
	v.SetDefault("ingest.max_concurrent_scans", 4)

	v.SetDefault("av.scan_timeout", "20s")
	v.SetDefault("av.clamd_enabled", false)
	v.SetDefault("av.clamd_addr", "localhost:3310")
	v.SetDefault("av.clamd_timeout", "30s")
	v.SetDefault("av.reputation_enabled", false)
	v.SetDefault("av.reputation_url", "https://www.virustotal.com/api/v3")
	v.SetDefault("av.reputation_api_key", "")
	v.SetDefault("av.reputation_poll_attempts", 3)
	v.SetDefault("av.reputation_poll_interval", "5s")
	v.SetDefault("av.reputation_rate_per_min", 4)

	v.SetDefault("resolver.max_attachments", 5)
	v.SetDefault("resolver.poll_interval", "2s")
	v.SetDefault("resolver.timeout", "60s")
	v.SetDefault("resolver.hide_ownership", false)

	v.SetDefault("retention.days", 30)
	v.SetDefault("retention.processing_timeout_hours", 24)
	v.SetDefault("retention.temp_file_timeout_hours", 24)
	v.SetDefault("retention.warning_days", 7)
	v.SetDefault("retention.sweep_interval", "1h")
	v.SetDefault("retention.gdpr_passes", 3)
	v.SetDefault("retention.expiry_passes", 1)

	v.SetDefault("worker.poll_interval", "2s")
	v.SetDefault("metrics.port", "9090")
	v.SetDefault("tracing.enabled", false)
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
	}
	if c.Ingest.MaxFilesPerUpload <= 0 || c.Ingest.MaxFileSize <= 0 {
		return fmt.Errorf("ingest limits must be positive")
	}
	if c.Retention.GDPRPasses < 3 {
		return fmt.Errorf("retention.gdpr_passes must be at least 3")
	}
	if c.Retention.ExpiryPasses < 1 || c.Retention.ExpiryPasses > 3 {
		return fmt.Errorf("retention.expiry_passes must be between 1 and 3")
	}
	if err := c.validateTempDirs(); err != nil {
		return err
	}
	if c.AV.ReputationEnabled && c.AV.ReputationAPIKey == "" {
		return fmt.Errorf("av.reputation_api_key is required when reputation scanning is enabled")
	}
	return nil
}

// validateTempDirs rejects scratch directories that are the vault directory
// or one of its parents, since the temp sweep would shred live blobs.
func (c *Config) validateTempDirs() error {
	vaultDir, err := filepath.Abs(c.Vault.Dir)
	if err != nil {
		return fmt.Errorf("resolve vault.dir: %w", err)
	}
	for _, dir := range c.Vault.TempDirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("resolve vault.temp_dirs entry %q: %w", dir, err)
		}
		rel, err := filepath.Rel(abs, vaultDir)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return fmt.Errorf("vault.temp_dirs entry %q contains vault.dir %q", dir, c.Vault.Dir)
		}
	}
	return nil
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile loads .env from the working directory or its parent. Missing files are fine.
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
