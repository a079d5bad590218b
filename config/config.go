// Package config loads certd settings from a TOML or YAML file with
// CERTD_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is passed to envconfig. Fields carry fully qualified names such
// as CERTD_LEDGER_RPC_URL, so lookups resolve through the tag alias.
const EnvPrefix = "certd"

// Config is the full runtime configuration.
type Config struct {
	Listen    string          `toml:"listen" yaml:"listen" envconfig:"CERTD_LISTEN"`
	Env       string          `toml:"env" yaml:"env" envconfig:"CERTD_ENV"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
	Database  DatabaseConfig  `toml:"database" yaml:"database"`
	Ledger    LedgerConfig    `toml:"ledger" yaml:"ledger"`
	Content   ContentConfig   `toml:"content" yaml:"content"`
	Notify    NotifyConfig    `toml:"notify" yaml:"notify"`
	Recon     ReconConfig     `toml:"recon" yaml:"recon"`
	Lease     LeaseConfig     `toml:"lease" yaml:"lease"`
	Verify    VerifyConfig    `toml:"verify" yaml:"verify"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	API       APIConfig       `toml:"api" yaml:"api"`
}

type LoggingConfig struct {
	Level      string `toml:"level" yaml:"level" envconfig:"CERTD_LOGGING_LEVEL"`
	File       string `toml:"file" yaml:"file" envconfig:"CERTD_LOGGING_FILE"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb" envconfig:"CERTD_LOGGING_MAX_SIZE_MB"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups" envconfig:"CERTD_LOGGING_MAX_BACKUPS"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days" envconfig:"CERTD_LOGGING_MAX_AGE_DAYS"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver" yaml:"driver" envconfig:"CERTD_DATABASE_DRIVER"`
	DSN    string `toml:"dsn" yaml:"dsn" envconfig:"CERTD_DATABASE_DSN"`
}

// LedgerConfig points at the certificate registry contract.
type LedgerConfig struct {
	RPCURL                string   `toml:"rpc_url" yaml:"rpc_url" envconfig:"CERTD_LEDGER_RPC_URL"`
	ContractAddress       string   `toml:"contract_address" yaml:"contract_address" envconfig:"CERTD_LEDGER_CONTRACT_ADDRESS"`
	ChainID               int64    `toml:"chain_id" yaml:"chain_id" envconfig:"CERTD_LEDGER_CHAIN_ID"`
	DeployBlock           uint64   `toml:"deploy_block" yaml:"deploy_block" envconfig:"CERTD_LEDGER_DEPLOY_BLOCK"`
	SignerKey             string   `toml:"signer_key" yaml:"signer_key" envconfig:"CERTD_LEDGER_SIGNER_KEY"`
	SignerKeyEnv          string   `toml:"signer_key_env" yaml:"signer_key_env" envconfig:"CERTD_LEDGER_SIGNER_KEY_ENV"`
	SignerKeyFile         string   `toml:"signer_key_file" yaml:"signer_key_file" envconfig:"CERTD_LEDGER_SIGNER_KEY_FILE"`
	KeystorePath          string   `toml:"keystore_path" yaml:"keystore_path" envconfig:"CERTD_LEDGER_KEYSTORE_PATH"`
	KeystorePassphraseEnv string   `toml:"keystore_passphrase_env" yaml:"keystore_passphrase_env" envconfig:"CERTD_LEDGER_KEYSTORE_PASSPHRASE_ENV"`
	CallTimeout           Duration `toml:"call_timeout" yaml:"call_timeout" envconfig:"CERTD_LEDGER_CALL_TIMEOUT"`
	SubmitTimeout         Duration `toml:"submit_timeout" yaml:"submit_timeout" envconfig:"CERTD_LEDGER_SUBMIT_TIMEOUT"`
	RequestsPerSecond     float64  `toml:"requests_per_second" yaml:"requests_per_second" envconfig:"CERTD_LEDGER_REQUESTS_PER_SECOND"`
	ExplorerTxURL         string   `toml:"explorer_tx_url" yaml:"explorer_tx_url" envconfig:"CERTD_LEDGER_EXPLORER_TX_URL"`
}

// ContentConfig selects where certificate PDFs live.
type ContentConfig struct {
	Backend     string   `toml:"backend" yaml:"backend" envconfig:"CERTD_CONTENT_BACKEND"`
	APIURL      string   `toml:"api_url" yaml:"api_url" envconfig:"CERTD_CONTENT_API_URL"`
	GatewayBase string   `toml:"gateway_base" yaml:"gateway_base" envconfig:"CERTD_CONTENT_GATEWAY_BASE"`
	LocalPath   string   `toml:"local_path" yaml:"local_path" envconfig:"CERTD_CONTENT_LOCAL_PATH"`
	Timeout     Duration `toml:"timeout" yaml:"timeout" envconfig:"CERTD_CONTENT_TIMEOUT"`
}

type NotifyConfig struct {
	Backend       string        `toml:"backend" yaml:"backend" envconfig:"CERTD_NOTIFY_BACKEND"`
	SMTP          SMTPConfig    `toml:"smtp" yaml:"smtp"`
	Webhook       WebhookConfig `toml:"webhook" yaml:"webhook"`
	Timeout       Duration      `toml:"timeout" yaml:"timeout" envconfig:"CERTD_NOTIFY_TIMEOUT"`
	PerMinute     int           `toml:"per_minute" yaml:"per_minute" envconfig:"CERTD_NOTIFY_PER_MINUTE"`
	VerifyBaseURL string        `toml:"verify_base_url" yaml:"verify_base_url" envconfig:"CERTD_NOTIFY_VERIFY_BASE_URL"`
}

type SMTPConfig struct {
	Host         string `toml:"host" yaml:"host" envconfig:"CERTD_NOTIFY_SMTP_HOST"`
	Port         int    `toml:"port" yaml:"port" envconfig:"CERTD_NOTIFY_SMTP_PORT"`
	Username     string `toml:"username" yaml:"username" envconfig:"CERTD_NOTIFY_SMTP_USERNAME"`
	Password     string `toml:"password" yaml:"password" envconfig:"CERTD_NOTIFY_SMTP_PASSWORD"`
	PasswordEnv  string `toml:"password_env" yaml:"password_env" envconfig:"CERTD_NOTIFY_SMTP_PASSWORD_ENV"`
	PasswordFile string `toml:"password_file" yaml:"password_file" envconfig:"CERTD_NOTIFY_SMTP_PASSWORD_FILE"`
	From         string `toml:"from" yaml:"from" envconfig:"CERTD_NOTIFY_SMTP_FROM"`
}

type WebhookConfig struct {
	URL        string `toml:"url" yaml:"url" envconfig:"CERTD_NOTIFY_WEBHOOK_URL"`
	Secret     string `toml:"secret" yaml:"secret" envconfig:"CERTD_NOTIFY_WEBHOOK_SECRET"`
	SecretEnv  string `toml:"secret_env" yaml:"secret_env" envconfig:"CERTD_NOTIFY_WEBHOOK_SECRET_ENV"`
	SecretFile string `toml:"secret_file" yaml:"secret_file" envconfig:"CERTD_NOTIFY_WEBHOOK_SECRET_FILE"`
}

// ReconConfig drives the reconciliation scheduler.
type ReconConfig struct {
	BurstInterval     Duration `toml:"burst_interval" yaml:"burst_interval" envconfig:"CERTD_RECON_BURST_INTERVAL"`
	BurstCount        int      `toml:"burst_count" yaml:"burst_count" envconfig:"CERTD_RECON_BURST_COUNT"`
	SteadyInterval    Duration `toml:"steady_interval" yaml:"steady_interval" envconfig:"CERTD_RECON_STEADY_INTERVAL"`
	HealthInterval    Duration `toml:"health_interval" yaml:"health_interval" envconfig:"CERTD_RECON_HEALTH_INTERVAL"`
	BatchLimit        int      `toml:"batch_limit" yaml:"batch_limit" envconfig:"CERTD_RECON_BATCH_LIMIT"`
	ConfirmationGrace Duration `toml:"confirmation_grace" yaml:"confirmation_grace" envconfig:"CERTD_RECON_CONFIRMATION_GRACE"`
	LeaseTTL          Duration `toml:"lease_ttl" yaml:"lease_ttl" envconfig:"CERTD_RECON_LEASE_TTL"`
	ShutdownGrace     Duration `toml:"shutdown_grace" yaml:"shutdown_grace" envconfig:"CERTD_RECON_SHUTDOWN_GRACE"`
}

type LeaseConfig struct {
	Backend       string `toml:"backend" yaml:"backend" envconfig:"CERTD_LEASE_BACKEND"`
	RedisAddr     string `toml:"redis_addr" yaml:"redis_addr" envconfig:"CERTD_LEASE_REDIS_ADDR"`
	RedisPassword string `toml:"redis_password" yaml:"redis_password" envconfig:"CERTD_LEASE_REDIS_PASSWORD"`
	RedisDB       int    `toml:"redis_db" yaml:"redis_db" envconfig:"CERTD_LEASE_REDIS_DB"`
}

type VerifyConfig struct {
	PartialScanLimit int `toml:"partial_scan_limit" yaml:"partial_scan_limit" envconfig:"CERTD_VERIFY_PARTIAL_SCAN_LIMIT"`
	MinPartialLength int `toml:"min_partial_length" yaml:"min_partial_length" envconfig:"CERTD_VERIFY_MIN_PARTIAL_LENGTH"`
}

type TelemetryConfig struct {
	Endpoint string `toml:"endpoint" yaml:"endpoint" envconfig:"CERTD_TELEMETRY_ENDPOINT"`
	Insecure bool   `toml:"insecure" yaml:"insecure" envconfig:"CERTD_TELEMETRY_INSECURE"`
	Headers  string `toml:"headers" yaml:"headers" envconfig:"CERTD_TELEMETRY_HEADERS"`
	Traces   bool   `toml:"traces" yaml:"traces" envconfig:"CERTD_TELEMETRY_TRACES"`
	Metrics  bool   `toml:"metrics" yaml:"metrics" envconfig:"CERTD_TELEMETRY_METRICS"`
}

type APIConfig struct {
	RequestsPerMinute int      `toml:"requests_per_minute" yaml:"requests_per_minute" envconfig:"CERTD_API_REQUESTS_PER_MINUTE"`
	Burst             int      `toml:"burst" yaml:"burst" envconfig:"CERTD_API_BURST"`
	AllowedOrigins    []string `toml:"allowed_origins" yaml:"allowed_origins" envconfig:"CERTD_API_ALLOWED_ORIGINS"`
}

// Load reads path (when non-empty), applies CERTD_* overrides, fills
// defaults and validates the result. A missing path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: env overrides: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
	case ".toml", "":
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config: %s: unknown key %q", path, undecoded[0].String())
		}
	default:
		return fmt.Errorf("config: unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays <= 0 {
		cfg.Logging.MaxAgeDays = 28
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "certd.db"
	}
	cfg.Ledger.CallTimeout.orDefault(defaultCallTimeout)
	cfg.Ledger.SubmitTimeout.orDefault(defaultSubmitTimeout)
	if cfg.Ledger.RequestsPerSecond <= 0 {
		cfg.Ledger.RequestsPerSecond = 10
	}
	if cfg.Content.Backend == "" {
		cfg.Content.Backend = "local"
	}
	if cfg.Content.GatewayBase == "" {
		cfg.Content.GatewayBase = "https://ipfs.io/ipfs"
	}
	if cfg.Content.LocalPath == "" {
		cfg.Content.LocalPath = "certd-content.db"
	}
	cfg.Content.Timeout.orDefault(defaultContentTimeout)
	if cfg.Notify.Backend == "" {
		cfg.Notify.Backend = "log"
	}
	if cfg.Notify.SMTP.Port == 0 {
		cfg.Notify.SMTP.Port = 587
	}
	cfg.Notify.Timeout.orDefault(defaultNotifyTimeout)
	if cfg.Notify.PerMinute <= 0 {
		cfg.Notify.PerMinute = 60
	}
	cfg.Recon.BurstInterval.orDefault(defaultBurstInterval)
	if cfg.Recon.BurstCount <= 0 {
		cfg.Recon.BurstCount = 20
	}
	cfg.Recon.SteadyInterval.orDefault(defaultSteadyInterval)
	cfg.Recon.HealthInterval.orDefault(defaultHealthInterval)
	if cfg.Recon.BatchLimit <= 0 {
		cfg.Recon.BatchLimit = 100
	}
	cfg.Recon.ConfirmationGrace.orDefault(defaultConfirmationGrace)
	cfg.Recon.LeaseTTL.orDefault(defaultLeaseTTL)
	cfg.Recon.ShutdownGrace.orDefault(defaultShutdownGrace)
	if cfg.Lease.Backend == "" {
		cfg.Lease.Backend = "memory"
	}
	if cfg.Verify.PartialScanLimit <= 0 {
		cfg.Verify.PartialScanLimit = 5000
	}
	if cfg.Verify.MinPartialLength <= 0 {
		cfg.Verify.MinPartialLength = 16
	}
	if cfg.API.RequestsPerMinute <= 0 {
		cfg.API.RequestsPerMinute = 120
	}
	if cfg.API.Burst <= 0 {
		cfg.API.Burst = 20
	}
}

// Save writes cfg as TOML, creating parent directories.
func Save(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
