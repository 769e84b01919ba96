// Package config loads jarru configuration: a YAML file layered over
// defaults, with environment variables overriding both.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/jarru/types"
)

// Ledger backends
const (
	BackendLocal    = "local"
	BackendDynamoDB = "dynamodb"
)

// Config is the main configuration
type Config struct {
	Version     string          `yaml:"version"`
	Region      string          `yaml:"region"`
	AccountID   string          `yaml:"account_id,omitempty"`
	PoliciesDir string          `yaml:"policies_dir"`
	DryRun      bool            `yaml:"dry_run"`
	Ledger      LedgerConfig    `yaml:"ledger"`
	Approval    ApprovalConfig  `yaml:"approval"`
	Notify      NotifyConfig    `yaml:"notify,omitempty"`
	Ingest      IngestConfig    `yaml:"ingest,omitempty"`
	Sweep       SweepConfig     `yaml:"sweep,omitempty"`
	Journal     JournalConfig   `yaml:"journal,omitempty"`
	Telemetry   TelemetryConfig `yaml:"telemetry,omitempty"`
}

// LedgerConfig selects and configures the audit ledger backend
type LedgerConfig struct {
	Backend string `yaml:"backend"`
	Table   string `yaml:"table,omitempty"`
	Dir     string `yaml:"dir,omitempty"`
}

// ApprovalConfig configures the approval link signer and webhook
type ApprovalConfig struct {
	Secret        string `yaml:"secret,omitempty"`
	BaseURL       string `yaml:"base_url"`
	WindowMinutes int    `yaml:"window_minutes"`
	Listen        string `yaml:"listen"`
}

// Window returns the approval link validity as a duration
func (a ApprovalConfig) Window() time.Duration {
	return time.Duration(a.WindowMinutes) * time.Minute
}

// NotifyConfig configures outbound notifications
type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url,omitempty"`
}

// IngestConfig configures the SQS event source for daemon mode
type IngestConfig struct {
	QueueURL string `yaml:"queue_url,omitempty"`
}

// SweepConfig configures the TTL cleanup loop
type SweepConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
	BatchSize       int `yaml:"batch_size"`
}

// Interval returns the sweep cadence as a duration
func (s SweepConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// JournalConfig configures the local write-ahead journal. An empty Dir
// disables journaling; the remote ledger stays authoritative either
// way.
type JournalConfig struct {
	Dir           string `yaml:"dir,omitempty"`
	RetentionDays int    `yaml:"retention_days"`
}

// TelemetryConfig configures metrics and trace export
type TelemetryConfig struct {
	MetricsListen string `yaml:"metrics_listen"`
	OTLPEndpoint  string `yaml:"otlp_endpoint,omitempty"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Version:     "v1",
		Region:      "us-east-1",
		PoliciesDir: "policies",
		Ledger: LedgerConfig{
			Backend: BackendLocal,
			Table:   "autoguardrails-audit",
			Dir:     ".jarru",
		},
		Approval: ApprovalConfig{
			BaseURL:       "https://api.autoguardrails.example.com",
			WindowMinutes: 60,
			Listen:        ":8080",
		},
		Sweep: SweepConfig{
			IntervalMinutes: 5,
			BatchSize:       100,
		},
		Journal: JournalConfig{
			RetentionDays: 30,
		},
		Telemetry: TelemetryConfig{
			MetricsListen: ":9090",
		},
	}
}

// LoadConfig loads configuration: defaults, then the file at path when
// path is non-empty, then environment overrides
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv overrides file values from the environment
func (c *Config) applyEnv() {
	setString(&c.Region, "AWS_REGION")
	setString(&c.AccountID, "AWS_ACCOUNT_ID")
	setString(&c.PoliciesDir, "POLICIES_PATH")
	setString(&c.Ledger.Table, "AUDIT_TABLE_NAME")
	setString(&c.Approval.Secret, "APPROVAL_SECRET")
	setString(&c.Approval.BaseURL, "APPROVAL_API_BASE_URL")
	setString(&c.Notify.SlackWebhookURL, "SLACK_WEBHOOK_URL")
	setString(&c.Ingest.QueueURL, "JARRU_QUEUE_URL")

	if v := os.Getenv("DRY_RUN"); strings.EqualFold(v, "true") {
		c.DryRun = true
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate ensures config has required fields and sane values
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.PoliciesDir == "" {
		return fmt.Errorf("policies_dir is required")
	}
	if c.AccountID != "" {
		if err := types.ValidateAccountID(c.AccountID); err != nil {
			return fmt.Errorf("account_id: %w", err)
		}
	}

	switch c.Ledger.Backend {
	case BackendLocal:
		if c.Ledger.Dir == "" {
			return fmt.Errorf("ledger.dir is required for the local backend")
		}
	case BackendDynamoDB:
		if c.Ledger.Table == "" {
			return fmt.Errorf("ledger.table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("ledger.backend must be %s or %s, got %q", BackendLocal, BackendDynamoDB, c.Ledger.Backend)
	}

	if c.Approval.WindowMinutes <= 0 {
		return fmt.Errorf("approval.window_minutes must be positive")
	}
	if c.Sweep.IntervalMinutes <= 0 {
		return fmt.Errorf("sweep.interval_minutes must be positive")
	}
	if c.Sweep.BatchSize <= 0 {
		return fmt.Errorf("sweep.batch_size must be positive")
	}
	if c.Journal.Dir != "" && c.Journal.RetentionDays <= 0 {
		return fmt.Errorf("journal.retention_days must be positive when journaling is enabled")
	}

	return nil
}
