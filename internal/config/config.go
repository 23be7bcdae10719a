package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "ledgerflow.yml"

// Config models ledgerflow.yml.
type Config struct {
	Account struct {
		ID     string   `yaml:"id"`
		Assets []string `yaml:"assets"`
	} `yaml:"account"`
	Ledger struct {
		Driver    string        `yaml:"driver"`
		URL       string        `yaml:"url"`
		Token     string        `yaml:"token"`
		Timeout   time.Duration `yaml:"timeout"`
		RPS       float64       `yaml:"rps"`
		DebtAsset string        `yaml:"debt_asset"`
		Spenders  Spenders      `yaml:"spenders"`
	} `yaml:"ledger"`
	Confirmation struct {
		Timeout      time.Duration `yaml:"timeout"`
		PollInterval time.Duration `yaml:"poll_interval"`
		PollBurst    int           `yaml:"poll_burst"`
		Lease        time.Duration `yaml:"lease"`
	} `yaml:"confirmation"`
	Batch struct {
		AutoRelease *bool `yaml:"auto_release"`
	} `yaml:"batch"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// Spenders are the addresses authorize steps grant allowance to.
type Spenders struct {
	Pool      string `yaml:"pool"`
	Tranche   string `yaml:"tranche"`
	Financing string `yaml:"financing"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret"`
	Events  []string `yaml:"events"`
	Enabled *bool    `yaml:"enabled"`
}

// IsEnabled defaults to true when unset.
func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

const (
	DriverMemory  = "memory"
	DriverGateway = "gateway"
)

// AutoRelease reports whether a zero obligation should start a release batch.
func (c *Config) AutoRelease() bool {
	return c.Batch.AutoRelease == nil || *c.Batch.AutoRelease
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = DriverMemory
	}
	if c.Ledger.Timeout <= 0 {
		c.Ledger.Timeout = 15 * time.Second
	}
	if c.Ledger.DebtAsset == "" {
		c.Ledger.DebtAsset = "USDC"
	}
	if c.Confirmation.Timeout <= 0 {
		c.Confirmation.Timeout = 90 * time.Second
	}
	if c.Confirmation.PollInterval <= 0 {
		c.Confirmation.PollInterval = 2 * time.Second
	}
	if c.Confirmation.PollBurst <= 0 {
		c.Confirmation.PollBurst = 1
	}
	if c.Confirmation.Lease <= 0 {
		c.Confirmation.Lease = 30 * time.Second
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case DriverMemory:
	case DriverGateway:
		if c.Ledger.URL == "" {
			return fmt.Errorf("config.ledger.url is required for the gateway driver")
		}
		if _, err := url.ParseRequestURI(c.Ledger.URL); err != nil {
			return fmt.Errorf("config.ledger.url: %w", err)
		}
	default:
		return fmt.Errorf("config.ledger.driver must be %q or %q", DriverMemory, DriverGateway)
	}
	if c.Confirmation.PollInterval > c.Confirmation.Timeout {
		return fmt.Errorf("config.confirmation.poll_interval must not exceed confirmation.timeout")
	}
	for _, a := range c.Account.Assets {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("config.account.assets contains an empty asset")
		}
	}
	for i, h := range c.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, e := range h.Events {
			if e == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with lf init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config for an account.
func Default(accountID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(accountID)))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(accountID string) string {
	return fmt.Sprintf(defaultTemplate, accountID)
}

// FromYAML parses, defaults and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Write stores cfg as the workspace config.
func Write(workspace string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0o644)
}

const defaultTemplate = `account:
  id: %q
  assets: [USDC, WETH]

ledger:
  driver: memory
  timeout: 15s
  debt_asset: USDC
  spenders:
    pool: "0xpool"
    tranche: "0xtranche"
    financing: "0xfinancing"

confirmation:
  timeout: 90s
  poll_interval: 2s
  poll_burst: 1
  lease: 30s

batch:
  auto_release: true
`
