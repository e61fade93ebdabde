// Package config handles weft configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./weft.yaml, ~/.config/weft/weft.yaml, /etc/weft/weft.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"weft.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "weft", "weft.yaml"))
	}

	paths = append(paths, "/etc/weft/weft.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all weft configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Engine    EngineConfig    `yaml:"engine"`
	Notify    NotifyConfig    `yaml:"notify"`
	Providers ProvidersConfig `yaml:"providers"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the admin API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8420
}

// EngineConfig defines scheduler and rule-processing behavior.
//
// The debounce window is deliberately an independent knob rather than
// being derived from the tick period: under timer jitter a window tied
// to the tick can either double-fire a rule or skip a cycle.
type EngineConfig struct {
	// TickSec is the evaluation period in seconds (default 60).
	TickSec int `yaml:"tick_sec"`
	// DebounceSec is the minimum age of a rule's watermark before it is
	// evaluated again (default 59).
	DebounceSec int `yaml:"debounce_sec"`
	// TickTimeoutSec bounds a whole tick. Must be below TickSec so
	// ticks cannot pile up (default 55).
	TickTimeoutSec int `yaml:"tick_timeout_sec"`
	// CallTimeoutSec bounds each individual provider call (default 15).
	CallTimeoutSec int `yaml:"call_timeout_sec"`
	// Workers is the maximum number of rules processed concurrently
	// within one tick (default 4).
	Workers int `yaml:"workers"`
}

// NotifyConfig defines the optional MQTT event publisher.
type NotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. mqtt://broker.local:1883
	Topic    string `yaml:"topic"`  // Default: weft/events
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ProvidersConfig groups per-provider settings.
type ProvidersConfig struct {
	GitHub  OAuthConfig   `yaml:"github"`
	Video   OAuthConfig   `yaml:"video"`
	Storage OAuthConfig   `yaml:"storage"`
	Chat    ChatConfig    `yaml:"chat"`
	Weather WeatherConfig `yaml:"weather"`
	Mailbox MailboxConfig `yaml:"mailbox"`
}

// OAuthConfig holds the OAuth client settings for one provider. The
// token endpoint is used by the credential manager to exchange refresh
// tokens; BaseURL overrides the provider API root (used in tests).
type OAuthConfig struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	BaseURL      string `yaml:"base_url"`
}

// ChatConfig defines the chat provider, which authenticates with a
// static bot token instead of per-user OAuth.
type ChatConfig struct {
	BaseURL  string `yaml:"base_url"`
	BotToken string `yaml:"bot_token"`
}

// WeatherConfig defines the weather data provider.
type WeatherConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// MailboxConfig defines the IMAP/SMTP mailbox provider. Authentication
// uses the managed OAuth access token over SASL OAUTHBEARER.
type MailboxConfig struct {
	OAuth        OAuthConfig `yaml:"oauth"`
	Address      string      `yaml:"address"` // Mailbox address, also the SASL username
	IMAPHost     string      `yaml:"imap_host"`
	IMAPPort     int         `yaml:"imap_port"` // Default: 993
	SMTPHost     string      `yaml:"smtp_host"`
	SMTPPort     int         `yaml:"smtp_port"` // Default: 587
	SMTPStartTLS bool        `yaml:"smtp_starttls"`
	TrashFolder  string      `yaml:"trash_folder"` // Default: Trash
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen:  ListenConfig{Port: 8420},
		DataDir: "data",
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in missing optional fields with sensible values.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8420
	}
	if c.Engine.TickSec == 0 {
		c.Engine.TickSec = 60
	}
	if c.Engine.DebounceSec == 0 {
		c.Engine.DebounceSec = 59
	}
	if c.Engine.TickTimeoutSec == 0 {
		c.Engine.TickTimeoutSec = 55
	}
	if c.Engine.CallTimeoutSec == 0 {
		c.Engine.CallTimeoutSec = 15
	}
	if c.Engine.Workers == 0 {
		c.Engine.Workers = 4
	}
	if c.Notify.Topic == "" {
		c.Notify.Topic = "weft/events"
	}
	if c.Notify.ClientID == "" {
		c.Notify.ClientID = "weftd"
	}
	if c.Providers.Mailbox.IMAPPort == 0 {
		c.Providers.Mailbox.IMAPPort = 993
	}
	if c.Providers.Mailbox.SMTPPort == 0 {
		c.Providers.Mailbox.SMTPPort = 587
	}
	if c.Providers.Mailbox.TrashFolder == "" {
		c.Providers.Mailbox.TrashFolder = "Trash"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Engine.TickSec < 1 {
		return fmt.Errorf("engine.tick_sec must be at least 1, got %d", c.Engine.TickSec)
	}
	if c.Engine.DebounceSec < 0 {
		return fmt.Errorf("engine.debounce_sec must not be negative, got %d", c.Engine.DebounceSec)
	}
	if c.Engine.TickTimeoutSec > c.Engine.TickSec {
		return fmt.Errorf("engine.tick_timeout_sec (%d) must not exceed engine.tick_sec (%d)",
			c.Engine.TickTimeoutSec, c.Engine.TickSec)
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Notify.Enabled && c.Notify.Broker == "" {
		return fmt.Errorf("notify.broker is required when notify is enabled")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}
