// Package config loads service configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the full service configuration.
type Config struct {
	Host          string `yaml:"host"`
	Port          string `yaml:"port"`
	DBPath        string `yaml:"db_path"`
	PublicBaseURL string `yaml:"public_base_url"`
	ClientURL     string `yaml:"client_url"`
	AdminPassword string `yaml:"admin_password"`
	Verbose       bool   `yaml:"verbose"`
	// Timezone used for bare due dates and the description trailer.
	Timezone string `yaml:"timezone"`

	Microsoft    MicrosoftConfig    `yaml:"microsoft"`
	Vault        VaultConfig        `yaml:"vault"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
}

// MicrosoftConfig holds the Azure AD app registration.
type MicrosoftConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Tenant       string `yaml:"tenant"`
	RedirectURI  string `yaml:"redirect_uri"`
	GraphBaseURL string `yaml:"graph_base_url"`
}

type VaultConfig struct {
	RefreshMargin Duration `yaml:"refresh_margin"`
}

type SubscriptionConfig struct {
	Resource       string   `yaml:"resource"`
	ChangeType     string   `yaml:"change_type"`
	ReuseThreshold Duration `yaml:"reuse_threshold"`
	// MaxMinutes is the provider ceiling for the watched resource type, at
	// most MaxMessageSubscriptionMinutes.
	MaxMinutes    int      `yaml:"max_minutes"`
	MarginMinutes int      `yaml:"margin_minutes"`
	RenewInterval Duration `yaml:"renew_interval"`
	RenewWindow   Duration `yaml:"renew_window"`
}

type IngestConfig struct {
	Workers        int      `yaml:"workers"`
	QueueSize      int      `yaml:"queue_size"`
	DedupTTL       Duration `yaml:"dedup_ttl"`
	DedupCapacity  int      `yaml:"dedup_capacity"`
	FetchAttempts  int      `yaml:"fetch_attempts"`
	FetchBackoff   Duration `yaml:"fetch_backoff"`
	BlockedSenders []string `yaml:"blocked_senders"`
}

type ClassifierConfig struct {
	APIKey       string   `yaml:"api_key"`
	BaseURL      string   `yaml:"base_url"`
	Model        string   `yaml:"model"`
	Timeout      Duration `yaml:"timeout"`
	MaxBodyChars int      `yaml:"max_body_chars"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Host:     "127.0.0.1",
		Port:     "5001",
		DBPath:   "inbox-tasks.db",
		Timezone: "Local",
		Microsoft: MicrosoftConfig{
			Tenant:       "common",
			GraphBaseURL: "https://graph.microsoft.com/v1.0",
		},
		Vault: VaultConfig{RefreshMargin: Duration(60 * time.Second)},
		Subscription: SubscriptionConfig{
			Resource:       "/me/messages",
			ChangeType:     "created",
			ReuseThreshold: Duration(15 * time.Minute),
			MaxMinutes:     MaxMessageSubscriptionMinutes,
			MarginMinutes:  10,
			RenewInterval:  Duration(30 * time.Minute),
			RenewWindow:    Duration(24 * time.Hour),
		},
		Ingest: IngestConfig{
			Workers:        4,
			QueueSize:      1024,
			DedupTTL:       Duration(90 * time.Second),
			DedupCapacity:  10000,
			FetchAttempts:  3,
			FetchBackoff:   Duration(400 * time.Millisecond),
			BlockedSenders: []string{"quickbooks.com", "mailchimp.com"},
		},
		Classifier: ClassifierConfig{
			BaseURL:      "https://api.openai.com/v1",
			Model:        "gpt-4o-mini",
			Timeout:      Duration(60 * time.Second),
			MaxBodyChars: 2000,
		},
	}
}

// Load reads the YAML file at path (or the first default location that
// exists when path is empty), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}
	if resolved != "" {
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", resolved, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", resolved, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MaxMessageSubscriptionMinutes is the longest lifetime Graph grants a
// subscription on mail messages.
const MaxMessageSubscriptionMinutes = 4230

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c.PublicBaseURL != "" && !strings.HasPrefix(strings.ToLower(c.PublicBaseURL), "https://") {
		return fmt.Errorf("public_base_url must be https, got %q", c.PublicBaseURL)
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers)
	}
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest.queue_size must be positive, got %d", c.Ingest.QueueSize)
	}
	if c.Ingest.FetchAttempts <= 0 {
		return fmt.Errorf("ingest.fetch_attempts must be positive, got %d", c.Ingest.FetchAttempts)
	}
	if c.Subscription.MaxMinutes <= 0 || c.Subscription.MaxMinutes > MaxMessageSubscriptionMinutes {
		return fmt.Errorf("subscription.max_minutes must be between 1 and %d, got %d",
			MaxMessageSubscriptionMinutes, c.Subscription.MaxMinutes)
	}
	if c.Subscription.MarginMinutes < 0 || c.Subscription.MarginMinutes >= c.Subscription.MaxMinutes {
		return fmt.Errorf("subscription.margin_minutes (%d) must be below max_minutes (%d)",
			c.Subscription.MarginMinutes, c.Subscription.MaxMinutes)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// NotificationURL is the webhook address registered with Graph.
func (c *Config) NotificationURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.PublicBaseURL, "/") + "/api/microsoft/notifications"
}

func resolveConfigPath(explicit string) (string, error) {
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv("INBOX_CONFIG"))
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/inbox-tasks.yaml",
		"/etc/inbox-tasks/inbox-tasks.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "inbox-tasks", "inbox-tasks.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func applyEnv(c *Config) error {
	setString(&c.Host, "HOST")
	setString(&c.Port, "PORT")
	setString(&c.DBPath, "INBOX_DB_PATH")
	setString(&c.PublicBaseURL, "PUBLIC_API_BASE_URL")
	setString(&c.ClientURL, "CLIENT_URL")
	setString(&c.AdminPassword, "INBOX_ADMIN_PASSWORD")
	setString(&c.Timezone, "INBOX_TIMEZONE")
	setString(&c.Microsoft.ClientID, "MS_CLIENT_ID")
	setString(&c.Microsoft.ClientSecret, "MS_CLIENT_SECRET")
	setString(&c.Microsoft.Tenant, "MS_TENANT")
	setString(&c.Microsoft.RedirectURI, "MS_REDIRECT_URI")
	setString(&c.Classifier.APIKey, "OPENAI_API_KEY")
	setString(&c.Classifier.BaseURL, "OPENAI_BASE_URL")
	setString(&c.Classifier.Model, "OPENAI_MODEL")

	if err := setBool(&c.Verbose, "INBOX_VERBOSE"); err != nil {
		return err
	}
	if err := setInt(&c.Ingest.Workers, "INBOX_WORKERS"); err != nil {
		return err
	}
	if err := setInt(&c.Ingest.QueueSize, "INBOX_QUEUE_SIZE"); err != nil {
		return err
	}
	if err := setDuration(&c.Ingest.DedupTTL, "INBOX_DEDUP_TTL"); err != nil {
		return err
	}
	if err := setDuration(&c.Subscription.RenewInterval, "INBOX_RENEW_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.Subscription.RenewWindow, "INBOX_RENEW_WINDOW"); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("INBOX_BLOCKED_SENDERS"); ok {
		c.Ingest.BlockedSenders = splitList(v)
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s has invalid integer %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	*dst = Duration(d)
	return nil
}

// setBool accepts 1/true/yes and 0/false/no, case-insensitive.
func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		*dst = true
	case "0", "false", "no":
		*dst = false
	default:
		return fmt.Errorf("%s has invalid boolean %q", key, v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
