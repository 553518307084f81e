// Package config resolves process configuration from the environment, with
// an optional YAML file (VIGIL_CONFIG) layered underneath for the pieces
// that do not fit a single env var: the monitor-type image catalog and
// default webhook URLs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the full process configuration. MasterKey is required; every
// other field has a workable default or degrades a feature when empty.
type Config struct {
	Port string

	// Alert engine
	EvaluationInterval time.Duration
	ReconcileInterval  time.Duration

	// Backends
	DatabaseURL    string
	RedisURL       string
	InfluxURL      string
	InfluxToken    string
	InfluxDatabase string
	SampleBackend  string // "influx" or "simulator"

	// Secret vault
	MasterKey string

	// Notification channels
	SendgridAPIKey string
	EmailFrom      string
	SlackWebhook   string
	DiscordWebhook string
	TeamsWebhook   string

	// Cluster
	Namespace string
	Images    ImageCatalog
}

// ImageCatalog maps monitor_type to a container image. Default covers types
// without an explicit entry.
type ImageCatalog struct {
	Default string            `yaml:"default"`
	Types   map[string]string `yaml:"types"`
}

// fileConfig is the optional YAML overlay.
type fileConfig struct {
	Images   ImageCatalog `yaml:"images"`
	Webhooks struct {
		Slack   string `yaml:"slack"`
		Discord string `yaml:"discord"`
		Teams   string `yaml:"teams"`
	} `yaml:"webhooks"`
}

// Load reads .env (best effort), the optional YAML file, then the
// environment. Environment always wins over the file.
func Load() (*Config, error) {
	_ = godotenv.Load() // missing .env is fine

	cfg := &Config{
		Port:               envOr("PORT", "8080"),
		EvaluationInterval: envSeconds("ALERT_EVALUATION_INTERVAL", 30*time.Second),
		ReconcileInterval:  envSeconds("RECONCILE_INTERVAL", 60*time.Second),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		InfluxURL:          envOr("INFLUXDB_URL", "http://localhost:8086"),
		InfluxToken:        os.Getenv("INFLUXDB_TOKEN"),
		InfluxDatabase:     envOr("INFLUXDB_DATABASE", "monitors"),
		SampleBackend:      envOr("SAMPLE_BACKEND", "influx"),
		MasterKey:          os.Getenv("VIGIL_MASTER_KEY"),
		SendgridAPIKey:     os.Getenv("SENDGRID_API_KEY"),
		EmailFrom:          envOr("EMAIL_FROM", "alerts@vigil.dev"),
		SlackWebhook:       os.Getenv("SLACK_WEBHOOK_URL"),
		DiscordWebhook:     os.Getenv("DISCORD_WEBHOOK_URL"),
		TeamsWebhook:       os.Getenv("TEAMS_WEBHOOK_URL"),
		Namespace:          envOr("MONITOR_NAMESPACE", "monitors"),
		Images: ImageCatalog{
			Default: "vigil/monitor-generic:latest",
			Types:   map[string]string{},
		},
	}

	if path := os.Getenv("VIGIL_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if cfg.MasterKey == "" {
		return nil, errors.New("VIGIL_MASTER_KEY must be set")
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	if err := yaml.NewDecoder(f).Decode(&fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if fc.Images.Default != "" {
		c.Images.Default = fc.Images.Default
	}
	for t, img := range fc.Images.Types {
		c.Images.Types[t] = img
	}
	// Env wins over the file for webhook defaults
	if c.SlackWebhook == "" {
		c.SlackWebhook = fc.Webhooks.Slack
	}
	if c.DiscordWebhook == "" {
		c.DiscordWebhook = fc.Webhooks.Discord
	}
	if c.TeamsWebhook == "" {
		c.TeamsWebhook = fc.Webhooks.Teams
	}
	return nil
}

// ImageFor resolves the container image for a monitor type.
func (c *Config) ImageFor(monitorType string) string {
	if img, ok := c.Images.Types[monitorType]; ok {
		return img
	}
	return c.Images.Default
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
