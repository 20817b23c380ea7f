package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tinytelemetry/labwatch/internal/model"
)

const (
	EnvPrefix = "LABWATCH"

	defaultAPIAddr        = "127.0.0.1:8000"
	defaultDataDir        = "./data"
	defaultLogSuffix      = model.DefaultLogSuffix
	defaultRetentionDays  = 30
	defaultAgentModel     = "gpt-4o-mini"
	defaultAgentBaseURL   = "https://openrouter.ai/api/v1"
	defaultSlackChannel   = "#alerts"
	defaultEmailServer    = "smtp.gmail.com"
	defaultEmailPort      = 587
	defaultChannel        = "email"
	defaultMaxToolRounds  = 5
	defaultAgentTimeout   = 60 * time.Second
	defaultAgentMaxTokens = 1000
)

var defaultAllowedLabs = []string{"lab1", "lab2", "lab3", "lab4", "lab5"}

// Config is the full runtime configuration.
type Config struct {
	APIAddr     string   `mapstructure:"api-addr"`
	AllowedLabs []string `mapstructure:"allowed-labs"`
	PreloadLabs []string `mapstructure:"preload-labs"`
	DataDir     string   `mapstructure:"data-dir"`
	LogLevel    string   `mapstructure:"log-level"`
	LogFormat   string   `mapstructure:"log-format"`
	LogFile     string   `mapstructure:"log-file"`

	Monitor Monitor                `mapstructure:"monitor"`
	Agent   Agent                  `mapstructure:"agent"`
	Notify  Notify                 `mapstructure:"notify"`
	Events  Events                 `mapstructure:"events"`
	Labs    map[string]LabOverride `mapstructure:"labs"`

	ConfigPath string `mapstructure:"-"`
}

type Monitor struct {
	AutoProcess          bool          `mapstructure:"auto-process"`
	NotificationCooldown time.Duration `mapstructure:"notification-cooldown"`
	MaxAnomalies         int           `mapstructure:"max-anomalies"`
	CrashTimeout         time.Duration `mapstructure:"crash-timeout"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat-interval"`
	ControllerAppPath    string        `mapstructure:"controller-app-path"`
	LogSuffix            string        `mapstructure:"log-suffix"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown-timeout"`
}

type Agent struct {
	Model         string        `mapstructure:"model"`
	Temperature   float64       `mapstructure:"temperature"`
	MaxTokens     int64         `mapstructure:"max-tokens"`
	TopP          float64       `mapstructure:"top-p"`
	APIKey        string        `mapstructure:"api-key"`
	BaseURL       string        `mapstructure:"base-url"`
	MaxToolRounds int           `mapstructure:"max-tool-rounds"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type Notify struct {
	SlackToken    string   `mapstructure:"slack-token"`
	SlackChannel  string   `mapstructure:"slack-channel"`
	EmailServer   string   `mapstructure:"email-server"`
	EmailPort     int      `mapstructure:"email-port"`
	EmailUser     string   `mapstructure:"email-user"`
	EmailPassword string   `mapstructure:"email-password"`
	EmailTo       []string `mapstructure:"email-to"`
}

type Events struct {
	DBPath        string `mapstructure:"db-path"`
	RetentionDays int    `mapstructure:"retention-days"`
}

// LabOverride holds the optional per-lab settings from the config file.
type LabOverride struct {
	Name                 string   `mapstructure:"name"`
	LogDir               string   `mapstructure:"log-dir"`
	SOPDir               string   `mapstructure:"sop-dir"`
	HintsDir             string   `mapstructure:"hints-dir"`
	IndexDir             string   `mapstructure:"index-dir"`
	StateFile            string   `mapstructure:"state-file"`
	NotificationChannels []string `mapstructure:"notification-channels"`
}

// LabSettings is the resolved per-lab layout.
type LabSettings struct {
	ID        string
	Name      string
	LogDir    string
	SOPDir    string
	HintsDir  string
	IndexDir  string
	StateFile string
	Channels  []string
}

// Load reads .env (when present), the optional config file and the
// LABWATCH_* environment. An empty configPath means
// $HOME/.config/labwatch/config.yml.
func Load(configPath, envFile string) (Config, error) {
	var cfg Config

	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("config: load %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			configPath = filepath.Join(home, ".config", "labwatch", "config.yml")
		}
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return cfg, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode: %w", err)
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api-addr", defaultAPIAddr)
	v.SetDefault("allowed-labs", defaultAllowedLabs)
	v.SetDefault("preload-labs", []string{})
	v.SetDefault("data-dir", defaultDataDir)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "auto")
	v.SetDefault("log-file", "")

	v.SetDefault("monitor.auto-process", false)
	v.SetDefault("monitor.notification-cooldown", model.DefaultNotificationCooldown)
	v.SetDefault("monitor.max-anomalies", model.DefaultMaxAnomalies)
	v.SetDefault("monitor.crash-timeout", model.DefaultCrashTimeout)
	v.SetDefault("monitor.heartbeat-interval", model.DefaultHeartbeatInterval)
	v.SetDefault("monitor.controller-app-path", "")
	v.SetDefault("monitor.log-suffix", defaultLogSuffix)
	v.SetDefault("monitor.shutdown-timeout", model.DefaultShutdownTimeout)

	v.SetDefault("agent.model", defaultAgentModel)
	v.SetDefault("agent.temperature", 0.3)
	v.SetDefault("agent.max-tokens", defaultAgentMaxTokens)
	v.SetDefault("agent.top-p", 0.9)
	v.SetDefault("agent.api-key", "")
	v.SetDefault("agent.base-url", defaultAgentBaseURL)
	v.SetDefault("agent.max-tool-rounds", defaultMaxToolRounds)
	v.SetDefault("agent.timeout", defaultAgentTimeout)

	v.SetDefault("notify.slack-token", "")
	v.SetDefault("notify.slack-channel", defaultSlackChannel)
	v.SetDefault("notify.email-server", defaultEmailServer)
	v.SetDefault("notify.email-port", defaultEmailPort)
	v.SetDefault("notify.email-user", "")
	v.SetDefault("notify.email-password", "")
	v.SetDefault("notify.email-to", []string{})

	v.SetDefault("events.db-path", "")
	v.SetDefault("events.retention-days", defaultRetentionDays)
}

func (c *Config) normalize() {
	c.DataDir = expandHome(c.DataDir)
	c.LogFile = expandHome(c.LogFile)
	c.AllowedLabs = cleanList(c.AllowedLabs)
	c.PreloadLabs = cleanList(c.PreloadLabs)
	c.Notify.EmailTo = cleanList(c.Notify.EmailTo)
	if c.Events.DBPath == "" {
		c.Events.DBPath = filepath.Join(c.DataDir, "events.duckdb")
	} else if c.Events.DBPath == ":memory:" {
		c.Events.DBPath = ""
	} else {
		c.Events.DBPath = expandHome(c.Events.DBPath)
	}
}

// Validate rejects settings the monitor cannot run with.
func (c Config) Validate() error {
	if len(c.AllowedLabs) == 0 {
		return errors.New("config: allowed-labs must not be empty")
	}
	for _, id := range c.PreloadLabs {
		if !c.IsAllowed(id) {
			return fmt.Errorf("config: preload lab %q is not in allowed-labs", id)
		}
	}
	if c.Monitor.MaxAnomalies <= 0 {
		return fmt.Errorf("config: invalid monitor.max-anomalies: %d", c.Monitor.MaxAnomalies)
	}
	if c.Monitor.CrashTimeout <= 0 {
		return fmt.Errorf("config: invalid monitor.crash-timeout: %s", c.Monitor.CrashTimeout)
	}
	if c.Monitor.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: invalid monitor.heartbeat-interval: %s", c.Monitor.HeartbeatInterval)
	}
	if c.Monitor.NotificationCooldown < 0 {
		return fmt.Errorf("config: invalid monitor.notification-cooldown: %s", c.Monitor.NotificationCooldown)
	}
	if c.Notify.EmailPort <= 0 || c.Notify.EmailPort > 65535 {
		return fmt.Errorf("config: invalid notify.email-port: %d", c.Notify.EmailPort)
	}
	return nil
}

// IsAllowed reports whether id is in the lab allow-list.
func (c Config) IsAllowed(id string) bool {
	return slices.Contains(c.AllowedLabs, id)
}

// Lab resolves the directories and channels for one lab. Paths not set in
// labs.<id> default to <data-dir>/<kind>/<id>.
func (c Config) Lab(id string) LabSettings {
	o := c.Labs[strings.ToLower(id)]
	s := LabSettings{
		ID:        id,
		Name:      o.Name,
		LogDir:    orDefault(o.LogDir, filepath.Join(c.DataDir, "logs", id)),
		SOPDir:    orDefault(o.SOPDir, filepath.Join(c.DataDir, "sops", id)),
		HintsDir:  orDefault(o.HintsDir, filepath.Join(c.DataDir, "hints", id)),
		IndexDir:  orDefault(o.IndexDir, filepath.Join(c.DataDir, "index", id)),
		StateFile: orDefault(o.StateFile, filepath.Join(c.DataDir, "state", "drain3_"+id+".json")),
		Channels:  cleanList(o.NotificationChannels),
	}
	if s.Name == "" {
		s.Name = id
	}
	if len(s.Channels) == 0 {
		s.Channels = []string{defaultChannel}
	}
	return s
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return expandHome(v)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// cleanList trims entries and splits any that still hold commas, which is
// how list values arrive from the environment.
func cleanList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
