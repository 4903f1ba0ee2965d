package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vincentbai/clicktrace-agent/internal/models"
)

const (
	MinPollInterval = 200 * time.Millisecond
	MaxPollInterval = 300 * time.Millisecond
)

type Config struct {
	CollectorOrigin string            `yaml:"collector_origin"`
	ListenAddress   string            `yaml:"listen_address"`
	DatabasePath    string            `yaml:"database_path"`
	LogLevel        string            `yaml:"log_level"`
	BridgeBuffer    int               `yaml:"bridge_buffer"`
	Routes          map[string]string `yaml:"routes"`
	Capture         CaptureConfig     `yaml:"capture"`
	Identity        IdentityConfig    `yaml:"identity"`
}

type CaptureConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
}

type IdentityConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	TriggerPolicy   string        `yaml:"trigger_policy"` // once|every_click
	TriggerSelector string        `yaml:"trigger_selector"`
	NameSelector    string        `yaml:"name_selector"`
	DirectQuery     string        `yaml:"direct_query"`
	FallbackQuery   string        `yaml:"fallback_query"`
}

func DefaultConfig() Config {
	return Config{
		CollectorOrigin: "http://127.0.0.1:8111",
		ListenAddress:   "127.0.0.1:8111",
		DatabasePath:    defaultDatabasePath(),
		LogLevel:        "info",
		BridgeBuffer:    256,
		Routes: map[string]string{
			string(models.MessageTypeClick): "/click",
		},
		Capture: CaptureConfig{
			MinInterval: 10 * time.Millisecond,
		},
		Identity: IdentityConfig{
			PollInterval:    250 * time.Millisecond,
			TriggerPolicy:   "once",
			TriggerSelector: "lib-header-auth button",
			NameSelector:    "lib-header-user-name p",
			DirectQuery:     "//lib-header-user-name//input[@value]",
			FallbackQuery:   "//lib-header-user-name//p",
		},
	}
}

// Load reads an optional YAML file over the defaults, then applies the
// environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnvironment()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironment() {
	if origin := os.Getenv("CLICKTRACE_COLLECTOR"); origin != "" {
		c.CollectorOrigin = origin
	}
	if address := os.Getenv("CLICKTRACE_ADDRESS"); address != "" {
		c.ListenAddress = address
	}
	if databasePath := os.Getenv("CLICKTRACE_DATABASE"); databasePath != "" {
		c.DatabasePath = databasePath
	}
}

func (c Config) Validate() error {
	origin, err := url.Parse(c.CollectorOrigin)
	if err != nil {
		return fmt.Errorf("invalid collector_origin: %w", err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return fmt.Errorf("invalid collector_origin %q: scheme must be http or https", c.CollectorOrigin)
	}
	if origin.Host == "" {
		return fmt.Errorf("invalid collector_origin %q: host is required", c.CollectorOrigin)
	}
	if origin.Path != "" && origin.Path != "/" {
		return fmt.Errorf("invalid collector_origin %q: must not carry a path", c.CollectorOrigin)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Capture.MinInterval < 0 {
		return fmt.Errorf("capture.min_interval must not be negative")
	}
	if c.Identity.PollInterval < MinPollInterval || c.Identity.PollInterval > MaxPollInterval {
		return fmt.Errorf("identity.poll_interval must be between %s and %s, got %s",
			MinPollInterval, MaxPollInterval, c.Identity.PollInterval)
	}
	if c.Identity.MaxAttempts < 0 {
		return fmt.Errorf("identity.max_attempts must not be negative")
	}
	switch c.Identity.TriggerPolicy {
	case "once", "every_click":
	default:
		return fmt.Errorf("invalid identity.trigger_policy %q: must be once or every_click", c.Identity.TriggerPolicy)
	}
	for messageType, path := range c.Routes {
		switch models.MessageType(messageType) {
		case models.MessageTypeClick, models.MessageTypeUserLogin:
		default:
			return fmt.Errorf("invalid route for unknown message type %q", messageType)
		}
		if path != "" && !strings.HasPrefix(path, "/") {
			return fmt.Errorf("invalid route %q for %s: must start with /", path, messageType)
		}
	}
	return nil
}

func (c Config) RouteTable() map[models.MessageType]string {
	routes := make(map[models.MessageType]string, len(c.Routes))
	for messageType, path := range c.Routes {
		if path != "" {
			routes[models.MessageType(messageType)] = path
		}
	}
	return routes
}

func ParseLogLevel(level string) (slog.Level, error) {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q: %w", level, err)
	}
	return parsed, nil
}

// defaultDatabasePath picks the platform application data directory.
func defaultDatabasePath() string {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "clicks.db"
	}
	var applicationDirectory string
	switch runtime.GOOS {
	case "darwin":
		applicationDirectory = filepath.Join(homeDirectory, "Library", "Application Support", "ClickTrace")
	case "windows":
		applicationDirectory = filepath.Join(homeDirectory, "AppData", "Roaming", "ClickTrace")
	default: // linux and others
		applicationDirectory = filepath.Join(homeDirectory, ".local", "share", "ClickTrace")
	}
	return filepath.Join(applicationDirectory, "clicks.db")
}
