// Package config loads notifier settings from defaults, an optional YAML file and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Notification sinks.
const (
	SinkDiscord  = "discord"
	SinkTelegram = "telegram"
	SinkGmail    = "gmail"
	SinkBrevo    = "brevo"
	SinkMock     = "mock"
)

// Config holds every setting of the notifier. YAML keys match the lower-cased
// environment variable names.
type Config struct {
	// Provider
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	School     string `yaml:"school"`
	BaseURL    string `yaml:"baseurl"`
	ClassID    int    `yaml:"class"`
	GetClasses bool   `yaml:"get_classes"`

	// Snapshot store
	DBDir                 string `yaml:"db_dir"`
	StorageDriver         string `yaml:"storage_driver"`
	StorageBucket         string `yaml:"storage_bucket"`
	StoragePrefix         string `yaml:"storage_prefix"`
	GoogleCredentialsJSON string `yaml:"google_credentials_json"`

	// Notifications
	NotifySink       string `yaml:"notify_sink"`
	WebhookID        string `yaml:"webhook_id"`
	WebhookToken     string `yaml:"webhook_token"`
	MessageContent   string `yaml:"message_content"`
	TelegramToken    string `yaml:"telegram_token"`
	TelegramChatID   int64  `yaml:"telegram_chat_id"`
	TelegramThreadID int    `yaml:"telegram_thread_id"`
	EmailTo          string `yaml:"email_to"`
	MailFrom         string `yaml:"mail_from"`
	BrevoAPIKey      string `yaml:"brevo_api_key"`

	// Poll loop
	Schedule                    string        `yaml:"poll_schedule"`
	TickTimeout                 time.Duration `yaml:"tick_timeout"`
	LookBehind                  time.Duration `yaml:"look_behind"`
	LookAhead                   time.Duration `yaml:"look_ahead"`
	Timezone                    string        `yaml:"timezone"`
	ResetSessionOnDeliveryError bool          `yaml:"reset_session_on_delivery_error"`

	// Process
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Port      string `yaml:"port"`
}

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	return &Config{
		DBDir:         "./data",
		StorageDriver: "local",
		NotifySink:    SinkDiscord,
		Schedule:      "@every 60s",
		TickTimeout:   45 * time.Second,
		LookBehind:    24 * time.Hour,
		LookAhead:     14 * 24 * time.Hour,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// Load reads defaults, then the YAML file at path (if non-empty), then the
// environment. Unknown YAML keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("USERNAME", &c.Username)
	str("PASSWORD", &c.Password)
	str("SCHOOL", &c.School)
	str("BASEURL", &c.BaseURL)
	integer("CLASS", &c.ClassID)
	boolean("GET_CLASSES", &c.GetClasses)

	str("DB_DIR", &c.DBDir)
	str("STORAGE_DRIVER", &c.StorageDriver)
	str("STORAGE_BUCKET", &c.StorageBucket)
	str("STORAGE_PREFIX", &c.StoragePrefix)
	str("GOOGLE_CREDENTIALS_JSON", &c.GoogleCredentialsJSON)

	str("NOTIFY_SINK", &c.NotifySink)
	str("WEBHOOK_ID", &c.WebhookID)
	str("WEBHOOK_TOKEN", &c.WebhookToken)
	str("MESSAGE_CONTENT", &c.MessageContent)
	str("TELEGRAM_TOKEN", &c.TelegramToken)
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("TELEGRAM_CHAT_ID: %w", err))
		} else {
			c.TelegramChatID = id
		}
	}
	integer("TELEGRAM_THREAD_ID", &c.TelegramThreadID)
	str("EMAIL_TO", &c.EmailTo)
	str("MAIL_FROM", &c.MailFrom)
	str("BREVO_API_KEY", &c.BrevoAPIKey)

	str("POLL_SCHEDULE", &c.Schedule)
	duration("TICK_TIMEOUT", &c.TickTimeout)
	duration("LOOK_BEHIND", &c.LookBehind)
	duration("LOOK_AHEAD", &c.LookAhead)
	str("TIMEZONE", &c.Timezone)
	boolean("RESET_SESSION_ON_DELIVERY_ERROR", &c.ResetSessionOnDeliveryError)

	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("PORT", &c.Port)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate reports every missing or malformed setting at once.
func (c *Config) Validate() error {
	var missing []string
	need := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	need("USERNAME", c.Username)
	need("PASSWORD", c.Password)
	need("SCHOOL", c.School)
	need("BASEURL", c.BaseURL)

	var errs []error

	// Discovery mode never sends or stores anything.
	if !c.GetClasses {
		switch c.NotifySink {
		case SinkDiscord:
			need("WEBHOOK_ID", c.WebhookID)
			need("WEBHOOK_TOKEN", c.WebhookToken)
		case SinkTelegram:
			need("TELEGRAM_TOKEN", c.TelegramToken)
			if c.TelegramChatID == 0 {
				missing = append(missing, "TELEGRAM_CHAT_ID")
			}
		case SinkGmail:
			need("EMAIL_TO", c.EmailTo)
		case SinkBrevo:
			need("EMAIL_TO", c.EmailTo)
			need("MAIL_FROM", c.MailFrom)
			need("BREVO_API_KEY", c.BrevoAPIKey)
		case SinkMock:
		default:
			errs = append(errs, fmt.Errorf("unknown NOTIFY_SINK %q", c.NotifySink))
		}

		switch c.StorageDriver {
		case "", "local", "file", "sqlite", "sqlite3":
			need("DB_DIR", c.DBDir)
		case "gcs":
			need("STORAGE_BUCKET", c.StorageBucket)
		default:
			errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
		}
	}

	if c.ClassID < 0 {
		errs = append(errs, fmt.Errorf("CLASS must be positive, got %d", c.ClassID))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat))
	}

	if len(missing) > 0 {
		errs = append([]error{fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))}, errs...)
	}
	return errors.Join(errs...)
}

// Location returns the configured time zone, or the process local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE: %w", err)
	}
	return loc, nil
}

// ParseLevel parses a slog level name such as "debug" or "warn".
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
