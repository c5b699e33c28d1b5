package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"USERNAME", "PASSWORD", "SCHOOL", "BASEURL", "CLASS", "GET_CLASSES",
	"DB_DIR", "STORAGE_DRIVER", "STORAGE_BUCKET", "STORAGE_PREFIX", "GOOGLE_CREDENTIALS_JSON",
	"NOTIFY_SINK", "WEBHOOK_ID", "WEBHOOK_TOKEN", "MESSAGE_CONTENT",
	"TELEGRAM_TOKEN", "TELEGRAM_CHAT_ID", "TELEGRAM_THREAD_ID", "EMAIL_TO", "MAIL_FROM", "BREVO_API_KEY",
	"POLL_SCHEDULE", "TICK_TIMEOUT", "LOOK_BEHIND", "LOOK_AHEAD", "TIMEZONE",
	"RESET_SESSION_ON_DELIVERY_ERROR", "LOG_LEVEL", "LOG_FORMAT", "PORT",
}

// clearEnv blanks every variable Load reads; empty values count as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("USERNAME", "student")
	t.Setenv("PASSWORD", "secret")
	t.Setenv("SCHOOL", "demo school")
	t.Setenv("BASEURL", "mese.webuntis.com")
	t.Setenv("WEBHOOK_ID", "123")
	t.Setenv("WEBHOOK_TOKEN", "abc")
}

func writeFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DBDir != "./data" || cfg.NotifySink != SinkDiscord || cfg.StorageDriver != "local" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.TickTimeout != 45*time.Second || cfg.LookAhead != 14*24*time.Hour {
		t.Errorf("durations = %v %v", cfg.TickTimeout, cfg.LookAhead)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), `
username: file-user
school: file-school
class: 42
message_content: "@here"
tick_timeout: 30s
storage_driver: sqlite
`)
	t.Setenv("SCHOOL", "env-school")
	t.Setenv("LOOK_AHEAD", "72h")
	t.Setenv("GET_CLASSES", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Username != "file-user" {
		t.Errorf("Username = %q", cfg.Username)
	}
	if cfg.School != "env-school" {
		t.Errorf("School = %q, env should win", cfg.School)
	}
	if cfg.ClassID != 42 || cfg.MessageContent != "@here" || cfg.StorageDriver != "sqlite" {
		t.Errorf("file values = %+v", cfg)
	}
	if cfg.TickTimeout != 30*time.Second || cfg.LookAhead != 72*time.Hour {
		t.Errorf("durations = %v %v", cfg.TickTimeout, cfg.LookAhead)
	}
	if !cfg.GetClasses {
		t.Error("GetClasses should be true")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "usrname: typo\n")
	if _, err := Load(path); err == nil {
		t.Error("Load() should reject unknown keys")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "")
	if _, err := Load(path); err != nil {
		t.Errorf("Load() on empty file error = %v", err)
	}
}

func TestLoadBadEnv(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CLASS", "5a"},
		{"TICK_TIMEOUT", "soon"},
		{"GET_CLASSES", "maybe"},
		{"TELEGRAM_CHAT_ID", "chat"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Load() error = %v, want mention of %s", err, tt.key)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr []string
	}{
		{name: "complete discord", env: map[string]string{}},
		{
			name:    "all provider credentials missing",
			env:     map[string]string{"USERNAME": "", "PASSWORD": "", "SCHOOL": "", "BASEURL": ""},
			wantErr: []string{"USERNAME", "PASSWORD", "SCHOOL", "BASEURL"},
		},
		{
			name:    "webhook missing",
			env:     map[string]string{"WEBHOOK_ID": "", "WEBHOOK_TOKEN": ""},
			wantErr: []string{"WEBHOOK_ID", "WEBHOOK_TOKEN"},
		},
		{
			name: "discovery mode needs no webhook",
			env:  map[string]string{"WEBHOOK_ID": "", "WEBHOOK_TOKEN": "", "GET_CLASSES": "1"},
		},
		{
			name:    "telegram",
			env:     map[string]string{"NOTIFY_SINK": "telegram"},
			wantErr: []string{"TELEGRAM_TOKEN", "TELEGRAM_CHAT_ID"},
		},
		{
			name:    "brevo",
			env:     map[string]string{"NOTIFY_SINK": "brevo", "EMAIL_TO": "a@example.com"},
			wantErr: []string{"MAIL_FROM", "BREVO_API_KEY"},
		},
		{
			name:    "gcs without bucket",
			env:     map[string]string{"STORAGE_DRIVER": "gcs"},
			wantErr: []string{"STORAGE_BUCKET"},
		},
		{
			name:    "unknown sink",
			env:     map[string]string{"NOTIFY_SINK": "pager"},
			wantErr: []string{`unknown NOTIFY_SINK "pager"`},
		},
		{
			name:    "bad timezone and level",
			env:     map[string]string{"TIMEZONE": "Mars/Olympus", "LOG_LEVEL": "loud"},
			wantErr: []string{"TIMEZONE", "LOG_LEVEL"},
		},
		{name: "mock sink", env: map[string]string{"NOTIFY_SINK": "mock", "WEBHOOK_ID": ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			err = cfg.Validate()
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("Validate() error = %q, missing %q", err, want)
				}
			}
		})
	}
}

func TestLocation(t *testing.T) {
	cfg := Default()
	if loc, err := cfg.Location(); err != nil || loc != time.Local {
		t.Errorf("Location() = %v, %v", loc, err)
	}
	cfg.Timezone = "Europe/Berlin"
	if loc, err := cfg.Location(); err != nil || loc.String() != "Europe/Berlin" {
		t.Errorf("Location() = %v, %v", loc, err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"chatty", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestWatchReloads(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "message_content: before\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)), func(c *Config) { got <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("message_content: after\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-got:
		if cfg.MessageContent != "after" {
			t.Errorf("reloaded content = %q", cfg.MessageContent)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload within 5s")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}
