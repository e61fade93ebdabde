package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weft.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/weft
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Engine.TickSec != 60 {
		t.Errorf("TickSec = %d, want 60", cfg.Engine.TickSec)
	}
	if cfg.Engine.DebounceSec != 59 {
		t.Errorf("DebounceSec = %d, want 59", cfg.Engine.DebounceSec)
	}
	if cfg.Engine.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Engine.Workers)
	}
	if cfg.Providers.Mailbox.TrashFolder != "Trash" {
		t.Errorf("TrashFolder = %q, want Trash", cfg.Providers.Mailbox.TrashFolder)
	}
	if cfg.DataDir != "/tmp/weft" {
		t.Errorf("DataDir = %q, want /tmp/weft", cfg.DataDir)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("WEFT_TEST_TOKEN", "xoxb-secret")
	path := writeConfig(t, `
providers:
  chat:
    bot_token: ${WEFT_TEST_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Chat.BotToken != "xoxb-secret" {
		t.Errorf("BotToken = %q, want xoxb-secret", cfg.Providers.Chat.BotToken)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"zero workers rejected", func(c *Config) { c.Engine.Workers = -1 }, true},
		{"tick timeout above tick rejected", func(c *Config) { c.Engine.TickTimeoutSec = 120 }, true},
		{"notify without broker rejected", func(c *Config) { c.Notify.Enabled = true }, true},
		{"bad log level rejected", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"explicit debounce allowed", func(c *Config) { c.Engine.DebounceSec = 30 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"trace", LevelTrace, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}
