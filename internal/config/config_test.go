package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newFlags(t), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8000" || cfg.BackendURL != "http://localhost:8080" || cfg.BackendTimeout != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.HistoryFile != filepath.Join("data", "history.json") || cfg.AttachmentsDir != filepath.Join("data", "received_media") {
		t.Fatalf("derived paths wrong: %+v", cfg)
	}
	if cfg.DatabaseURL != "" || cfg.NatsURL != "" || cfg.AuthSecret != "" {
		t.Fatalf("optional integrations should be disabled by default: %+v", cfg)
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("RELAY_BACKEND_URL", "http://backend:9000/")
	t.Setenv("RELAY_DEVICE_TTL", "1m")
	cfg, err := Load(newFlags(t), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendURL != "http://backend:9000" || cfg.DeviceTTL != time.Minute {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestLoadFlagBeatsEnv(t *testing.T) {
	t.Setenv("RELAY_ADDR", ":7000")
	cfg, err := Load(newFlags(t, "--addr", ":9100"), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9100" {
		t.Fatalf("expected flag value, got %s", cfg.Addr)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	body := "data-dir: " + dir + "\nnats-url: nats://localhost:4222\nlog-json: true\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(newFlags(t), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != dir || cfg.NatsURL != "nats://localhost:4222" || !cfg.LogJSON {
		t.Fatalf("config file not applied: %+v", cfg)
	}
	if cfg.HistoryFile != filepath.Join(dir, "history.json") {
		t.Fatalf("history path should follow data-dir, got %s", cfg.HistoryFile)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := [][]string{
		{"--backend-url", "localhost:8080"},
		{"--backend-timeout", "0s"},
		{"--max-upload-bytes", "0"},
		{"--log-level", "loud"},
		{"--auth-password-hash", "$2a$10$abc"},
	}
	for _, args := range cases {
		if _, err := Load(newFlags(t, args...), ""); err == nil {
			t.Fatalf("expected error for %s", strings.Join(args, " "))
		}
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	if _, err := Load(newFlags(t), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
