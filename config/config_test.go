package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calibd.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Address != "127.0.0.1:21327" || !cfg.AutoConnect || cfg.Verbose || len(cfg.Emulators) != 0 {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
address = "127.0.0.1:9999"
verbose = true
histogram_buckets = 96
allowed_origins = ["https://calib.example.com"]

[[emulator]]
stream = 21324
control = 21325
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Address != "127.0.0.1:9999" {
		t.Errorf("address = %s", cfg.Address)
	}
	if !cfg.Verbose || cfg.HistogramBuckets != 96 {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.AutoConnect {
		t.Error("unset key must keep its default")
	}
	if len(cfg.Emulators) != 1 || cfg.Emulators[0].Stream != 21324 || cfg.Emulators[0].Control != 21325 {
		t.Errorf("emulators = %+v", cfg.Emulators)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://calib.example.com" {
		t.Errorf("allowed origins = %+v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "adress = \"typo\"\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Errorf("err = %v, want unknown key rejection", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("missing explicit config file must fail")
	}
}
