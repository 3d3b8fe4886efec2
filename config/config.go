package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Daemon configuration. Everything has a default, the TOML file is
// optional, and command-line flags override whatever the file says.

type EmulatorPorts struct {
	Stream  int `toml:"stream"`
	Control int `toml:"control"`
}

type Config struct {
	Address          string          `toml:"address"`
	LogFile          string          `toml:"log_file"`
	Verbose          bool            `toml:"verbose"`
	DisableUSB       bool            `toml:"disable_usb"`
	AutoConnect      bool            `toml:"auto_connect"`
	HistogramBuckets int             `toml:"histogram_buckets"`
	AllowedOrigins   []string        `toml:"allowed_origins"`
	Emulators        []EmulatorPorts `toml:"emulator"`
}

func Default() Config {
	return Config{
		Address:     "127.0.0.1:21327",
		AutoConnect: true,
	}
}

// Load reads the file on top of the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, nil
}
