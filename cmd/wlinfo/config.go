package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// config holds the settings shared by all commands. Flags given on the
// command line win over the configuration file.
type config struct {
	Displays    []string
	Wait        time.Duration
	LogLevel    string
	Debug       bool
	MetricsAddr string
}

type fileConfig struct {
	Displays    []string `toml:"displays"`
	Wait        string   `toml:"wait"`
	LogLevel    string   `toml:"log_level"`
	Debug       bool     `toml:"wayland_debug"`
	MetricsAddr string   `toml:"metrics_addr"`
}

func defaultConfig() config {
	return config{
		LogLevel:    "warn",
		MetricsAddr: "127.0.0.1:9465",
	}
}

func defaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "wlinfo.toml")
}

// loadConfig merges the file at path into cfg for every setting whose flag
// was not given. A missing file is not an error.
func loadConfig(path string, flags *pflag.FlagSet, cfg *config) error {
	if path == "" {
		return nil
	}
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil
		}
		return errors.Wrapf(err, "loading %s", path)
	}
	set := func(key, flag string) bool {
		return meta.IsDefined(key) && (flags.Lookup(flag) == nil || !flags.Changed(flag))
	}
	if set("displays", "display") {
		cfg.Displays = raw.Displays
	}
	if set("wait", "wait") {
		d, err := time.ParseDuration(raw.Wait)
		if err != nil {
			return errors.Wrapf(err, "%s: parsing wait", path)
		}
		cfg.Wait = d
	}
	if set("log_level", "log-level") {
		cfg.LogLevel = raw.LogLevel
	}
	if set("wayland_debug", "wayland-debug") {
		cfg.Debug = raw.Debug
	}
	if set("metrics_addr", "metrics-addr") {
		cfg.MetricsAddr = raw.MetricsAddr
	}
	return nil
}
