package config

import (
	"fmt"
	"os"
	"strings"

	"imagetrace/signalhandler"
	"imagetrace/types"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config carries the runtime settings of the analysis service. Values come
// from defaults, then an optional YAML file, then IMAGETRACE_* environment
// variables, each layer overriding the previous one.
type Config struct {
	ListenAddr       string  `koanf:"listen_addr"`
	DatabasePath     string  `koanf:"database_path"`
	ImageRoot        string  `koanf:"image_root"`
	Workers          int     `koanf:"workers"`
	DefaultThreshold float64 `koanf:"default_threshold"`
	FingerprintKind  string  `koanf:"fingerprint_kind"`
	LogLevel         string  `koanf:"log_level"`
	LogFile          string  `koanf:"log_file"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		ListenAddr:       ":8480",
		DatabasePath:     "imagetrace.db",
		ImageRoot:        ".",
		Workers:          signalhandler.GetOptimalProcs(),
		DefaultThreshold: 0.5,
		FingerprintKind:  string(types.HashPerceptual),
		LogLevel:         "info",
	}
}

// Load builds the configuration. path may be empty or point to a YAML file;
// a missing explicit file is an error, but no file at all is fine.
func Load(path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return cfg, fmt.Errorf("cannot read config file %s: %v", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("cannot parse config file %s: %v", path, err)
		}
	}

	// IMAGETRACE_DEFAULT_THRESHOLD=0.6 maps to default_threshold.
	envProvider := env.Provider("IMAGETRACE_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "IMAGETRACE_"))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return cfg, fmt.Errorf("cannot load environment config: %v", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("cannot unmarshal config: %v", err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.DefaultThreshold < 0 || c.DefaultThreshold > 1 {
		return fmt.Errorf("default_threshold must be in [0,1], got %v", c.DefaultThreshold)
	}
	if !types.HashKind(c.FingerprintKind).Valid() {
		return fmt.Errorf("unknown fingerprint_kind: %s", c.FingerprintKind)
	}
	return nil
}
