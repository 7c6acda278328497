package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/eigerco/kvbridge/pkg/db/pebble"
	"github.com/eigerco/kvbridge/pkg/log"
	"github.com/goccy/go-yaml"
)

// HostComparator names a comparison function exported by a shared library.
type HostComparator struct {
	Symbol                   string `yaml:"symbol"`
	Name                     string `yaml:"name"`
	DifferentBytesCanBeEqual bool   `yaml:"different_bytes_can_be_equal"`
}

// ComparatorLibrary binds the primary and secondary orderings to a shared
// library. An empty Path means bytewise ordering.
type ComparatorLibrary struct {
	Path      string          `yaml:"path"`
	Primary   *HostComparator `yaml:"primary,omitempty"`
	Secondary *HostComparator `yaml:"secondary,omitempty"`
}

type Logger struct {
	Level string `yaml:"level"`
	Type  string `yaml:"type"`
}

type Config struct {
	Database    pebble.Options    `yaml:"database"`
	Comparators ComparatorLibrary `yaml:"comparators"`
	Logger      Logger            `yaml:"logger"`
}

func Default() Config {
	return Config{
		Database: pebble.DefaultOptions("kvbridge-data"),
		Logger: Logger{
			Level: "info",
			Type:  "console",
		},
	}
}

// Load reads a YAML config over the defaults. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if oserror.IsNotExist(err) {
		log.CLI.Debug().Str("path", path).Msg("config file not found, using defaults")
		return cfg, nil
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Write stores cfg as YAML at path.
func Write(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write config %s", path)
}
