// Package config reads the boot-stage settings file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/kload/internal/firmware"
)

const (
	DefaultFilename = "kload.yaml"
	DefaultMemoryMB = 256
	DefaultLogLevel = "info"
)

// Config describes the simulated machine the kernel is loaded into.
type Config struct {
	Version  int            `yaml:"version"`
	Firmware FirmwareConfig `yaml:"firmware"`
	Log      LogConfig      `yaml:"log"`
}

type FirmwareConfig struct {
	MemoryMB       uint64   `yaml:"memoryMB,omitempty"`
	RelocatePinned bool     `yaml:"relocatePinned,omitempty"`
	Reserved       []Region `yaml:"reserved,omitempty"`
}

// Region is a physical range firmware keeps for itself.
type Region struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

type LogConfig struct {
	Level string `yaml:"level,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Firmware.MemoryMB == 0 {
		c.Firmware.MemoryMB = DefaultMemoryMB
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// Validate checks values normalize cannot fix.
func (c Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	if c.Firmware.MemoryMB > 1<<20 {
		return fmt.Errorf("firmware memory %d MiB is too large", c.Firmware.MemoryMB)
	}
	for i, r := range c.Firmware.Reserved {
		if r.Size == 0 {
			return fmt.Errorf("reserved region %d at %#x has zero size", i, r.Base)
		}
		if r.Base+r.Size < r.Base {
			return fmt.Errorf("reserved region %d [%#x + %#x) overflows", i, r.Base, r.Size)
		}
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses Log.Level.
func (c Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("parse log level %q: %w", c.Log.Level, err)
	}
	return level, nil
}

// FirmwareConfig converts the firmware section into firmware.Config.
func (c Config) FirmwareConfig(logger *slog.Logger) firmware.Config {
	reserved := make([]firmware.Region, 0, len(c.Firmware.Reserved))
	for _, r := range c.Firmware.Reserved {
		reserved = append(reserved, firmware.Region{Base: r.Base, Size: r.Size})
	}
	return firmware.Config{
		MemorySize:     c.Firmware.MemoryMB << 20,
		Reserved:       reserved,
		RelocatePinned: c.Firmware.RelocatePinned,
		Logger:         logger,
	}
}

// Load reads and validates a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", filepath.Base(path), err)
	}
	return c, nil
}

// Write stores c as YAML at path, creating parent directories.
func Write(path string, c Config) error {
	c.normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close encoder for %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return nil
}
