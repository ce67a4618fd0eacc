package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/cptspacemanspiff/batmeter/internal/sampler"
)

const (
	minCollectionIntervalSeconds = 1
	maxCollectionIntervalSeconds = 86400
	minPlotInches                = 1
	maxPlotInches                = 100
)

type Config struct {
	Storage    StorageConfig    `toml:"storage"`
	Collection CollectionConfig `toml:"collection"`
	Plot       PlotConfig       `toml:"plot"`
}

type StorageConfig struct {
	DBPath string `toml:"db_path"`
}

type CollectionConfig struct {
	Devices         []string `toml:"devices"`
	IntervalSeconds int      `toml:"interval_seconds"`
	SkipPolicy      string   `toml:"skip_policy"`
	SysfsRoot       string   `toml:"sysfs_root"`
}

type PlotConfig struct {
	OutputDir    string `toml:"output_dir"`
	WidthInches  int    `toml:"width_inches"`
	HeightInches int    `toml:"height_inches"`
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DBPath: "./battery_log.db",
		},
		Collection: CollectionConfig{
			Devices:         []string{"BAT0"},
			IntervalSeconds: 5,
			SkipPolicy:      sampler.SkipPolicyPowerZero,
			SysfsRoot:       "/sys",
		},
		Plot: PlotConfig{
			OutputDir:    ".",
			WidthInches:  10,
			HeightInches: 4,
		},
	}
}

// Load reads a TOML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return NormalizeAndValidate(cfg)
}

func NormalizeAndValidate(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	sanitized := *cfg

	var err error
	sanitized.Storage.DBPath, err = sanitizePath("storage.db_path", sanitized.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	sanitized.Collection.SysfsRoot, err = sanitizePath("collection.sysfs_root", sanitized.Collection.SysfsRoot)
	if err != nil {
		return nil, err
	}
	sanitized.Plot.OutputDir, err = sanitizePath("plot.output_dir", sanitized.Plot.OutputDir)
	if err != nil {
		return nil, err
	}

	sanitized.Collection.Devices, err = sanitizeDevices(sanitized.Collection.Devices)
	if err != nil {
		return nil, err
	}

	sanitized.Collection.SkipPolicy = strings.TrimSpace(sanitized.Collection.SkipPolicy)
	if _, err := sampler.ParseSkipPolicy(sanitized.Collection.SkipPolicy); err != nil {
		return nil, fmt.Errorf("collection.skip_policy: %w", err)
	}

	if err := validateRange("collection.interval_seconds", sanitized.Collection.IntervalSeconds, minCollectionIntervalSeconds, maxCollectionIntervalSeconds); err != nil {
		return nil, err
	}
	if err := validateRange("plot.width_inches", sanitized.Plot.WidthInches, minPlotInches, maxPlotInches); err != nil {
		return nil, err
	}
	if err := validateRange("plot.height_inches", sanitized.Plot.HeightInches, minPlotInches, maxPlotInches); err != nil {
		return nil, err
	}

	return &sanitized, nil
}

const fileHeader = "# batmeter configuration. Command-line flags override these values.\n\n"

// Save validates cfg and writes it to path as TOML. The file is replaced
// atomically.
func Save(path string, cfg *Config) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("config path must not be empty")
	}

	valid, err := NormalizeAndValidate(cfg)
	if err != nil {
		return err
	}

	data := bytes.NewBufferString(fileHeader)
	if err := toml.NewEncoder(data).Encode(valid); err != nil {
		return fmt.Errorf("encode config TOML: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".batmeter-*.toml")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	return nil
}

func sanitizePath(name, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%s must not be empty", name)
	}
	return filepath.Clean(trimmed), nil
}

// sanitizeDevices trims names and drops duplicates, keeping first-seen order.
func sanitizeDevices(devices []string) ([]string, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("collection.devices must not be empty")
	}

	seen := make(map[string]bool, len(devices))
	out := make([]string, 0, len(devices))
	for _, d := range devices {
		name := strings.TrimSpace(d)
		if name == "" {
			return nil, fmt.Errorf("collection.devices must not contain empty names")
		}
		if strings.ContainsRune(name, filepath.Separator) || name == "." || name == ".." {
			return nil, fmt.Errorf("collection.devices: invalid device name %q", d)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

func validateRange(name string, value, min, max int) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, min, max, value)
	}

	return nil
}
