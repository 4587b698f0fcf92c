// Snapback uses flags and a single config file for configuration.
// A config file is stored in YAML format and contains the values that can be set via flags: every key is a flag
// name declared on Config. Values from the file override the command line.

package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"

	"gopkg.in/yaml.v3"
)

var configFilePath = flag.String("config_file", "", "Path to the YAML configuration file.")

// Config lists every flag that can be set from the config file. The yaml tag of each field is the flag name.
// A nil field leaves its flag untouched. Durations are written the way the flag package parses them, e.g. "15m".
type Config struct {
	LogHandlerType    *string `yaml:"log_handler_type"`
	LogLevel          *string `yaml:"log_level"`
	Address           *string `yaml:"address"`
	MetricsAddress    *string `yaml:"metrics_address"`
	WatchConfig       *bool   `yaml:"watch_config"`
	DefaultNamespace  *string `yaml:"default_namespace"`
	MaxCacheItems     *int    `yaml:"max_cache_items"`
	FreshnessWindow   *string `yaml:"freshness_window"`
	BackendShardCount *int    `yaml:"backend_shard_count"`
	BackendQuotaBytes *int    `yaml:"backend_quota_bytes"`
}

// FilePath returns the config file given by --config_file; empty when none is configured.
func FilePath() string {
	return *configFilePath
}

// Load reads and parses the config file at `path`. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	conf := new(Config)
	if err := decoder.Decode(conf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return conf, nil
}

// collectFlags returns the `flagName: value` pairs of all fields set in `conf`.
func collectFlags(conf *Config) map[ /*flagName*/ string] /*flagValue*/ string {
	flags := make(map[string]string)
	confValue := reflect.ValueOf(conf).Elem()
	for fieldIdx := 0; fieldIdx < confValue.NumField(); fieldIdx++ {
		field := confValue.Field(fieldIdx)
		if field.IsNil() {
			continue
		}
		flagName := yamlName(confValue.Type().Field(fieldIdx))
		switch value := field.Elem().Interface().(type) {
		case string:
			flags[flagName] = value
		case bool:
			flags[flagName] = strconv.FormatBool(value)
		case int:
			flags[flagName] = strconv.Itoa(value)
		default:
			panic(fmt.Sprintf("config field %s has unsupported type %T", flagName, value))
		}
	}
	return flags
}

// applyFlags sets all the filled fields of `conf` on the flags of `flagSet`.
func applyFlags(flagSet *flag.FlagSet, conf *Config) error {
	for flagName, flagValue := range collectFlags(conf) {
		if err := flagSet.Set(flagName, flagValue); err != nil {
			return fmt.Errorf("failed to set flag %s: %w", flagName, err)
		}
	}
	return nil
}

// ApplyFlags sets all the filled fields of `conf` on the global command line flags.
func ApplyFlags(conf *Config) error {
	return applyFlags(flag.CommandLine, conf)
}

// InitFlags parses the command line and then applies the config file specified by the --config_file flag.
// It should be called after defining all flags and before using them.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}
	conf, err := Load(*configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
		return
	}
	if err != nil { // If the config file cannot be loaded, we skip it and use the command line values.
		slog.Error("Failed to load config file.", "error", err)
		return
	}
	if err := ApplyFlags(conf); err != nil {
		slog.Error("Failed to set flags from config file.", "error", err)
		return
	}
}
