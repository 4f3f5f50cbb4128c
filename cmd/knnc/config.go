package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the knnc configuration file (~/.config/knnc/config.yaml).
// Numeric fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	DataDir string `yaml:"data_dir"`
	Driver  string `yaml:"driver"`
	Adapter string `yaml:"adapter"`
	CPU     *bool  `yaml:"cpu"`

	// Classifier defaults
	K            *int64   `yaml:"k"`
	P            *int64   `yaml:"p"`
	Tests        *int64   `yaml:"tests"`
	Hidden       string   `yaml:"hidden"`
	Epochs       *int64   `yaml:"epochs"`
	LearningRate *float64 `yaml:"learning_rate"`
	Seed         *int64   `yaml:"seed"`

	// Output
	Report    string `yaml:"report"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "knnc", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	return loadConfigFile(path)
}

func loadConfigFile(path string) Config {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyGlobalConfig applies config file defaults to the global flags when the
// corresponding flag was not explicitly set.
func applyGlobalConfig(c *cli.Command, cfg Config) {
	if cfg.DataDir != "" && !isSet(c, "data") {
		dataDir = cfg.DataDir
	}
	if cfg.Driver != "" && !isSet(c, "driver") {
		driverName = cfg.Driver
	}
	if cfg.Adapter != "" && !isSet(c, "adapter") {
		adapter = cfg.Adapter
	}
	if cfg.CPU != nil && !isSet(c, "cpu") {
		useCPU = *cfg.CPU
	}
	if cfg.Report != "" && !isSet(c, "report") {
		reportPath = cfg.Report
	}
	if cfg.LogLevel != "" && !isSet(c, "log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !isSet(c, "log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyKNNConfig applies config file defaults to the knn command.
func applyKNNConfig(c *cli.Command, cfg Config, k, p, tests *int64) {
	if cfg.K != nil && !c.IsSet("k") {
		*k = *cfg.K
	}
	if cfg.P != nil && !c.IsSet("p") {
		*p = *cfg.P
	}
	if cfg.Tests != nil && !c.IsSet("tests") {
		*tests = *cfg.Tests
	}
}

// applyTrainConfig applies config file defaults to the train command.
func applyTrainConfig(c *cli.Command, cfg Config, hidden *string, epochs *int64, lr *float64, tests, seed *int64) {
	if cfg.Hidden != "" && !c.IsSet("hidden") {
		*hidden = cfg.Hidden
	}
	if cfg.Epochs != nil && !c.IsSet("epochs") {
		*epochs = *cfg.Epochs
	}
	if cfg.LearningRate != nil && !c.IsSet("lr") {
		*lr = *cfg.LearningRate
	}
	if cfg.Tests != nil && !c.IsSet("tests") {
		*tests = *cfg.Tests
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
}
