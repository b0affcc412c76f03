package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the name looked up from the working directory upwards.
const ConfigFile = "addeus.yaml"

const (
	BackendBadger   = "badger"
	BackendDynamoDB = "dynamodb"
)

// Config selects and configures the document store the CLI talks to.
// Loaded from addeus.yaml if present.
type Config struct {
	// Backend is "badger" (default) or "dynamodb".
	Backend string `yaml:"backend"`

	// DataDir is where BadgerDB stores data. Empty means in-memory.
	DataDir string `yaml:"dataDir"`

	// Table and Region locate the DynamoDB table.
	Table  string `yaml:"table"`
	Region string `yaml:"region"`

	// SearchPrefix is prepended to Algolia index names when ALGOLIA_PREFIX is unset.
	SearchPrefix string `yaml:"searchPrefix"`
}

func (c Config) validate() error {
	switch c.Backend {
	case "", BackendBadger:
		return nil
	case BackendDynamoDB:
		if c.Table == "" {
			return fmt.Errorf("backend %s needs a table", BackendDynamoDB)
		}
		return nil
	}
	return fmt.Errorf("unknown backend %q: must be %s or %s", c.Backend, BackendBadger, BackendDynamoDB)
}

// LoadConfig reads the config at path, or searches for addeus.yaml when path is empty.
// Returns an empty config if no file is found.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	if path == "" {
		path = findConfigFile()
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// findConfigFile searches for addeus.yaml walking up from current directory.
func findConfigFile() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, ConfigFile)
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
