// Package config loads the daemon configuration: which root dataset the
// environment lives on, where to listen, which upstream repositories the
// source and ports trees mirror, and logging options.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvDataset is the environment variable selecting the root dataset;
// a --dataset CLI flag overrides it.
const EnvDataset = "POUDOMATIC_DATASET"

// Config is the daemon configuration, read from a YAML file with every
// field optional except Dataset.
type Config struct {
	// Dataset is the root ZFS dataset all state lives under.
	Dataset string `yaml:"dataset"`

	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Src struct {
		// RepoURI is the FreeBSD src Git mirror jails are built from.
		RepoURI string `yaml:"repo_uri"`
	} `yaml:"src"`

	Ports struct {
		// RepoURI is the ports tree Git mirror.
		RepoURI string `yaml:"repo_uri"`
		// BranchFormat renders a quarterly branch name into the
		// upstream branch to clone, e.g. "%s" or "releng/%s".
		BranchFormat string `yaml:"branch_format"`
	} `yaml:"ports"`

	Build struct {
		// PostChangeScript, if set, is run after a build changed the
		// package repository.
		PostChangeScript string `yaml:"post_change_script"`
	} `yaml:"build"`
}

// Default returns the built-in configuration values.
func Default() *Config {
	c := &Config{}
	c.Listen = ":8080"
	c.Log.Level = "info"
	c.Log.JSON = true
	c.Src.RepoURI = "https://git.FreeBSD.org/src.git"
	c.Ports.RepoURI = "https://git.FreeBSD.org/ports.git"
	c.Ports.BranchFormat = "%s"
	return c
}

// Load reads path (skipped when empty or absent) over the defaults and
// applies the POUDOMATIC_DATASET environment override.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if ds := os.Getenv(EnvDataset); ds != "" {
		c.Dataset = ds
	}
	return c, nil
}

// Validate checks the fields nothing can default.
func (c *Config) Validate() error {
	if c.Dataset == "" {
		return fmt.Errorf("config: no dataset selected (set %s, the config file, or --dataset)", EnvDataset)
	}
	return nil
}

// ZPool returns the pool component of the root dataset.
func (c *Config) ZPool() string {
	pool, _, _ := strings.Cut(c.Dataset, "/")
	return pool
}
