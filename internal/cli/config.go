// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mobiletoly/go-ledgersync/localstore"
	"github.com/mobiletoly/go-ledgersync/remote"
	"github.com/mobiletoly/go-ledgersync/replica"
)

// TokenEnv names the environment variable holding the bearer token
const TokenEnv = "LEDGERSYNC_TOKEN"

// FileConfig is the optional YAML configuration file. Command-line flags
// override its values.
type FileConfig struct {
	Server              string        `yaml:"server"`
	Database            string        `yaml:"database"`
	Scopes              []string      `yaml:"scopes,omitempty"`
	PageLimit           int           `yaml:"page_limit,omitempty"`
	MaxRetries          int           `yaml:"max_retries,omitempty"`
	MutationDelay       time.Duration `yaml:"mutation_delay,omitempty"`
	RequestTimeout      time.Duration `yaml:"request_timeout,omitempty"`
	CompareAgainstLocal bool          `yaml:"compare_against_local,omitempty"`
	RequeueResolved     *bool         `yaml:"requeue_resolved,omitempty"`
}

// LoadConfig reads and strictly parses a YAML config file
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg FileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if _, err := cfg.ParseScopes(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ParseScopes converts the configured scope keys; empty means every table
func (c *FileConfig) ParseScopes() ([]remote.Scope, error) {
	return parseScopes(c.Scopes)
}

// ReplicaConfig builds the sync core configuration
func (c *FileConfig) ReplicaConfig() *replica.Config {
	cfg := replica.DefaultConfig()
	if c.PageLimit > 0 {
		cfg.PageLimit = c.PageLimit
	}
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.MutationDelay > 0 {
		cfg.MutationDelay = c.MutationDelay
	}
	if c.RequestTimeout > 0 {
		cfg.RequestTimeout = c.RequestTimeout
	}
	cfg.CompareAgainstLocal = c.CompareAgainstLocal
	if c.RequeueResolved != nil {
		cfg.RequeueResolved = *c.RequeueResolved
	}
	return cfg
}

func parseScopes(keys []string) ([]remote.Scope, error) {
	if len(keys) == 0 {
		scopes := make([]remote.Scope, 0, len(localstore.Tables))
		for _, t := range localstore.Tables {
			scopes = append(scopes, remote.Scope{Table: t})
		}
		return scopes, nil
	}
	scopes := make([]remote.Scope, 0, len(keys))
	for _, k := range keys {
		s, err := remote.ParseScope(k)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, s)
	}
	return scopes, nil
}
