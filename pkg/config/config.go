// Package config loads re-signing job settings from a YAML file, command
// line flags and CODESIGN_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted for values left blank by flags and the
// job file.
const (
	EnvP12          = "CODESIGN_P12"
	EnvPassword     = "CODESIGN_PASSWORD"
	EnvProfile      = "CODESIGN_PROFILE"
	EnvEntitlements = "CODESIGN_ENTITLEMENTS"
	EnvTeamID       = "CODESIGN_TEAM_ID"
)

// Config describes one re-signing job.
type Config struct {
	P12              string `yaml:"p12"`
	Password         string `yaml:"password"`
	Profile          string `yaml:"profile"`
	Entitlements     string `yaml:"entitlements"`
	TeamID           string `yaml:"team_id"`
	RespectOmissions *bool  `yaml:"respect_omissions"` // pointer to distinguish unset vs false
	DigestCacheSize  int    `yaml:"digest_cache_size"`
}

// ErrMissingIdentity is returned by Validate when no signing identity is
// configured.
var ErrMissingIdentity = errors.New("p12 is required (or set CODESIGN_P12 environment variable)")

// ReadFile parses a YAML job file.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML job settings. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := new(Config)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Merge overlays the non-empty fields of override onto c.
func (c *Config) Merge(override Config) {
	setString(&c.P12, override.P12)
	setString(&c.Password, override.Password)
	setString(&c.Profile, override.Profile)
	setString(&c.Entitlements, override.Entitlements)
	setString(&c.TeamID, override.TeamID)
	if override.RespectOmissions != nil {
		v := *override.RespectOmissions
		c.RespectOmissions = &v
	}
	if override.DigestCacheSize != 0 {
		c.DigestCacheSize = override.DigestCacheSize
	}
}

// ApplyEnv fills blank fields from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	fill := func(dst *string, key string) {
		if *dst != "" {
			return
		}
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	fill(&c.P12, EnvP12)
	fill(&c.Password, EnvPassword)
	fill(&c.Profile, EnvProfile)
	fill(&c.Entitlements, EnvEntitlements)
	fill(&c.TeamID, EnvTeamID)
}

// Load resolves the effective configuration: flags win over the job file
// at path (optional), and the environment fills whatever is still blank.
func Load(path string, flags Config) (*Config, error) {
	cfg := new(Config)
	if path != "" {
		var err error
		if cfg, err = ReadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.Merge(flags)
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// OmissionsRespected reports the respect_omissions setting, false when unset.
func (c *Config) OmissionsRespected() bool {
	return c.RespectOmissions != nil && *c.RespectOmissions
}

// Validate checks that a signing job can run.
func (c *Config) Validate() error {
	if c.P12 == "" {
		return ErrMissingIdentity
	}
	if c.DigestCacheSize < 0 {
		return fmt.Errorf("digest_cache_size must not be negative, got %d", c.DigestCacheSize)
	}
	if c.TeamID != "" && len(c.TeamID) != 10 {
		return fmt.Errorf("team_id must be 10 characters, got %q", c.TeamID)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
