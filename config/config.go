// Package config loads the TOML-backed options the core consumes: circuit
// retirement timing, path-selection family rules, preemptive-circuit
// thresholds, directory clock-skew tolerance, and cache/state directories.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/veilnet/artic/pathselect"
)

// Config mirrors the options table in spec.md §6. Duration fields are
// parsed from strings like "1h" or "600s" via time.ParseDuration.
type Config struct {
	CircuitTiming      CircuitTiming      `toml:"circuit_timing"`
	PathRules          PathRules          `toml:"path_rules"`
	PreemptiveCircuits PreemptiveCircuits `toml:"preemptive_circuits"`
	DirectoryTolerance DirectoryTolerance `toml:"directory_tolerance"`
	Storage            Storage            `toml:"storage"`
}

type CircuitTiming struct {
	MaxDirtiness string `toml:"max_dirtiness"`
	MaxLifetime  string `toml:"max_lifetime"`
}

type PathRules struct {
	IPv4SubnetFamilyPrefix uint8 `toml:"ipv4_subnet_family_prefix"`
	IPv6SubnetFamilyPrefix uint8 `toml:"ipv6_subnet_family_prefix"`
}

type PreemptiveCircuits struct {
	DisableAtThreshold int `toml:"disable_at_threshold"`
	MinExitCircsForPort int `toml:"min_exit_circs_for_port"`
}

type DirectoryTolerance struct {
	PreValidTolerance  string `toml:"pre_valid_tolerance"`
	PostValidTolerance string `toml:"post_valid_tolerance"`
}

type Storage struct {
	CacheDir    string `toml:"cache_dir"`
	StateDir    string `toml:"state_dir"`
	Permissions string `toml:"permissions"` // opaque; interpreted by the external filesystem-trust checker
}

// Default returns the hardcoded defaults spec.md §6 lists: 10-minute
// circuit dirtiness, 1-hour hard lifetime, /16 and /32 family prefixes, at
// least 2 preemptive exit circuits per port with preemptive building
// disabled once 8 are pooled, and 2-minute directory clock-skew slack
// either side.
func Default() *Config {
	return &Config{
		CircuitTiming: CircuitTiming{
			MaxDirtiness: "600s",
			MaxLifetime:  "1h",
		},
		PathRules: PathRules{
			IPv4SubnetFamilyPrefix: 16,
			IPv6SubnetFamilyPrefix: 32,
		},
		PreemptiveCircuits: PreemptiveCircuits{
			DisableAtThreshold:  8,
			MinExitCircsForPort: 2,
		},
		DirectoryTolerance: DirectoryTolerance{
			PreValidTolerance:  "2m",
			PostValidTolerance: "2m",
		},
		Storage: Storage{
			CacheDir: "cache",
			StateDir: "state",
		},
	}
}

// Load reads path and merges it over Default(); a missing field in the
// file keeps the default, matching BurntSushi/toml's decode-into-existing-
// struct behavior.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// MaxDirtinessDuration parses CircuitTiming.MaxDirtiness.
func (c *Config) MaxDirtinessDuration() (time.Duration, error) {
	return time.ParseDuration(c.CircuitTiming.MaxDirtiness)
}

// MaxLifetimeDuration parses CircuitTiming.MaxLifetime.
func (c *Config) MaxLifetimeDuration() (time.Duration, error) {
	return time.ParseDuration(c.CircuitTiming.MaxLifetime)
}

// PreValidToleranceDuration parses DirectoryTolerance.PreValidTolerance.
func (c *Config) PreValidToleranceDuration() (time.Duration, error) {
	return time.ParseDuration(c.DirectoryTolerance.PreValidTolerance)
}

// PostValidToleranceDuration parses DirectoryTolerance.PostValidTolerance.
func (c *Config) PostValidToleranceDuration() (time.Duration, error) {
	return time.ParseDuration(c.DirectoryTolerance.PostValidTolerance)
}

// FamilyRules converts PathRules into the prefix lengths pathselect uses to
// decide whether two relays share a family.
func (c *Config) FamilyRules() pathselect.FamilyRules {
	return pathselect.FamilyRules{
		IPv4Prefix: c.PathRules.IPv4SubnetFamilyPrefix,
		IPv6Prefix: c.PathRules.IPv6SubnetFamilyPrefix,
	}
}
