package config

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default option values, used when neither the YAML file nor the
// environment sets a value.
const (
	defaultDeletionGracePeriodSeconds       = 86400
	defaultDeletionNumEntries               = 100
	defaultNoDependencyRefreshPeriodSeconds = 3600
	defaultLayoutRefreshMaxAttempts         = 3
)

const (
	// DefaultOptionsConfigPath is the default location for the tunables file.
	DefaultOptionsConfigPath = ".reflection.yaml"

	// OptionsConfigPathEnvVar is the environment variable naming a custom
	// tunables file path.
	OptionsConfigPathEnvVar = "REFLECTION_CONFIG_PATH"
)

// Options exposes the tunables the reconciler re-reads every wakeup.
type Options interface {
	// DeletionGracePeriod is the minimum age before a deprecated
	// materialization or a deleted goal is physically removed.
	DeletionGracePeriod() time.Duration

	// DeletionNumEntries caps how many deletions happen per wakeup.
	DeletionNumEntries() int

	// NoDependencyRefreshPeriod is the minimum refresh interval applied
	// when a reflection has no known upstream dependencies.
	NoDependencyRefreshPeriod() time.Duration

	// LayoutRefreshMaxAttempts is the number of consecutive refresh
	// failures tolerated before an entry transitions to FAILED.
	LayoutRefreshMaxAttempts() int
}

// fileOptions is the YAML-shaped tunables document.
type fileOptions struct {
	DeletionGracePeriodSeconds       int `yaml:"reflection_deletion_grace_period_seconds"`
	DeletionNumEntries               int `yaml:"reflection_deletion_num_entries"`
	NoDependencyRefreshPeriodSeconds int `yaml:"no_dependency_refresh_period_seconds"`
	LayoutRefreshMaxAttempts         int `yaml:"layout_refresh_max_attempts"`
}

// resolvedOptions is the env-overridden, ready-to-use Options implementation.
type resolvedOptions struct {
	deletionGracePeriod       time.Duration
	deletionNumEntries        int
	noDependencyRefreshPeriod time.Duration
	layoutRefreshMaxAttempts  int
}

func (o *resolvedOptions) DeletionGracePeriod() time.Duration       { return o.deletionGracePeriod }
func (o *resolvedOptions) DeletionNumEntries() int                  { return o.deletionNumEntries }
func (o *resolvedOptions) NoDependencyRefreshPeriod() time.Duration { return o.noDependencyRefreshPeriod }
func (o *resolvedOptions) LayoutRefreshMaxAttempts() int            { return o.layoutRefreshMaxAttempts }

// OptionsProvider reloads Options from a YAML file plus environment
// overrides. The reconciler calls Load once per wakeup, per the options
// surface's "read each wakeup" contract — there is deliberately no
// in-process caching here.
type OptionsProvider struct {
	path string
}

// NewOptionsProvider builds a provider reading the tunables file at path.
func NewOptionsProvider(path string) *OptionsProvider {
	return &OptionsProvider{path: path}
}

// NewOptionsProviderFromEnv builds a provider using REFLECTION_CONFIG_PATH,
// falling back to DefaultOptionsConfigPath.
func NewOptionsProviderFromEnv() *OptionsProvider {
	return NewOptionsProvider(GetEnvStr(OptionsConfigPathEnvVar, DefaultOptionsConfigPath))
}

// Load reads the tunables file (if present), applies environment overrides,
// and returns the resolved Options.
//
// A missing or unparsable file is not an error: the tunables file is
// optional, and its values fall back to the built-in defaults.
func (p *OptionsProvider) Load() Options {
	file := loadFileOptions(p.path)

	return &resolvedOptions{
		// These two are read in plain seconds (REFLECTION_DELETION_GRACE_PERIOD=3600,
		// not "1h"), matching the _SECONDS-suffixed YAML keys they override —
		// GetEnvDuration's Go duration-string syntax would silently fall back
		// to the default on a bare integer.
		deletionGracePeriod: time.Duration(GetEnvInt(
			"REFLECTION_DELETION_GRACE_PERIOD",
			orDefault(file.DeletionGracePeriodSeconds, defaultDeletionGracePeriodSeconds),
		)) * time.Second,
		deletionNumEntries: GetEnvInt(
			"REFLECTION_DELETION_NUM_ENTRIES",
			orDefault(file.DeletionNumEntries, defaultDeletionNumEntries),
		),
		noDependencyRefreshPeriod: time.Duration(GetEnvInt(
			"NO_DEPENDENCY_REFRESH_PERIOD_SECONDS",
			orDefault(file.NoDependencyRefreshPeriodSeconds, defaultNoDependencyRefreshPeriodSeconds),
		)) * time.Second,
		layoutRefreshMaxAttempts: GetEnvInt(
			"LAYOUT_REFRESH_MAX_ATTEMPTS",
			orDefault(file.LayoutRefreshMaxAttempts, defaultLayoutRefreshMaxAttempts),
		),
	}
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}

	return v
}

func loadFileOptions(path string) *fileOptions {
	cfg := &fileOptions{}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to read options file, using defaults",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}

		return cfg
	}

	if len(data) == 0 {
		return cfg
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse options file, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &fileOptions{}
	}

	return cfg
}
