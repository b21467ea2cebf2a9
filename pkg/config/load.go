// Package config resolves the migrator's settings from a TOML file and the
// environment into explicit values for the pipeline.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nicktill/telemigrate/pkg/scope"
)

// Environment overrides
const (
	EnvStoreURL       = "INFLUX_URL"
	EnvMigrationStart = "MIGRATION_START"
	EnvMigrationEnd   = "MIGRATION_END"
	EnvSite           = "SITE_ID"
	EnvLogLevel       = "LOG_LEVEL"
	EnvSOCSeed        = "SOC_SEED"
	EnvStateDir       = "TELEMIGRATE_STATE_DIR"
	EnvStatusAddr     = "TELEMIGRATE_STATUS_ADDR"
)

// Destination kinds
const (
	DestinationInflux = "influx"
	DestinationBadger = "badger"
)

// timeLayouts are tried in order; unix seconds are accepted as well
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	time.RFC3339,
}

// Config is the resolved configuration
type Config struct {
	Source      SourceConfig      `toml:"source"`
	Migration   MigrationConfig   `toml:"migration"`
	SOC         SOCConfig         `toml:"soc"`
	Destination DestinationConfig `toml:"destination"`
	State       StateConfig       `toml:"state"`
	Status      StatusConfig      `toml:"status"`
	Log         LogConfig         `toml:"log"`
}

// SourceConfig locates the time-series store
type SourceConfig struct {
	URL          string        `toml:"url"`
	Username     string        `toml:"username"`
	Password     string        `toml:"password"`
	QueryTimeout time.Duration `toml:"query_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`
}

// MigrationConfig scopes the run
type MigrationConfig struct {
	Site       string        `toml:"site"`
	Start      string        `toml:"start"`
	End        string        `toml:"end"` // empty means now
	Schema     string        `toml:"schema"`
	SchemaFile string        `toml:"schema_file"`
	Grid       time.Duration `toml:"grid"`
	Jobs       []string      `toml:"jobs"`
	Snapshot   string        `toml:"snapshot"`
	Resume     bool          `toml:"resume"`
	BatchSize  int           `toml:"batch_size"`
}

// SOCConfig controls the recurrence job
type SOCConfig struct {
	// Seed is required unless resuming from a checkpoint
	Seed        *float64 `toml:"seed"`
	Backfill    bool     `toml:"backfill"`
	Measurement string   `toml:"measurement"`
	Start       string   `toml:"start"`
	End         string   `toml:"end"`
}

// DestinationConfig selects where write-back goes
type DestinationConfig struct {
	Kind string `toml:"kind"`
	Path string `toml:"path"`
}

// StateConfig locates the checkpoint store
type StateConfig struct {
	Dir         string `toml:"dir"`
	MaxMemoryMB int64  `toml:"max_memory_mb"`
}

// StatusConfig enables the status server when Listen is set
type StatusConfig struct {
	Listen string `toml:"listen"`
}

// LogConfig sets verbosity
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Source: SourceConfig{
			URL:          DefaultStoreURL,
			QueryTimeout: DefaultQueryTimeout,
			WriteTimeout: DefaultWriteTimeout,
		},
		Migration: MigrationConfig{
			Site:  DefaultSite,
			Start: DefaultStart,
			Grid:  DefaultGrid,
			Jobs:  []string{"copy:rbimage", "backfill:perfest", "copy:perfest"},
		},
		Destination: DestinationConfig{
			Kind: DestinationInflux,
			Path: DefaultSinkDir,
		},
		State: StateConfig{
			Dir:         DefaultStateDir,
			MaxMemoryMB: DefaultMaxMemoryMB,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides, then validates
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvStoreURL, &c.Source.URL)
	set(EnvMigrationStart, &c.Migration.Start)
	set(EnvMigrationEnd, &c.Migration.End)
	set(EnvSite, &c.Migration.Site)
	set(EnvLogLevel, &c.Log.Level)
	set(EnvStateDir, &c.State.Dir)
	set(EnvStatusAddr, &c.Status.Listen)

	if v, ok := lookup(EnvSOCSeed); ok && v != "" {
		seed, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(seed) || math.IsInf(seed, 0) {
			return fmt.Errorf("invalid %s %q", EnvSOCSeed, v)
		}
		c.SOC.Seed = &seed
	}
	return nil
}

// Validate checks the resolved values
func (c Config) Validate() error {
	var errs []error

	if c.Source.URL == "" {
		errs = append(errs, errors.New("source.url is required"))
	}
	if c.Source.QueryTimeout <= 0 || c.Source.WriteTimeout <= 0 {
		errs = append(errs, errors.New("source timeouts must be positive"))
	}
	if c.Migration.Grid < time.Second || c.Migration.Grid%time.Second != 0 {
		errs = append(errs, fmt.Errorf("migration.grid must be a whole number of seconds, got %s", c.Migration.Grid))
	}
	if len(c.Migration.Jobs) == 0 {
		errs = append(errs, errors.New("migration.jobs is empty"))
	}
	if _, err := c.Window(time.Now()); err != nil {
		errs = append(errs, err)
	}
	switch c.Destination.Kind {
	case DestinationInflux, DestinationBadger:
	default:
		errs = append(errs, fmt.Errorf("destination.kind must be %q or %q, got %q", DestinationInflux, DestinationBadger, c.Destination.Kind))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	return errors.Join(errs...)
}

// Window resolves the migration window. An empty end means now.
func (c Config) Window(now time.Time) (scope.Window, error) {
	return resolveWindow(c.Migration.Start, c.Migration.End, c.Migration.Site, now)
}

// SOCWindow resolves the recurrence window, falling back to the migration
// window for unset bounds
func (c Config) SOCWindow(now time.Time) (scope.Window, error) {
	start, end := c.Migration.Start, c.Migration.End
	if c.SOC.Start != "" {
		start = c.SOC.Start
	}
	if c.SOC.End != "" {
		end = c.SOC.End
	}
	return resolveWindow(start, end, c.Migration.Site, now)
}

// GridSeconds returns the bucket width in seconds
func (c Config) GridSeconds() int64 {
	return int64(c.Migration.Grid / time.Second)
}

func resolveWindow(start, end, site string, now time.Time) (scope.Window, error) {
	s, err := ParseTime(start)
	if err != nil {
		return scope.Window{}, fmt.Errorf("invalid start: %w", err)
	}
	e := now
	if end != "" {
		if e, err = ParseTime(end); err != nil {
			return scope.Window{}, fmt.Errorf("invalid end: %w", err)
		}
	}
	return scope.NewWindow(s, e, site)
}

// ParseTime accepts "2006-01-02 15:04:05", "2006-01-02 15:04",
// "2006-01-02", RFC3339, or unix seconds. Zone-less values are UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
