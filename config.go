package devloop

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// envPrefix prefixes every environment override variable.
const envPrefix = "DEVLOOP"

// Config is the external configuration surface: layer directives, watched
// files, and scan tuning. Zero values defer to the defaults from NewConfig,
// which file loading only overrides for keys actually present.
type Config struct {
	// ParentFirst lists artifact keys (group:name) resolved before this
	// layer's own elements.
	ParentFirst []string `yaml:"parentFirst" toml:"parent_first"`

	// LesserPriority lists artifact keys resolved after normal elements.
	LesserPriority []string `yaml:"lesserPriority" toml:"lesser_priority"`

	// Reloadable lists artifact keys excluded from the base runtime layer
	// and re-added fresh on every restart.
	Reloadable []string `yaml:"reloadable" toml:"reloadable"`

	// Removed lists artifact keys excluded entirely.
	Removed []string `yaml:"removed" toml:"removed"`

	// RemovedResources maps artifact keys to resource names hidden from
	// that artifact's elements.
	RemovedResources map[string][]string `yaml:"removedResources" toml:"removed_resources"`

	// WatchedFiles maps a watched path (relative to a resource root, or
	// absolute, or a glob) to whether its change requires a restart.
	WatchedFiles map[string]bool `yaml:"watchedFiles" toml:"watched_files"`

	// TestWatchedFiles is the test-domain equivalent of WatchedFiles.
	TestWatchedFiles map[string]bool `yaml:"testWatchedFiles" toml:"test_watched_files"`

	// Instrumentation enables in-place redefinition by default.
	Instrumentation bool `yaml:"instrumentation" toml:"instrumentation" env:"INSTRUMENTATION"`

	// LiveReload enables scan-driven restarts.
	LiveReload bool `yaml:"liveReload" toml:"live_reload" env:"LIVE_RELOAD"`

	// FlatTestMode adds application roots to the base runtime layer instead
	// of banning them.
	FlatTestMode bool `yaml:"flatTestMode" toml:"flat_test_mode" env:"FLAT_TEST_MODE"`

	// ScanSchedule is the periodic trigger schedule in cron descriptor
	// syntax.
	ScanSchedule string `yaml:"scanSchedule" toml:"scan_schedule" env:"SCAN_SCHEDULE"`

	// CoalesceDelay is how long to collapse filesystem-event bursts,
	// as a duration string.
	CoalesceDelay string `yaml:"coalesceDelay" toml:"coalesce_delay" env:"COALESCE_DELAY"`

	// StabilizationWait is the zero-length-file settle wait, as a duration
	// string.
	StabilizationWait string `yaml:"stabilizationWait" toml:"stabilization_wait" env:"STABILIZATION_WAIT"`

	// CompiledUnitSuffix is the filename suffix of compiled units.
	CompiledUnitSuffix string `yaml:"compiledUnitSuffix" toml:"compiled_unit_suffix" env:"COMPILED_UNIT_SUFFIX"`

	// StatusAddr is the listen address of the status endpoint, empty to
	// disable it.
	StatusAddr string `yaml:"statusAddr" toml:"status_addr" env:"STATUS_ADDR"`
}

// NewConfig returns the defaults.
func NewConfig() *Config {
	return &Config{
		LiveReload:         true,
		ScanSchedule:       "@every 1s",
		CoalesceDelay:      defaultCoalesceDelay.String(),
		StabilizationWait:  defaultStabilizationWait.String(),
		CompiledUnitSuffix: DefaultCompiledSuffix,
	}
}

// LoadConfig reads a YAML or TOML file, selected by extension, over the
// defaults, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedConfigFormat, filepath.Ext(path))
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overrides scalar fields carrying an env tag from
// DEVLOOP_-prefixed environment variables.
func (c *Config) ApplyEnvOverrides() error {
	value := reflect.ValueOf(c).Elem()
	structType := value.Type()
	for i := 0; i < structType.NumField(); i++ {
		tag, ok := structType.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		envValue := os.Getenv(envPrefix + "_" + strings.ToUpper(tag))
		if envValue == "" {
			continue
		}
		field := value.Field(i)
		converted, err := cast.FromType(envValue, field.Type())
		if err != nil {
			return fmt.Errorf("cannot convert %s to type %v: %w", tag, field.Type(), err)
		}
		field.Set(reflect.ValueOf(converted))
	}
	return nil
}

// CoalesceDuration parses CoalesceDelay, falling back to the default on an
// empty or malformed value.
func (c *Config) CoalesceDuration() time.Duration {
	if d, err := time.ParseDuration(c.CoalesceDelay); err == nil && d > 0 {
		return d
	}
	return defaultCoalesceDelay
}

// StabilizationDuration parses StabilizationWait, falling back to the default
// on an empty or malformed value.
func (c *Config) StabilizationDuration() time.Duration {
	if d, err := time.ParseDuration(c.StabilizationWait); err == nil && d > 0 {
		return d
	}
	return defaultStabilizationWait
}

// Directives converts the artifact-key lists into layer directives.
func (c *Config) Directives() (*LayerDirectives, error) {
	if c == nil {
		return nil, ErrConfigNil
	}
	directives := NewLayerDirectives()
	for _, raw := range c.ParentFirst {
		key, err := ParseArtifactKey(raw)
		if err != nil {
			return nil, err
		}
		directives.ParentFirst[key] = struct{}{}
	}
	for _, raw := range c.LesserPriority {
		key, err := ParseArtifactKey(raw)
		if err != nil {
			return nil, err
		}
		directives.LesserPriority[key] = struct{}{}
	}
	for _, raw := range c.Reloadable {
		key, err := ParseArtifactKey(raw)
		if err != nil {
			return nil, err
		}
		directives.Reloadable[key] = struct{}{}
	}
	for _, raw := range c.Removed {
		key, err := ParseArtifactKey(raw)
		if err != nil {
			return nil, err
		}
		directives.Removed[key] = struct{}{}
	}
	for raw, names := range c.RemovedResources {
		key, err := ParseArtifactKey(raw)
		if err != nil {
			return nil, err
		}
		directives.RemovedResources[key] = append([]string(nil), names...)
	}
	return directives, nil
}
