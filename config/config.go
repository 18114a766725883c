// Package config loads the engine's EngineConfig from TOML or YAML files
// with environment-variable overrides, grounded on the teacher's
// feeders package: BurntSushi/toml and gopkg.in/yaml.v3 for file decoding,
// and the reflection-based env-tag walk from feeders/affixed_env.go
// (simplified here to a single fixed prefix instead of prefix+suffix).
package config

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

// Defaults, per spec §1.3 / §4.2-§4.6.
const (
	DefaultWorkerCount            = 16
	DefaultIntakeQueueSize         = 256
	DefaultGracePeriod             = 5 * time.Second
	DefaultProgressCoalesceInterval = 100 * time.Millisecond
	DefaultProgressHookInterval    = 100 * time.Millisecond
	DefaultMaxSucceededTasks       = 10
	DefaultRecurringTickInterval   = time.Second
	DefaultSubscriberBufferSize    = 16
)

// EnvPrefix is the fixed environment-variable prefix applied to every
// env-tagged field (e.g. TASKENGINE_WORKER_COUNT).
const EnvPrefix = "TASKENGINE"

// EngineConfig is the complete set of tunables for an Engine instance.
type EngineConfig struct {
	WorkerCount              int            `toml:"worker_count" yaml:"worker_count" env:"WORKER_COUNT"`
	IntakeQueueSize          int            `toml:"intake_queue_size" yaml:"intake_queue_size" env:"INTAKE_QUEUE_SIZE"`
	GracePeriod              time.Duration  `toml:"grace_period" yaml:"grace_period" env:"GRACE_PERIOD"`
	ProgressCoalesceInterval time.Duration  `toml:"progress_coalesce_interval" yaml:"progress_coalesce_interval" env:"PROGRESS_COALESCE_INTERVAL"`
	ProgressHookInterval     time.Duration  `toml:"progress_hook_interval" yaml:"progress_hook_interval" env:"PROGRESS_HOOK_INTERVAL"`
	MaxSucceededTasks        int            `toml:"max_succeeded_tasks" yaml:"max_succeeded_tasks" env:"MAX_SUCCEEDED_TASKS"`
	RecurringTickInterval    time.Duration  `toml:"recurring_tick_interval" yaml:"recurring_tick_interval" env:"RECURRING_TICK_INTERVAL"`
	SubscriberBufferSize     int            `toml:"subscriber_buffer_size" yaml:"subscriber_buffer_size" env:"SUBSCRIBER_BUFFER_SIZE"`
	SemaphoreLimits          map[string]int `toml:"semaphore_limits" yaml:"semaphore_limits"`
}

// Default returns an EngineConfig populated with spec defaults.
func Default() *EngineConfig {
	return &EngineConfig{
		WorkerCount:              DefaultWorkerCount,
		IntakeQueueSize:          DefaultIntakeQueueSize,
		GracePeriod:              DefaultGracePeriod,
		ProgressCoalesceInterval: DefaultProgressCoalesceInterval,
		ProgressHookInterval:     DefaultProgressHookInterval,
		MaxSucceededTasks:        DefaultMaxSucceededTasks,
		RecurringTickInterval:    DefaultRecurringTickInterval,
		SubscriberBufferSize:     DefaultSubscriberBufferSize,
		SemaphoreLimits: map[string]int{
			"single":   1,
			"multiple": 10,
			"default":  3,
		},
	}
}

// Load reads path (.toml, .yaml, or .yml) over top of the defaults, then
// applies TASKENGINE_* environment overrides.
func Load(path string) (*EngineConfig, error) {
	cfg := Default()

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg, EnvPrefix); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *EngineConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("config: decoding toml %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: decoding yaml %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config: unrecognized extension %q for %s", ext, path)
	}
	return nil
}

// applyEnvOverrides walks cfg's env-tagged fields and overrides them from
// PREFIX_<TAG> environment variables, mirroring the teacher's
// AffixedEnvFeeder.Feed but fixed to a single prefix (no suffix).
func applyEnvOverrides(cfg *EngineConfig, prefix string) error {
	rv := reflect.ValueOf(cfg).Elem()
	rt := rv.Type()

	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rt.Field(i)

		envTag, ok := fieldType.Tag.Lookup("env")
		if !ok {
			continue
		}
		envName := strings.ToUpper(prefix) + "_" + strings.ToUpper(envTag)
		strValue := os.Getenv(envName)
		if strValue == "" {
			continue
		}
		if !field.CanSet() {
			continue
		}

		// time.Duration is an int64 underneath; golobby/cast would parse
		// it as a bare number, so durations get their own ParseDuration
		// path instead (accepts "5s", "100ms", etc., like the rest of the
		// stack's duration fields).
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(strValue)
			if err != nil {
				return fmt.Errorf("config: env %s: invalid duration %q: %w", envName, strValue, err)
			}
			field.Set(reflect.ValueOf(d))
			continue
		}

		converted, err := cast.FromType(strValue, field.Type())
		if err != nil {
			return fmt.Errorf("config: env %s: cannot convert %q to %v: %w", envName, strValue, field.Type(), err)
		}
		field.Set(reflect.ValueOf(converted))
	}
	return nil
}
