package config

import (
	"time"

	"github.com/occigate/occigate/pkg/backend"
	"github.com/occigate/occigate/pkg/telemetry"
)

// Config is the gateway configuration. It is built once at startup and
// passed down by value; nothing in the gateway keeps a global copy.
type Config struct {
	// Backend selects and configures the backend.
	Backend backend.Options `yaml:"backend"`

	// Schema configures kind and mixin declarations.
	Schema SchemaConfig `yaml:"schema"`

	// Restrictions configures the entity restriction validator.
	Restrictions RestrictionConfig `yaml:"restrictions"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// SchemaConfig lists operator-provided mixin declarations.
type SchemaConfig struct {
	// MixinFiles are CUE files with a top-level "mixins" struct.
	MixinFiles []string `yaml:"mixin_files" validate:"dive,required"`
}

// RestrictionConfig configures entity restrictions.
type RestrictionConfig struct {
	// DisableDefaults turns off the built-in rules.
	DisableDefaults bool `yaml:"disable_defaults"`

	// PolicyPaths are .rego files or directories of them.
	PolicyPaths []string `yaml:"policy_paths" validate:"dive,required"`

	// Watch reloads policies when files under PolicyPaths change.
	Watch bool `yaml:"watch"`
}

// Default backend settings.
const (
	DefaultBackendType = "dummy"
	DefaultCallTimeout = 30 * time.Second
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Backend: backend.Options{
			Type:        DefaultBackendType,
			Timeout:     DefaultCallTimeout,
			WaitStep:    5 * time.Second,
			WaitTimeout: 5 * time.Minute,
			Settings:    map[string]string{},
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}
