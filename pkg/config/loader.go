package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/occigate/occigate/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OCCIGATE_"

// LookupFunc looks up an environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and validates the result. The telemetry section
// starts from the preset of the deployment environment, taken from
// OCCIGATE_ENVIRONMENT or telemetry.environment in the file.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := Default()
	if env := environment(data, lookup); env != "" {
		cfg.Telemetry = *telemetry.ForEnvironment(env)
	}

	if data != nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// environment picks the deployment environment. The variable wins over the
// file; a file that does not parse is reported by the full decode.
func environment(data []byte, lookup LookupFunc) string {
	if lookup != nil {
		if v, ok := lookup(EnvPrefix + "ENVIRONMENT"); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	var doc struct {
		Telemetry struct {
			Environment string `yaml:"environment"`
		} `yaml:"telemetry"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ""
	}
	return doc.Telemetry.Environment
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	duration := func(name string, dst *time.Duration) error {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
		return nil
	}

	if v, ok := get("BACKEND"); ok {
		cfg.Backend.Type = v
	}
	if v, ok := get("ENDPOINT"); ok {
		cfg.Backend.Endpoint = v
	}
	if v, ok := get("REGION"); ok {
		cfg.Backend.Region = v
	}
	if err := duration("TIMEOUT", &cfg.Backend.Timeout); err != nil {
		return err
	}
	if err := duration("WAIT_STEP", &cfg.Backend.WaitStep); err != nil {
		return err
	}
	if err := duration("WAIT_TIMEOUT", &cfg.Backend.WaitTimeout); err != nil {
		return err
	}
	if v, ok := get("POLICY_PATHS"); ok {
		cfg.Restrictions.PolicyPaths = splitList(v)
	}
	if v, ok := get("MIXIN_FILES"); ok {
		cfg.Schema.MixinFiles = splitList(v)
	}
	if v, ok := get("ENVIRONMENT"); ok {
		cfg.Telemetry.Environment = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Telemetry.Logging.Level = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		cfg.Telemetry.Logging.Format = v
	}
	if v, ok := get("OTLP_ENDPOINT"); ok {
		cfg.Telemetry.Tracing.Enabled = true
		cfg.Telemetry.Tracing.Exporter = "otlp"
		cfg.Telemetry.Tracing.Endpoint = v
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks struct constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}
