package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "occigate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func env(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithEnv("", env(nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Backend.Type != DefaultBackendType {
		t.Errorf("Expected backend %s, got %s", DefaultBackendType, cfg.Backend.Type)
	}
	if cfg.Backend.Timeout != DefaultCallTimeout {
		t.Errorf("Expected timeout %v, got %v", DefaultCallTimeout, cfg.Backend.Timeout)
	}
	if cfg.Telemetry.ServiceName != "occigate" {
		t.Errorf("Expected service occigate, got %s", cfg.Telemetry.ServiceName)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
backend:
  type: opennebula
  endpoint: one.example.org:2633
  timeout: 10s
  wait_step: 2s
  settings:
    image_datastore: "1"
restrictions:
  policy_paths:
    - /etc/occigate/policies
  watch: true
telemetry:
  logging:
    level: debug
`)

	cfg, err := LoadWithEnv(path, env(nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.Backend.Type != "opennebula" || cfg.Backend.Endpoint != "one.example.org:2633" {
		t.Errorf("Unexpected backend %+v", cfg.Backend)
	}
	if cfg.Backend.Timeout != 10*time.Second || cfg.Backend.WaitStep != 2*time.Second {
		t.Errorf("Expected durations from file, got %v/%v", cfg.Backend.Timeout, cfg.Backend.WaitStep)
	}
	if cfg.Backend.WaitTimeout != 5*time.Minute {
		t.Errorf("Expected default wait timeout to survive, got %v", cfg.Backend.WaitTimeout)
	}
	if cfg.Backend.Setting("image_datastore", "") != "1" {
		t.Errorf("Expected image_datastore setting, got %v", cfg.Backend.Settings)
	}
	if !cfg.Restrictions.Watch || len(cfg.Restrictions.PolicyPaths) != 1 {
		t.Errorf("Unexpected restrictions %+v", cfg.Restrictions)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.ServiceName != "occigate" {
		t.Errorf("Expected merged telemetry, got %+v", cfg.Telemetry.Logging)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "backend:\n  type: dummy\n")

	cfg, err := LoadWithEnv(path, env(map[string]string{
		"OCCIGATE_BACKEND":      "ec2",
		"OCCIGATE_REGION":       "eu-west-1",
		"OCCIGATE_TIMEOUT":      "45s",
		"OCCIGATE_POLICY_PATHS": "a.rego, b ,",
		"OCCIGATE_LOG_LEVEL":    "warn",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.Backend.Type != "ec2" || cfg.Backend.Region != "eu-west-1" {
		t.Errorf("Expected env backend, got %+v", cfg.Backend)
	}
	if cfg.Backend.Timeout != 45*time.Second {
		t.Errorf("Expected 45s, got %v", cfg.Backend.Timeout)
	}
	if got := cfg.Restrictions.PolicyPaths; len(got) != 2 || got[0] != "a.rego" || got[1] != "b" {
		t.Errorf("Expected [a.rego b], got %v", got)
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("Expected warn, got %s", cfg.Telemetry.Logging.Level)
	}
}

func TestLoad_EnvironmentPreset(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		env        map[string]string
		wantEnv    string
		wantLevel  string
		wantFormat string
	}{
		{name: "no environment", content: "", wantEnv: "development", wantLevel: "info", wantFormat: "console"},
		{name: "development from file", content: "telemetry:\n  environment: development\n", wantEnv: "development", wantLevel: "debug", wantFormat: "console"},
		{
			name:       "production from env",
			content:    "",
			env:        map[string]string{"OCCIGATE_ENVIRONMENT": "production", "OCCIGATE_OTLP_ENDPOINT": "collector:4317"},
			wantEnv:    "production",
			wantLevel:  "info",
			wantFormat: "json",
		},
		{
			name:       "file overrides preset",
			content:    "telemetry:\n  environment: production\n  logging:\n    format: console\n  tracing:\n    endpoint: collector:4317\n",
			wantEnv:    "production",
			wantLevel:  "info",
			wantFormat: "console",
		},
		{name: "other environment", content: "telemetry:\n  environment: staging\n", wantEnv: "staging", wantLevel: "info", wantFormat: "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWithEnv(writeConfig(t, tt.content), env(tt.env))
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if cfg.Telemetry.Environment != tt.wantEnv {
				t.Errorf("Expected environment %s, got %s", tt.wantEnv, cfg.Telemetry.Environment)
			}
			if cfg.Telemetry.Logging.Level != tt.wantLevel {
				t.Errorf("Expected level %s, got %s", tt.wantLevel, cfg.Telemetry.Logging.Level)
			}
			if cfg.Telemetry.Logging.Format != tt.wantFormat {
				t.Errorf("Expected format %s, got %s", tt.wantFormat, cfg.Telemetry.Logging.Format)
			}
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		wantErr string
	}{
		{name: "unknown backend", content: "backend:\n  type: vmware\n", wantErr: "Backend.Type"},
		{name: "opennebula without endpoint", content: "backend:\n  type: opennebula\n", wantErr: "Backend.Endpoint"},
		{name: "ec2 without region", content: "backend:\n  type: ec2\n", wantErr: "Backend.Region"},
		{name: "negative timeout", content: "backend:\n  type: dummy\n  timeout: -1s\n", wantErr: "Backend.Timeout"},
		{name: "bad yaml", content: "backend: [", wantErr: "failed to parse"},
		{name: "bad telemetry", content: "telemetry:\n  logging:\n    format: xml\n", wantErr: "telemetry"},
		{name: "bad env duration", content: "", env: map[string]string{"OCCIGATE_TIMEOUT": "soon"}, wantErr: "OCCIGATE_TIMEOUT"},
		{name: "production without collector", content: "telemetry:\n  environment: production\n", wantErr: "trace endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithEnv(writeConfig(t, tt.content), env(tt.env))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := LoadWithEnv(filepath.Join(t.TempDir(), "absent.yaml"), env(nil)); err == nil {
		t.Error("Expected error for missing file")
	}
}
