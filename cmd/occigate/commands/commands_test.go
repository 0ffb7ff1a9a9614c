package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/restrict"
)

const (
	ubuntu = "http://occi.example.org/occi/infrastructure/os_tpl#ubuntu"
	small  = "http://occi.example.org/occi/infrastructure/resource_tpl#small"
	debian = "http://occi.example.org/occi/infrastructure/os_tpl#debian"
	large  = "http://occi.example.org/occi/infrastructure/resource_tpl#large"
)

// writeConfig writes a dummy backend configuration into a temp dir.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := "backend:\n" +
		"  type: dummy\n" +
		"  settings:\n" +
		"    dsn: " + filepath.Join(dir, "state.db") + "\n" +
		"telemetry:\n" +
		"  logging:\n" +
		"    level: error\n"
	path := filepath.Join(dir, "occigate.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func run(t *testing.T, cfgPath, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "now")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", cfgPath, "--json", "--identity", "alice"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("Failed to decode output %q: %v", out, err)
	}
	return v
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", engine.NewValidationError("bad", nil), 2},
		{"malformed", engine.NewMalformedIdentifierError("x", "bad"), 2},
		{"not found", engine.NewNotFoundError("x", nil), 3},
		{"state", engine.NewStateError("busy", nil), 4},
		{"not implemented", engine.NewNotImplementedError("resize"), 5},
		{"authentication", engine.NewError(engine.KindAuthentication, "denied", nil), 6},
		{"plain", errors.New("boom"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("Expected exit code %d, got %d", tt.want, got)
			}
		})
	}
}

func TestParseFilter(t *testing.T) {
	f, err := parseFilter([]string{"occi.compute.state=active", "occi.core.title=a=b"}, []string{ubuntu})
	if err != nil {
		t.Fatalf("Failed to parse filter: %v", err)
	}
	if f.Attributes["occi.compute.state"] != "active" {
		t.Errorf("Expected state active, got %v", f.Attributes["occi.compute.state"])
	}
	if f.Attributes["occi.core.title"] != "a=b" {
		t.Errorf("Expected title a=b, got %v", f.Attributes["occi.core.title"])
	}
	if len(f.Mixins) != 1 || f.Mixins[0] != ubuntu {
		t.Errorf("Expected mixin %s, got %v", ubuntu, f.Mixins)
	}

	empty, err := parseFilter(nil, nil)
	if err != nil {
		t.Fatalf("Failed to parse empty filter: %v", err)
	}
	if !empty.Empty() {
		t.Errorf("Expected empty filter, got %+v", empty)
	}

	for _, bad := range []string{"novalue", "=value"} {
		if _, err := parseFilter([]string{bad}, nil); !engine.IsValidation(err) {
			t.Errorf("Expected validation error for %q, got %v", bad, err)
		}
	}
}

func TestReadEntity(t *testing.T) {
	doc := "kind: compute\ntitle: web\nmixins:\n  - " + ubuntu + "\n"

	e, err := readEntity("-", strings.NewReader(doc), "")
	if err != nil {
		t.Fatalf("Failed to read entity: %v", err)
	}
	if e.Kind != engine.SubtypeCompute || e.Title != "web" || !e.HasMixin(ubuntu) {
		t.Errorf("Expected compute web with ubuntu, got %+v", e)
	}
	if e.Attributes == nil {
		t.Error("Expected attributes to be initialized")
	}

	if _, err := readEntity("-", strings.NewReader(doc), engine.SubtypeStorage); !engine.IsValidation(err) {
		t.Errorf("Expected validation error for kind mismatch, got %v", err)
	}
	if _, err := readEntity("-", strings.NewReader("kind: [unterminated"), ""); !engine.IsValidation(err) {
		t.Errorf("Expected validation error for bad document, got %v", err)
	}
}

func TestBackends(t *testing.T) {
	out, err := run(t, writeConfig(t), "", "backends")
	if err != nil {
		t.Fatalf("Failed to list backends: %v", err)
	}
	infos := decode[[]backendInfo](t, out)

	byType := map[string]backendInfo{}
	for _, info := range infos {
		byType[info.Type] = info
	}
	for _, name := range []string{"dummy", "opennebula", "ec2"} {
		if _, ok := byType[name]; !ok {
			t.Errorf("Expected backend %s, got %v", name, infos)
		}
	}
	if !byType["dummy"].Configured || byType["ec2"].Configured {
		t.Errorf("Expected only dummy configured, got %+v", infos)
	}
	if len(byType["ec2"].Subtypes) != 2 {
		t.Errorf("Expected 2 ec2 subtypes, got %v", byType["ec2"].Subtypes)
	}
}

func TestKinds(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "", "kinds", "compute")
	if err != nil {
		t.Fatalf("Failed to show kind: %v", err)
	}
	kinds := decode[[]kindInfo](t, out)
	if len(kinds) != 1 || kinds[0].Term != "compute" {
		t.Fatalf("Expected compute only, got %+v", kinds)
	}
	if len(kinds[0].Actions) != 4 {
		t.Errorf("Expected 4 compute actions, got %v", kinds[0].Actions)
	}

	out, err = run(t, cfg, "", "kinds", "--templates", "os_tpl")
	if err != nil {
		t.Fatalf("Failed to list templates: %v", err)
	}
	if !strings.Contains(out, ubuntu) {
		t.Errorf("Expected %s among os templates, got %s", ubuntu, out)
	}

	if _, err := run(t, cfg, "", "kinds", "teapot"); ExitCode(err) != 2 {
		t.Errorf("Expected exit code 2 for unknown kind, got %v", err)
	}
}

func TestEntityCommands(t *testing.T) {
	cfg := writeConfig(t)
	doc := "title: web\nmixins:\n  - " + ubuntu + "\n  - " + small + "\n"

	out, err := run(t, cfg, doc, "create", "compute", "-f", "-")
	if err != nil {
		t.Fatalf("Failed to create compute: %v", err)
	}
	created := decode[engine.Entity](t, out)
	if created.ID == "" || created.Title != "web" {
		t.Fatalf("Expected created compute web, got %+v", created)
	}
	id := created.ID

	// State persists between invocations.
	out, err = run(t, cfg, "", "list", "compute", "--ids")
	if err != nil {
		t.Fatalf("Failed to list computes: %v", err)
	}
	if ids := decode[[]string](t, out); len(ids) != 1 || ids[0] != id {
		t.Errorf("Expected [%s], got %v", id, ids)
	}

	out, err = run(t, cfg, "", "trigger", "compute", "stop", id)
	if err != nil {
		t.Fatalf("Failed to stop compute: %v", err)
	}
	stopped := decode[[]engine.Entity](t, out)
	if len(stopped) != 1 || stopped[0].Attributes["occi.compute.state"] != engine.StateInactive {
		t.Errorf("Expected one inactive compute, got %+v", stopped)
	}

	out, err = run(t, cfg, "", "update", "compute", id, "--partial", "--set", "occi.core.title=api")
	if err != nil {
		t.Fatalf("Failed to update compute: %v", err)
	}
	if updated := decode[engine.Entity](t, out); updated.Title != "api" {
		t.Errorf("Expected title api, got %q", updated.Title)
	}

	out, err = run(t, cfg, "", "list", "compute", "--filter", "occi.compute.state=inactive")
	if err != nil {
		t.Fatalf("Failed to filter computes: %v", err)
	}
	if listed := decode[[]engine.Entity](t, out); len(listed) != 1 {
		t.Errorf("Expected one inactive compute, got %d", len(listed))
	}

	if _, err := run(t, cfg, "", "delete", "compute", id); err != nil {
		t.Fatalf("Failed to delete compute: %v", err)
	}
	if _, err := run(t, cfg, "", "show", "compute", id); ExitCode(err) != 3 {
		t.Errorf("Expected exit code 3 after delete, got %v", err)
	}
}

func TestEntityCommands_Usage(t *testing.T) {
	cfg := writeConfig(t)

	tests := []struct {
		name string
		args []string
	}{
		{"delete without id or all", []string{"delete", "compute"}},
		{"delete with id and all", []string{"delete", "compute", "x", "--all"}},
		{"trigger without id or all", []string{"trigger", "compute", "start"}},
		{"bad param", []string{"trigger", "compute", "start", "x", "--param", "oops"}},
		{"unknown kind", []string{"list", "teapot"}},
		{"full update without file", []string{"update", "compute", "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, cfg, "", tt.args...); ExitCode(err) != 2 {
				t.Errorf("Expected exit code 2, got %v", err)
			}
		})
	}
}

func TestUpdate_PartialRejectsSecondOSTemplate(t *testing.T) {
	cfg := writeConfig(t)
	doc := "title: web\nmixins:\n  - " + ubuntu + "\n  - " + small + "\n"

	out, err := run(t, cfg, doc, "create", "compute", "-f", "-")
	if err != nil {
		t.Fatalf("Failed to create compute: %v", err)
	}
	id := decode[engine.Entity](t, out).ID

	tests := []struct {
		name       string
		args       []string
		violations bool
	}{
		{"second os and resource template", []string{"--mixin", debian, "--mixin", large}, true},
		{"template attribute override", []string{"--set", "occi.compute.cores=8"}, true},
		{"unknown mixin", []string{"--mixin", "http://example.org/nothing#here"}, false},
		{"non-numeric integer", []string{"--set", "occi.compute.cores=many"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"update", "compute", id, "--partial"}, tt.args...)
			_, err := run(t, cfg, "", args...)
			if ExitCode(err) != 2 {
				t.Fatalf("Expected exit code 2, got %v", err)
			}
			if tt.violations && len(restrict.Violations(err)) == 0 {
				t.Errorf("Expected violations in error, got %v", err)
			}
		})
	}

	out, err = run(t, cfg, "", "show", "compute", id)
	if err != nil {
		t.Fatalf("Failed to show compute: %v", err)
	}
	shown := decode[engine.Entity](t, out)
	if shown.HasMixin(debian) || shown.HasMixin(large) {
		t.Errorf("Expected rejected mixins to stay detached, got %v", shown.Mixins)
	}
	if cores, _ := shown.Attributes["occi.compute.cores"].(float64); cores != 1 {
		t.Errorf("Expected 1 core, got %v", shown.Attributes["occi.compute.cores"])
	}

	out, err = run(t, cfg, "", "update", "compute", id, "--partial", "--set", "occi.core.summary=edge")
	if err != nil {
		t.Fatalf("Failed to update compute: %v", err)
	}
	if updated := decode[engine.Entity](t, out); updated.Summary != "edge" || !updated.HasMixin(ubuntu) {
		t.Errorf("Expected summary edge on ubuntu compute, got %+v", updated)
	}
}

func TestValidate(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "kind: compute\ntitle: bare\n", "validate", "-f", "-")
	if ExitCode(err) != 2 {
		t.Fatalf("Expected exit code 2 for compute without os template, got %v", err)
	}
	report := decode[validationReport](t, out)
	if report.Valid || len(report.Violations) == 0 {
		t.Errorf("Expected violations, got %+v", report)
	}
	if len(restrict.Violations(err)) == 0 {
		t.Errorf("Expected violations in error, got %v", err)
	}

	doc := "kind: compute\nmixins:\n  - " + ubuntu + "\n"
	out, err = run(t, cfg, doc, "validate", "-f", "-")
	if err != nil {
		t.Fatalf("Failed to validate compute: %v", err)
	}
	if report := decode[validationReport](t, out); !report.Valid {
		t.Errorf("Expected valid report, got %+v", report)
	}
}

func TestPolicies(t *testing.T) {
	dir := t.TempDir()
	policy := `# kind: compute
# Computes need a title.
package occigate.restrict.titled

default allow := false

allow if input.title != ""

message := "compute needs a title"
`
	if err := os.WriteFile(filepath.Join(dir, "titled.rego"), []byte(policy), 0o600); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	cfg := writeConfig(t)
	data, err := os.ReadFile(cfg)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	data = append(data, []byte("restrictions:\n  policy_paths:\n    - "+dir+"\n")...)
	if err := os.WriteFile(cfg, data, 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	out, err := run(t, cfg, "", "policies")
	if err != nil {
		t.Fatalf("Failed to show policies: %v", err)
	}
	report := decode[policyReport](t, out)
	if len(report.Policies) != 1 || report.Policies[0].Name != "titled" || report.Policies[0].Kind != "compute" {
		t.Errorf("Expected policy titled for compute, got %+v", report.Policies)
	}
	if !strings.Contains(strings.Join(report.Rules["compute"], ","), "policy:titled") {
		t.Errorf("Expected policy:titled among compute rules, got %v", report.Rules["compute"])
	}
}
