package schema

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/occigate/occigate/pkg/engine"
)

const localScheme = "http://occi.example.org/occi/infrastructure/"

func TestNew_Kinds(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatalf("Failed to compile declarations: %v", err)
	}

	want := []string{"compute", "ipreservation", "network", "networkinterface",
		"securitygroup", "securitygrouplink", "storage", "storagelink"}
	var got []string
	for _, k := range r.Kinds() {
		got = append(got, k.Term)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected kinds %v, got %v", want, got)
	}

	compute, ok := r.Kind("compute")
	if !ok {
		t.Fatal("Expected compute kind")
	}
	if compute.ID() != InfraScheme+"compute" {
		t.Errorf("Expected compute ID with infrastructure scheme, got %s", compute.ID())
	}
	if compute.IsLink() {
		t.Error("Expected compute not to be a link")
	}
	if def := compute.Attributes["occi.compute.cores"]; def.Type != TypeInteger || !def.Mutable {
		t.Errorf("Unexpected cores declaration: %+v", def)
	}
	if def := compute.Attributes["occi.core.id"]; def.Mutable {
		t.Error("Expected occi.core.id to be immutable")
	}
	if !reflect.DeepEqual(r.Actions("compute"), []string{"start", "stop", "restart", "suspend"}) {
		t.Errorf("Unexpected compute actions: %v", r.Actions("compute"))
	}

	nic, _ := r.Kind("networkinterface")
	if !nic.IsLink() {
		t.Error("Expected networkinterface to be a link")
	}
	if _, ok := nic.Attributes["occi.core.target"]; !ok {
		t.Error("Expected link kinds to carry occi.core.target")
	}
}

func TestNew_TemplateDefaults(t *testing.T) {
	r := MustNew()

	small, ok := r.Mixin(localScheme + "resource_tpl#small")
	if !ok {
		t.Fatal("Expected small resource template")
	}
	if !small.DependsOn(ResourceTemplate) {
		t.Errorf("Expected small to depend on resource_tpl, got %v", small.Depends)
	}
	if got := small.Attributes["occi.compute.cores"].Default; got != 1 {
		t.Errorf("Expected cores default 1 (int), got %#v", got)
	}
	if got := small.Attributes["occi.compute.memory"].Default; got != 1.0 {
		t.Errorf("Expected memory default 1.0, got %#v", got)
	}

	if n := len(r.Templates(OSTemplate)); n != 2 {
		t.Errorf("Expected 2 os templates, got %d", n)
	}
}

func TestAttributeSet(t *testing.T) {
	r := MustNew()

	plain := r.AttributeSet("compute", nil)
	if !plain.Has("occi.compute.cores") || plain.Has("occi.compute.userdata") {
		t.Errorf("Unexpected plain compute attribute set")
	}

	withCtx := r.AttributeSet("compute", []string{UserData, "unknown#mixin"})
	if !withCtx.Has("occi.compute.userdata") {
		t.Error("Expected user_data mixin to add occi.compute.userdata")
	}

	if r.AttributeSet("nope", nil).Has("occi.core.id") {
		t.Error("Expected unknown kind to have an empty attribute set")
	}
}

func TestAttachMixins(t *testing.T) {
	r := MustNew()

	e := engine.NewEntity("compute")
	e.AddMixins(localScheme+"os_tpl#ubuntu", localScheme+"resource_tpl#medium")
	e.Attributes["occi.compute.memory"] = 4.0

	if err := r.AttachMixins(e); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if e.Attributes["occi.compute.cores"] != 2 {
		t.Errorf("Expected cores filled from template, got %v", e.Attributes["occi.compute.cores"])
	}
	if e.Attributes["occi.compute.memory"] != 4.0 {
		t.Errorf("Expected memory kept, got %v", e.Attributes["occi.compute.memory"])
	}
}

func TestAttachMixins_Rejects(t *testing.T) {
	r := MustNew()

	tests := []struct {
		name   string
		kind   string
		mixins []string
	}{
		{name: "unknown mixin", kind: "compute", mixins: []string{"http://nowhere#x"}},
		{name: "wrong kind", kind: "storage", mixins: []string{localScheme + "os_tpl#ubuntu"}},
		{name: "unknown kind", kind: "printer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := engine.NewEntity(tt.kind)
			e.AddMixins(tt.mixins...)
			if err := r.AttachMixins(e); !errors.Is(err, engine.ErrValidation) {
				t.Errorf("Expected ValidationError, got %v", err)
			}
		})
	}
}

func TestCheckAttributes(t *testing.T) {
	r := MustNew()

	tests := []struct {
		name    string
		attrs   engine.Attributes
		wantErr bool
	}{
		{name: "valid", attrs: engine.Attributes{"occi.compute.cores": 2, "occi.compute.memory": 1.5, "occi.compute.hostname": "web"}},
		{name: "integral float as integer", attrs: engine.Attributes{"occi.compute.cores": 2.0}},
		{name: "fractional integer", attrs: engine.Attributes{"occi.compute.cores": 2.5}, wantErr: true},
		{name: "string for float", attrs: engine.Attributes{"occi.compute.memory": "lots"}, wantErr: true},
		{name: "undeclared", attrs: engine.Attributes{"occi.storage.size": 10}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := engine.NewEntity("compute")
			e.Attach(tt.attrs)
			err := r.CheckAttributes(e)
			if tt.wantErr != (err != nil) {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCheckMutable(t *testing.T) {
	r := MustNew()

	if err := r.CheckMutable("compute", nil, engine.Attributes{"occi.compute.cores": 2}); err != nil {
		t.Errorf("Expected cores to be mutable, got %v", err)
	}
	err := r.CheckMutable("compute", nil, engine.Attributes{"occi.compute.state": "active"})
	if !errors.Is(err, engine.ErrValidation) {
		t.Errorf("Expected ValidationError for state, got %v", err)
	}
}

func TestInferParent(t *testing.T) {
	tests := map[string]string{
		"http://cloud.example.org/occi/os_tpl#":            OSTemplate,
		"http://cloud.example.org/occi/resource_tpl#":      ResourceTemplate,
		"http://cloud.example.org/occi/availability_zone#": AvailabilityZone,
		"http://cloud.example.org/occi/other#":             "",
		"os_tpl#":                                          "",
	}
	for scheme, want := range tests {
		if got := InferParent(scheme); got != want {
			t.Errorf("InferParent(%q): expected %q, got %q", scheme, want, got)
		}
	}
}

func TestAddMixin_InfersParent(t *testing.T) {
	r := MustNew()

	err := r.AddMixin(Mixin{Term: "ami-123", Scheme: "http://aws.example.org/occi/os_tpl#", Applies: []string{"compute"}})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	m, ok := r.Mixin("http://aws.example.org/occi/os_tpl#ami-123")
	if !ok || !m.DependsOn(OSTemplate) {
		t.Errorf("Expected inferred os_tpl parent, got %+v", m)
	}

	if err := r.AddMixin(Mixin{Term: "x", Scheme: "s#", Depends: []string{"missing#parent"}}); err == nil {
		t.Error("Expected error for unknown parent")
	}
}

func TestLoadMixins(t *testing.T) {
	r := MustNew()
	path := filepath.Join(t.TempDir(), "templates.cue")
	content := `mixins: {
	"http://site.example.org/occi/resource_tpl#xlarge": {
		term:   "xlarge"
		scheme: "http://site.example.org/occi/resource_tpl#"
		title:  "Extra large"
		applies: ["compute"]
		attributes: "occi.compute.cores": {type: "integer", mutable: false, default: 16}
	}
}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := r.LoadMixins(path); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	m, ok := r.Mixin("http://site.example.org/occi/resource_tpl#xlarge")
	if !ok {
		t.Fatal("Expected xlarge template to be registered")
	}
	if !m.DependsOn(ResourceTemplate) {
		t.Errorf("Expected inferred resource_tpl parent, got %v", m.Depends)
	}
	if m.Attributes["occi.compute.cores"].Default != 16 {
		t.Errorf("Expected default 16, got %#v", m.Attributes["occi.compute.cores"].Default)
	}
}

func TestLoadMixins_Invalid(t *testing.T) {
	r := MustNew()
	path := filepath.Join(t.TempDir(), "bad.cue")
	content := `mixins: "x": {term: "x", scheme: "s#", attributes: "a": {type: "color"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := r.LoadMixins(path); err == nil {
		t.Error("Expected error for invalid attribute type")
	}
}
