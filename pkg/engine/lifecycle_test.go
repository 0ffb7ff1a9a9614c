package engine

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"testing"
)

func computeLifecycle() Lifecycle {
	return Lifecycle{
		StateAttribute: "occi.compute.state",
		States: StateMap{
			Table: map[string]string{
				"RUNNING": StateActive,
				"STOPPED": StateInactive,
				"SUSPEND": StateSuspended,
				"PENDING": StateWaiting,
			},
			Default: StateInactive,
			Overrides: []StateOverride{
				{Pattern: regexp.MustCompile(`FAILURE`), State: StateError},
				{Match: func(s string) bool { return strings.HasPrefix(s, "HOTPLUG") }, State: StateActive},
			},
		},
		Partition: ActionPartition{
			ActiveStates: []string{StateActive},
			Active:       []string{"stop", "restart", "suspend"},
			Inactive:     []string{"start"},
			Never:        []string{StateError},
		},
	}
}

func TestStateMap_Derive(t *testing.T) {
	m := computeLifecycle().States

	tests := []struct {
		native string
		want   string
	}{
		{"RUNNING", StateActive},
		{"STOPPED", StateInactive},
		{"SUSPEND", StateSuspended},
		{"BOOT_FAILURE", StateError},
		{"HOTPLUG_NIC", StateActive},
		{"SOMETHING_NEW", StateInactive},
	}

	for _, tt := range tests {
		t.Run(tt.native, func(t *testing.T) {
			if got := m.Derive(tt.native); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestStateMap_EmptyDefault(t *testing.T) {
	if got := (StateMap{}).Derive("whatever"); got != StateInactive {
		t.Errorf("Expected inactive default, got %s", got)
	}
}

func TestLifecycle_Apply(t *testing.T) {
	l := computeLifecycle()

	tests := []struct {
		native string
		want   []string
	}{
		{"RUNNING", []string{"restart", "stop", "suspend"}},
		{"STOPPED", []string{"start"}},
		{"SUSPEND", []string{"start"}},
		{"BOOT_FAILURE", nil},
	}

	for _, tt := range tests {
		t.Run(tt.native, func(t *testing.T) {
			e := NewEntity("compute")
			state := l.Apply(e, tt.native)
			if e.Attributes["occi.compute.state"] != state {
				t.Errorf("Expected state attribute %s, got %v", state, e.Attributes["occi.compute.state"])
			}
			if !reflect.DeepEqual(e.Actions, tt.want) {
				t.Errorf("Expected actions %v, got %v", tt.want, e.Actions)
			}
		})
	}
}

func TestEnsureActionEnabled(t *testing.T) {
	e := NewEntity("compute")
	e.ID = "1"
	computeLifecycle().Apply(e, "RUNNING")

	if err := EnsureActionEnabled(e, "stop"); err != nil {
		t.Errorf("Expected stop to be enabled, got %v", err)
	}

	err := EnsureActionEnabled(e, "start")
	if !errors.Is(err, ErrState) {
		t.Fatalf("Expected EntityStateError, got %v", err)
	}
}
