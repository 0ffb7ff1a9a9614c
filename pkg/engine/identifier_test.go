package engine

import (
	"errors"
	"regexp"
	"testing"
)

func TestCompositeID_RoundTrip(t *testing.T) {
	tests := []struct {
		parentKind, parentID, subKind, subID string
	}{
		{"compute", "42", "nic", "0"},
		{"compute", "a1b2-c3d4", "disk", "3"},
		{"securitygroup", "sg.123", "link", "vm-9"},
	}

	for _, tt := range tests {
		t.Run(tt.parentKind+"/"+tt.parentID, func(t *testing.T) {
			s, err := FormatCompositeID(tt.parentKind, tt.parentID, tt.subKind, tt.subID)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			got, err := ParseCompositeID(s, CompositePattern(tt.parentKind, tt.subKind))
			if err != nil {
				t.Fatalf("Unexpected parse error for %q: %v", s, err)
			}

			want := CompositeID{ParentKind: tt.parentKind, ParentID: tt.parentID, SubKind: tt.subKind, SubID: tt.subID}
			if got != want {
				t.Errorf("Expected %+v, got %+v", want, got)
			}
			if got.String() != s {
				t.Errorf("Expected String() %q, got %q", s, got.String())
			}
		})
	}
}

func TestFormatCompositeID_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		parts [4]string
	}{
		{name: "separator in parent id", parts: [4]string{"compute", "a_b", "nic", "0"}},
		{name: "separator in sub id", parts: [4]string{"compute", "1", "nic", "0_1"}},
		{name: "empty part", parts: [4]string{"compute", "", "nic", "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FormatCompositeID(tt.parts[0], tt.parts[1], tt.parts[2], tt.parts[3])
			if !errors.Is(err, ErrMalformedIdentifier) {
				t.Errorf("Expected MalformedIdentifierError, got %v", err)
			}
		})
	}
}

func TestParseCompositeID_Mismatch(t *testing.T) {
	pattern := CompositePattern("compute", "nic")
	for _, s := range []string{"", "compute_1", "compute_1_disk_0", "storage_1_nic_0", "compute_1_nic_0_extra"} {
		if _, err := ParseCompositeID(s, pattern); !errors.Is(err, ErrMalformedIdentifier) {
			t.Errorf("Expected MalformedIdentifierError for %q, got %v", s, err)
		}
	}
}

func TestParseCompositeID_CustomPattern(t *testing.T) {
	pattern := regexp.MustCompile(`^(?P<parentkind>[a-z]+)_(?P<parent>\d+)_(?P<subkind>[a-z]+)_(?P<sub>\d+)$`)

	got, err := ParseCompositeID("compute_7_disk_2", pattern)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := CompositeID{ParentKind: "compute", ParentID: "7", SubKind: "disk", SubID: "2"}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}
