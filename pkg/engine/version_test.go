package engine

import (
	"errors"
	"testing"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    VersionSpec
		wantErr bool
	}{
		{name: "full", input: "3.1.4", want: VersionSpec{3, 1, 4}},
		{name: "major only", input: "3", want: VersionSpec{3, 0, 0}},
		{name: "major minor", input: "2.9", want: VersionSpec{2, 9, 0}},
		{name: "leading v", input: "v1.2.3", wantErr: true},
		{name: "plus sign", input: "1.+3.0", wantErr: true},
		{name: "surrounding space", input: " 1.2.3", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "non numeric", input: "3.x.0", wantErr: true},
		{name: "empty segment", input: "3..1", wantErr: true},
		{name: "too many segments", input: "1.2.3.4", wantErr: true},
		{name: "negative", input: "-1.0.0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVersion(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %q, got %v", tt.input, got)
				}
				if !errors.Is(err, ErrMalformedVersion) {
					t.Errorf("Expected MalformedVersionError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestVersionSpec_String(t *testing.T) {
	if got := (VersionSpec{3, 0, 1}).String(); got != "3.0.1" {
		t.Errorf("Expected 3.0.1, got %s", got)
	}
}

func TestIsCompatible(t *testing.T) {
	tests := []struct {
		name     string
		required string
		reported string
		wantOK   bool
		wantWarn bool
	}{
		{name: "same", required: "3.0.0", reported: "3.0.0", wantOK: true},
		{name: "patch differs", required: "3.0.0", reported: "3.0.7", wantOK: true},
		{name: "minor differs", required: "3.0.0", reported: "3.1.0", wantOK: true, wantWarn: true},
		{name: "older major", required: "3", reported: "2.9.0"},
		{name: "newer major", required: "3.0.0", reported: "4.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, warn := IsCompatible(MustParseVersion(tt.required), MustParseVersion(tt.reported))
			if ok != tt.wantOK || warn != tt.wantWarn {
				t.Errorf("Expected ok=%v warn=%v, got ok=%v warn=%v", tt.wantOK, tt.wantWarn, ok, warn)
			}
		})
	}
}

func TestMustParseVersion_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for malformed version")
		}
	}()
	MustParseVersion("three")
}
