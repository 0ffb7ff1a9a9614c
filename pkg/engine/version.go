package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// VersionSpec is a parsed major.minor.patch version.
type VersionSpec struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses a dotted numeric version string. Segments hold ASCII
// digits only. Missing trailing segments default to zero, so "3" and "3.0"
// are both 3.0.0.
func ParseVersion(s string) (VersionSpec, error) {
	if s == "" {
		return VersionSpec{}, NewMalformedVersionError(s, nil)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return VersionSpec{}, NewMalformedVersionError(s, fmt.Errorf("too many segments"))
	}

	var nums [3]int
	for i, p := range parts {
		if p == "" || strings.TrimLeft(p, "0123456789") != "" {
			return VersionSpec{}, NewMalformedVersionError(s, fmt.Errorf("segment %q is not a number", p))
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return VersionSpec{}, NewMalformedVersionError(s, err)
		}
		nums[i] = n
	}

	return VersionSpec{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MustParseVersion is like ParseVersion but panics on error.
// It is meant for statically declared adapter versions.
func MustParseVersion(s string) VersionSpec {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the version as major.minor.patch.
func (v VersionSpec) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// IsCompatible reports whether an adapter reporting version reported can serve
// a gateway requiring version required. Only majors must match; warn is true
// when the minors differ and the caller should log it. Patch levels are ignored.
func IsCompatible(required, reported VersionSpec) (ok bool, warn bool) {
	if required.Major != reported.Major {
		return false, false
	}
	return true, required.Minor != reported.Minor
}
