package engine

import (
	"regexp"
	"strings"
)

// CompositeSeparator joins the parts of a composite identifier.
const CompositeSeparator = "_"

// CompositeID identifies a link-like entity that lives inside a parent resource.
type CompositeID struct {
	ParentKind string
	ParentID   string
	SubKind    string
	SubID      string
}

// String renders "<parentKind>_<parentID>_<subKind>_<subID>".
func (c CompositeID) String() string {
	return strings.Join([]string{c.ParentKind, c.ParentID, c.SubKind, c.SubID}, CompositeSeparator)
}

// FormatCompositeID builds the canonical string form. Parts must be non-empty
// and must not contain the separator, since there is no escaping.
func FormatCompositeID(parentKind, parentID, subKind, subID string) (string, error) {
	for _, part := range []string{parentKind, parentID, subKind, subID} {
		if part == "" {
			return "", NewMalformedIdentifierError(part, "composite identifier parts must not be empty")
		}
		if strings.Contains(part, CompositeSeparator) {
			return "", NewMalformedIdentifierError(part, "composite identifier part contains the separator "+CompositeSeparator)
		}
	}
	return CompositeID{ParentKind: parentKind, ParentID: parentID, SubKind: subKind, SubID: subID}.String(), nil
}

// CompositePattern builds the default pattern for a link subtype, with named
// groups "parent" and "sub".
func CompositePattern(parentKind, subKind string) *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(parentKind) + "_(?P<parent>[^_]+)_" +
		regexp.QuoteMeta(subKind) + "_(?P<sub>[^_]+)$")
}

// ParseCompositeID decodes s with a kind-specific pattern. The pattern must
// define the named groups "parent" and "sub"; it may define "parentkind" and
// "subkind" too.
func ParseCompositeID(s string, pattern *regexp.Regexp) (CompositeID, error) {
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return CompositeID{}, NewMalformedIdentifierError(s, "identifier does not match "+pattern.String())
	}

	var id CompositeID
	for i, name := range pattern.SubexpNames() {
		switch name {
		case "parent":
			id.ParentID = m[i]
		case "sub":
			id.SubID = m[i]
		case "parentkind":
			id.ParentKind = m[i]
		case "subkind":
			id.SubKind = m[i]
		}
	}
	if id.ParentID == "" || id.SubID == "" {
		return CompositeID{}, NewMalformedIdentifierError(s, "pattern lacks parent or sub group")
	}

	if id.ParentKind == "" || id.SubKind == "" {
		parts := strings.SplitN(s, CompositeSeparator, 4)
		if len(parts) == 4 {
			if id.ParentKind == "" {
				id.ParentKind = parts[0]
			}
			if id.SubKind == "" {
				id.SubKind = parts[2]
			}
		}
	}

	return id, nil
}
