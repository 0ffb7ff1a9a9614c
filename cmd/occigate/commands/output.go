package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/occigate/occigate/pkg/engine"
)

// printOutput writes v as YAML, or as indented JSON with --json.
func printOutput(w io.Writer, v any) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to render output: %w", err)
	}
	_, err = w.Write(out)
	return err
}

// readDocument decodes a YAML or JSON file into v. "-" reads stdin.
func readDocument(path string, stdin io.Reader, v any) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return engine.NewValidationError("failed to parse "+path, err)
	}
	return nil
}

// readEntity reads an entity document. kind, when set, must agree with the
// document.
func readEntity(path string, stdin io.Reader, kind string) (*engine.Entity, error) {
	e := engine.NewEntity(kind)
	if err := readDocument(path, stdin, e); err != nil {
		return nil, err
	}
	if e.Kind == "" {
		e.Kind = kind
	}
	if kind != "" && e.Kind != kind {
		return nil, engine.NewValidationError(fmt.Sprintf("document describes %s, not %s", e.Kind, kind), nil)
	}
	if e.Attributes == nil {
		e.Attributes = engine.Attributes{}
	}
	return e, nil
}

// parseAssignments turns "name=value" pairs into attributes.
func parseAssignments(pairs []string) (engine.Attributes, error) {
	attrs := engine.Attributes{}
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, engine.NewValidationError(fmt.Sprintf("expected name=value, got %q", p), nil)
		}
		attrs[name] = value
	}
	return attrs, nil
}

// parseFilter builds a filter from --filter and --mixin flags.
func parseFilter(pairs, mixins []string) (engine.Filter, error) {
	attrs, err := parseAssignments(pairs)
	if err != nil {
		return engine.Filter{}, err
	}
	if len(attrs) == 0 {
		attrs = nil
	}
	return engine.Filter{Attributes: attrs, Mixins: mixins}, nil
}
