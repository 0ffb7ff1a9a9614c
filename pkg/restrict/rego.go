package restrict

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/occigate/occigate/pkg/engine"
)

// Policy is an operator-provided Rego restriction. The module must define a
// boolean allow rule and may define a message string. An optional
// "# kind: <term>" comment scopes the policy to one kind.
type Policy struct {
	Name        string `json:"name"`
	Kind        string `json:"kind,omitempty"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
	Rego        string `json:"-"`
}

// ParsePolicy builds a policy from a .rego file's path and content.
func ParsePolicy(path, src string) Policy {
	p := Policy{
		Name:   strings.TrimSuffix(filepath.Base(path), ".rego"),
		Source: path,
		Rego:   src,
	}

	var desc []string
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if kind, ok := strings.CutPrefix(comment, "kind:"); ok {
			p.Kind = strings.TrimSpace(kind)
			continue
		}
		if comment != "" {
			desc = append(desc, comment)
		}
	}
	p.Description = strings.Join(desc, " ")
	return p
}

// compiledPolicy is a policy prepared for repeated evaluation.
type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

func compilePolicy(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()),
		rego.Module(p.Name+".rego", p.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}

	return &compiledPolicy{policy: p, query: query}, nil
}

func (cp *compiledPolicy) appliesTo(kind string) bool {
	return cp.policy.Kind == "" || cp.policy.Kind == kind
}

// evaluate runs the policy against e. An undefined allow rule denies.
func (cp *compiledPolicy) evaluate(ctx context.Context, e *engine.Entity) (bool, string, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(policyInput(e)))
	if err != nil {
		return false, "", fmt.Errorf("policy evaluation error: %w", err)
	}

	message := cp.policy.Description
	if message == "" {
		message = "rejected by policy " + cp.policy.Name
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, message, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return false, message, nil
	}
	if m, ok := doc["message"].(string); ok && m != "" {
		message = m
	}
	allow, _ := doc["allow"].(bool)
	return allow, message, nil
}

func policyInput(e *engine.Entity) map[string]interface{} {
	attrs := make(map[string]interface{}, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	mixins := append([]string{}, e.Mixins...)
	return map[string]interface{}{
		"id":         e.ID,
		"kind":       e.Kind,
		"title":      e.Title,
		"summary":    e.Summary,
		"mixins":     mixins,
		"attributes": attrs,
	}
}
