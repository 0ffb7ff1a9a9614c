// Package restrict gates entities submitted by clients. Each kind has a set
// of rules that must all hold on the mixin-attached entity before it is
// handed to an adapter's Create or Update. Rules are Go predicates or
// operator-provided Rego policies.
package restrict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/telemetry"
)

// Violation is one failed rule.
type Violation struct {
	Rule    string `json:"rule" yaml:"rule"`
	Kind    string `json:"kind" yaml:"kind"`
	Message string `json:"message" yaml:"message"`
}

func (v Violation) Error() string {
	return v.Rule + ": " + v.Message
}

// Validator holds the rules per kind. Policies may be replaced at runtime.
type Validator struct {
	mu       sync.RWMutex
	rules    map[string][]Rule
	policies []*compiledPolicy
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
}

// NewValidator creates a validator with the given rules.
func NewValidator(tel *telemetry.Telemetry, rules ...Rule) *Validator {
	if tel == nil {
		tel = telemetry.Nop()
	}
	v := &Validator{
		rules:  make(map[string][]Rule),
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("restrict"),
	}
	for _, r := range rules {
		v.AddRule(r)
	}
	return v
}

// AddRule adds a Go rule.
func (v *Validator) AddRule(r Rule) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rules[r.Kind] = append(v.rules[r.Kind], r)
}

// SetPolicies compiles policies and replaces the current policy set. On a
// compile error the current set is kept.
func (v *Validator) SetPolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp, err := compilePolicy(ctx, p)
		if err != nil {
			return err
		}
		compiled = append(compiled, cp)
	}

	v.mu.Lock()
	v.policies = compiled
	v.mu.Unlock()

	v.logger.WithField("count", len(compiled)).Info("restriction policies loaded")
	return nil
}

// Policies returns the loaded policies sorted by name.
func (v *Validator) Policies() []Policy {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]Policy, 0, len(v.policies))
	for _, cp := range v.policies {
		out = append(out, cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Rules returns the names of the rules and policies that apply to kind.
func (v *Validator) Rules(kind string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var names []string
	for _, r := range v.rules[kind] {
		names = append(names, r.Name)
	}
	for _, cp := range v.policies {
		if cp.appliesTo(kind) {
			names = append(names, "policy:"+cp.policy.Name)
		}
	}
	return names
}

// Check evaluates every rule for e.Kind and returns the violations. A
// policy that cannot be evaluated counts as violated.
func (v *Validator) Check(ctx context.Context, e *engine.Entity) []Violation {
	v.mu.RLock()
	rules := v.rules[e.Kind]
	policies := v.policies
	v.mu.RUnlock()

	var violations []Violation
	for _, r := range rules {
		if !r.Predicate(e) {
			violations = append(violations, Violation{Rule: r.Name, Kind: e.Kind, Message: r.Message})
		}
	}

	for _, cp := range policies {
		if !cp.appliesTo(e.Kind) {
			continue
		}
		allow, message, err := cp.evaluate(ctx, e)
		if err != nil {
			v.logger.WithField("policy", cp.policy.Name).WithError(err).Error("policy evaluation failed")
			message = err.Error()
		}
		if !allow {
			violations = append(violations, Violation{Rule: "policy:" + cp.policy.Name, Kind: e.Kind, Message: message})
		}
	}

	for _, viol := range violations {
		v.tel.Metrics.RecordValidationFailure(e.Kind, viol.Rule)
	}
	return violations
}

// Validate fails with a ValidationError listing every failed rule. Kinds
// without rules always pass.
func (v *Validator) Validate(ctx context.Context, e *engine.Entity) error {
	violations := v.Check(ctx, e)
	if len(violations) == 0 {
		return nil
	}

	var cause error
	names := make([]string, 0, len(violations))
	for _, viol := range violations {
		cause = multierr.Append(cause, viol)
		names = append(names, viol.Rule)
	}

	err := engine.NewValidationError(
		fmt.Sprintf("%s entity violates %s", e.Kind, strings.Join(names, ", ")), cause)
	if e.ID != "" {
		err = err.WithResource(e.ID)
	}
	v.logger.WithEntityID(e.ID).WithError(err).Debug("entity rejected")
	return err
}

// Violations extracts the individual violations from a Validate error.
func Violations(err error) []Violation {
	var out []Violation
	for _, e := range multierr.Errors(unwrapCause(err)) {
		if viol, ok := e.(Violation); ok {
			out = append(out, viol)
		}
	}
	return out
}

func unwrapCause(err error) error {
	var e *engine.Error
	if errors.As(err, &e) {
		return e.Err
	}
	return err
}
