package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/slateboard/slateboard/pkg/engine"
)

// Engine admits transformation descriptors against a set of Rego rules.
// It implements the engine's PolicyEngine seam. Rules are compiled to
// prepared queries once, at load time; evaluation reuses them.
type Engine struct {
	mu             sync.RWMutex
	policies       map[string]*preparedPolicy
	store          storage.Store
	logger         zerolog.Logger
	builtins       []Policy
	lastViolations []engine.PolicyViolation
}

// preparedPolicy pairs a rule with its compiled deny query.
type preparedPolicy struct {
	policy *Policy
	eval   rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the built-in rules compiled in.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*preparedPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		builtins: GetBuiltinPolicies(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.compileBuiltins(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// ValidateTransformation evaluates every enabled rule against the
// descriptor, in name order. A rule that errors during evaluation counts
// as an error-severity violation: a broken policy must not admit.
func (e *Engine) ValidateTransformation(ctx context.Context, t *engine.Transformation) (*engine.PolicyResult, error) {
	if t == nil {
		return nil, engine.NewPermanentError("transformation is nil", nil).
			WithCode(engine.ErrCodeValidation)
	}

	start := time.Now()
	input := &PolicyInput{
		Transformation: t,
		Context: &EvalContext{
			Operation: "validate",
			Timestamp: start,
		},
	}

	e.mu.RLock()
	active := make([]*preparedPolicy, 0, len(e.policies))
	for _, pp := range e.policies {
		if pp.policy.Enabled {
			active = append(active, pp)
		}
	}
	e.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool {
		return active[i].policy.Name < active[j].policy.Name
	})

	var violations []engine.PolicyViolation
	for _, pp := range active {
		found, err := e.evaluate(ctx, pp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", pp.policy.Name).
				Msg("Policy evaluation failed")
			violations = append(violations, engine.PolicyViolation{
				PolicyID: pp.policy.Name,
				Rule:     "evaluation_error",
				Severity: string(SeverityError),
				Message:  fmt.Sprintf("policy evaluation failed: %v", err),
			})
			continue
		}
		violations = append(violations, found...)
	}

	allowed := true
	for i := range violations {
		if blocking(violations[i].Severity) {
			allowed = false
			break
		}
	}

	e.mu.Lock()
	e.lastViolations = append([]engine.PolicyViolation(nil), violations...)
	e.mu.Unlock()

	e.logger.Debug().
		Str("content_type", t.ContentType).
		Str("content_source", string(t.ContentSource)).
		Bool("allowed", allowed).
		Int("violations", len(violations)).
		Dur("duration", time.Since(start)).
		Msg("Transformation policy evaluation completed")

	return &engine.PolicyResult{
		Allowed:     allowed,
		Violations:  violations,
		EvaluatedAt: time.Now(),
	}, nil
}

// GetViolations returns a copy of the most recent evaluation's findings.
func (e *Engine) GetViolations(ctx context.Context) ([]engine.PolicyViolation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	violations := make([]engine.PolicyViolation, len(e.lastViolations))
	copy(violations, e.lastViolations)
	return violations, nil
}

// LoadPolicies compiles policies from a file or directory into the
// engine, alongside the built-ins. A name collision replaces the earlier
// rule.
func (e *Engine) LoadPolicies(ctx context.Context, policyPath string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPath(ctx, policyPath)
	if err != nil {
		return fmt.Errorf("failed to load policies from %s: %w", policyPath, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compile(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Str("path", policyPath).
		Msg("Policies loaded")

	return nil
}

// ReloadPolicies drops every rule and compiles the built-ins again.
// File-loaded policies must be re-loaded afterwards; the loader's watch
// callback does exactly that.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*preparedPolicy)
	return e.compileBuiltins(ctx)
}

// EnablePolicy turns a rule on by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy turns a rule off by name. The rule stays loaded.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

// GetPolicy returns a loaded rule by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return pp.policy, nil
}

// ListPolicies returns every loaded rule, sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, pp := range e.policies {
		policies = append(policies, *pp.policy)
	}
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].Name < policies[j].Name
	})
	return policies
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}

	pp.policy.Enabled = enabled
	pp.policy.UpdatedAt = time.Now()
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// compile prepares a rule's deny query and registers it. Callers hold
// the write lock.
func (e *Engine) compile(ctx context.Context, policy *Policy) error {
	query := fmt.Sprintf("data.%s.deny", regoPackage(policy.Rego))
	prepared, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile policy: %w", err)
	}

	e.policies[policy.Name] = &preparedPolicy{
		policy: policy,
		eval:   prepared,
	}

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled")
	return nil
}

// compileBuiltins registers the built-in rules. Callers hold the write
// lock.
func (e *Engine) compileBuiltins(ctx context.Context) error {
	for i := range e.builtins {
		if err := e.compile(ctx, &e.builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtins[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(e.builtins)).Msg("Built-in policies loaded")
	return nil
}

// evaluate runs one prepared deny query and converts its findings.
func (e *Engine) evaluate(ctx context.Context, pp *preparedPolicy, input *PolicyInput) ([]engine.PolicyViolation, error) {
	results, err := pp.eval.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []engine.PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, finding := range denySet {
			violations = append(violations, violationFrom(pp.policy, finding, input))
		}
	}

	return violations, nil
}

// violationFrom converts one deny finding. Findings are either plain
// strings or maps with message, severity, rule, and edge keys.
func violationFrom(policy *Policy, finding interface{}, input *PolicyInput) engine.PolicyViolation {
	violation := engine.PolicyViolation{
		PolicyID: policy.Name,
		Severity: string(policy.Severity),
	}
	if input.Context != nil {
		violation.EdgeID = input.Context.EdgeID
	}

	switch v := finding.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = sev
		}
		if rule, ok := v["rule"].(string); ok {
			violation.Rule = rule
		}
		if edge, ok := v["edge"].(string); ok {
			violation.EdgeID = edge
		}
	default:
		violation.Message = fmt.Sprintf("%v", finding)
	}

	return violation
}

// regoPackage reads the package declaration out of Rego source.
func regoPackage(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			if fields := strings.Fields(trimmed); len(fields) >= 2 {
				return fields[1]
			}
		}
	}
	return "slateboard.policies"
}
