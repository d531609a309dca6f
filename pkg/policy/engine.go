package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/open-policy-agent/opa/v1/util"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hermit/pkg/actioncache"
)

var settingsPath = storage.MustParsePath("/hermit/config")

// Engine evaluates admission and caching policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy holds the prepared queries of one policy.
type compiledPolicy struct {
	policy   *Policy
	pkg      string
	deny     rego.PreparedEvalQuery
	nocache  rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine with the built-in policies and settings.
func NewEngine(ctx context.Context, logger zerolog.Logger, settings Settings) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store: inmem.NewFromObject(map[string]interface{}{
			"hermit": map[string]interface{}{"config": map[string]interface{}{}},
		}),
		logger: logger.With().Str("component", "policy-engine").Logger(),
	}
	if err := e.SetSettings(ctx, settings); err != nil {
		return nil, err
	}
	if err := e.loadBuiltinPolicies(ctx); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// SetSettings replaces data.hermit.config.
func (e *Engine) SetSettings(ctx context.Context, s Settings) error {
	if s.Passthrough == nil {
		s.Passthrough = []string{}
	}
	if s.EnvDenylist == nil {
		s.EnvDenylist = []string{}
	}
	if s.NoCacheExitCodes == nil {
		s.NoCacheExitCodes = []int{}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode policy settings: %w", err)
	}
	var value interface{}
	if err := util.UnmarshalJSON(raw, &value); err != nil {
		return fmt.Errorf("failed to convert policy settings: %w", err)
	}
	if err := storage.WriteOne(ctx, e.store, storage.AddOp, settingsPath, value); err != nil {
		return fmt.Errorf("failed to store policy settings: %w", err)
	}
	return nil
}

// Admit evaluates every enabled policy's deny rules for action. A policy
// that fails to evaluate blocks the action.
func (e *Engine) Admit(ctx context.Context, action *actioncache.Action, backend string) (*Decision, error) {
	start := time.Now()
	input := &Input{
		Action:  NewActionInput(action),
		Context: &Context{Operation: "admit", Backend: backend, Timestamp: start},
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	d := &Decision{Allowed: true, EvaluatedAt: start}
	for _, cp := range e.sorted() {
		d.EvaluatedPolicies = append(d.EvaluatedPolicies, cp.policy.Name)

		results, err := evalSet(ctx, cp.deny, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).Str("policy", cp.policy.Name).Msg("Policy evaluation failed")
			results = []interface{}{fmt.Sprintf("policy evaluation failed: %v", err)}
		}
		for _, r := range results {
			v := e.violation(cp.policy, r, input)
			if v.Severity.Blocks() {
				d.Violations = append(d.Violations, v)
			} else {
				d.Warnings = append(d.Warnings, v)
			}
		}
	}
	d.Allowed = len(d.Violations) == 0
	d.Duration = time.Since(start)

	e.logger.Debug().
		Str("action", action.Name).
		Bool("allowed", d.Allowed).
		Int("violations", len(d.Violations)).
		Dur("duration", d.Duration).
		Msg("Admission evaluated")

	return d, nil
}

// Cacheable evaluates the nocache rules for a failed result with the given
// exit code. It returns false and the reasons when any rule matches.
func (e *Engine) Cacheable(ctx context.Context, action *actioncache.Action, exitCode int) (bool, []string, error) {
	input := &Input{
		Action:   NewActionInput(action),
		ExitCode: &exitCode,
		Context:  &Context{Operation: "cache", Timestamp: time.Now()},
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var reasons []string
	for _, cp := range e.sorted() {
		results, err := evalSet(ctx, cp.nocache, input)
		if err != nil {
			return false, nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}
		for _, r := range results {
			reasons = append(reasons, fmt.Sprintf("%v", r))
		}
	}
	return len(reasons) == 0, reasons, nil
}

// sorted returns enabled policies in name order. Callers hold e.mu.
func (e *Engine) sorted() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

// evalSet runs a prepared set query. An undefined rule yields no results.
func evalSet(ctx context.Context, q rego.PreparedEvalQuery, input *Input) ([]interface{}, error) {
	rs, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}
	var out []interface{}
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		if set, ok := r.Expressions[0].Value.([]interface{}); ok {
			out = append(out, set...)
		}
	}
	return out, nil
}

// violation builds a Violation from a deny result, which is either a
// message or an object with "message" and optionally "severity".
func (e *Engine) violation(p *Policy, result interface{}, input *Input) Violation {
	v := Violation{
		Policy:   p.Name,
		Action:   input.Action.Name,
		Severity: p.Severity,
	}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	if v.Severity == "" {
		v.Severity = SeverityError
	}
	return v
}

// compile parses and prepares p. Callers hold e.mu for writing.
func (e *Engine) compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModuleWithOpts(p.Name, p.Rego, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	pkg := module.Package.Path.String()

	prepare := func(rule string) (rego.PreparedEvalQuery, error) {
		return rego.New(
			rego.ParsedModule(module),
			rego.Store(e.store),
			rego.Query(pkg+"."+rule),
		).PrepareForEval(ctx)
	}
	deny, err := prepare("deny")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deny query: %w", err)
	}
	nocache, err := prepare("nocache")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare nocache query: %w", err)
	}

	return &compiledPolicy{
		policy:   p,
		pkg:      pkg,
		deny:     deny,
		nocache:  nocache,
		compiled: time.Now(),
	}, nil
}

func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return nil
}

// AddPolicy compiles and registers p, replacing a policy with the same
// name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, err := e.compile(ctx, &p)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
	}
	e.policies[p.Name] = cp
	return nil
}

// LoadPolicies loads policy files from paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplacePolicies(ctx, policies)
}

// ReplacePolicies swaps every non-builtin policy for policies. Nothing
// changes if any of them fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		name := policies[i].Name
		if policies[i].Builtin {
			return fmt.Errorf("policy %s may not be marked builtin", name)
		}
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s conflicts with a built-in policy", name)
		}
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", name, err)
		}
		compiled[name] = cp
	}

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// Watch loads paths and reloads them whenever a policy file changes,
// until ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	if err := e.LoadPolicies(ctx, paths); err != nil {
		return nil, err
	}
	loader := NewLoader(e.logger)
	err := loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all registered policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}
