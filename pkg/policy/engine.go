package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

// Guard reviews planned parameter writes against Rego policies. It
// implements engine.WriteGuard.
type Guard struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	store           storage.Store
	mode            Mode
	logger          zerolog.Logger
	builtinPolicies []Policy
	loader          *Loader
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	scope    *compiledScope
	compiled time.Time
}

// scopedInput narrows input to what the policy may see. It returns false
// when the policy does not apply to the device or to any planned write.
func (cp *compiledPolicy) scopedInput(input *Input) (*Input, bool) {
	if cp.scope == nil {
		return input, true
	}
	if !cp.scope.appliesTo(input) {
		return nil, false
	}
	writes := cp.scope.selectWrites(input.Writes)
	if len(writes) == 0 {
		return nil, false
	}
	if len(writes) == len(input.Writes) {
		return input, true
	}
	scoped := *input
	scoped.Writes = writes
	return &scoped, true
}

// NewGuard creates a guard with the built-in policies loaded.
func NewGuard(logger zerolog.Logger, mode Mode) (*Guard, error) {
	if mode == "" {
		mode = ModeEnforcing
	}
	if err := mode.Validate(); err != nil {
		return nil, err
	}

	g := &Guard{
		policies:        make(map[string]*compiledPolicy),
		store:           inmem.New(),
		mode:            mode,
		logger:          logger.With().Str("component", "write-guard").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
		loader:          NewLoader(logger),
	}

	if err := g.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return g, nil
}

// Mode returns the guard mode.
func (g *Guard) Mode() Mode { return g.mode }

// Review implements engine.WriteGuard. It returns a denial reason for every
// planned write with a blocking violation. A violation without a path blocks
// the whole batch. In advisory mode nothing is denied.
func (g *Guard) Review(ctx context.Context, contact engine.Contact, writes []engine.PlannedWrite) (map[engine.Path]string, error) {
	if len(writes) == 0 {
		return nil, nil
	}

	result, err := g.Evaluate(ctx, NewInput(contact, writes))
	if err != nil {
		return nil, err
	}

	deviceID := contact.Device.ID()
	for _, w := range result.Warnings {
		g.logger.Warn().
			Str("device", deviceID).
			Str("policy", w.Policy).
			Str("path", w.Path).
			Msg(w.Message)
	}
	if result.Allowed {
		return nil, nil
	}

	denied := make(map[engine.Path]string)
	for _, v := range result.Violations {
		g.logger.Warn().
			Str("device", deviceID).
			Str("policy", v.Policy).
			Str("path", v.Path).
			Str("mode", string(g.mode)).
			Msg(v.Message)

		reason := fmt.Sprintf("%s: %s", v.Policy, v.Message)
		if v.Path == "" {
			for _, w := range writes {
				if _, ok := denied[w.Path]; !ok {
					denied[w.Path] = reason
				}
			}
			continue
		}
		if _, ok := denied[engine.Path(v.Path)]; !ok {
			denied[engine.Path(v.Path)] = reason
		}
	}

	if g.mode == ModeAdvisory {
		return nil, nil
	}
	return denied, nil
}

// NewInput builds the policy input for a batch of planned writes.
func NewInput(contact engine.Contact, writes []engine.PlannedWrite) *Input {
	model := contact.DataModel
	if model == "" {
		model = engine.DataModelTR098
	}
	in := &Input{
		Device: DeviceInput{
			ID:           contact.Device.ID(),
			Manufacturer: contact.Device.Manufacturer,
			OUI:          contact.Device.OUI,
			ProductClass: contact.Device.ProductClass,
			SerialNumber: contact.Device.SerialNumber,
		},
		DataModel: string(model),
		Root:      model.Root(),
		Timestamp: contact.Timestamp,
		Events:    append([]string{}, contact.Events...),
		Writes:    make([]WriteInput, 0, len(writes)),
	}
	for _, w := range writes {
		wi := WriteInput{Path: string(w.Path), Value: w.Value.Raw, Type: string(w.Value.Type)}
		if w.Previous != nil {
			prev := w.Previous.Raw
			wi.Previous = &prev
		}
		in.Writes = append(in.Writes, wi)
	}
	return in
}

// Evaluate evaluates every enabled policy against input.
func (g *Guard) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	startTime := time.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.policies))
	for name := range g.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	result := &Result{Allowed: true, EvaluatedAt: startTime}
	for _, name := range names {
		cp := g.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		scoped, ok := cp.scopedInput(input)
		if !ok {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := g.evaluatePolicy(ctx, cp, scoped)
		if err != nil {
			g.logger.Error().Err(err).
				Str("policy", name).
				Str("device", input.Device.ID).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s evaluation failed: %w", name, err)
		}
		if scoped != input {
			// a pathless violation covers only the writes the policy saw
			violations = pinToWrites(violations, scoped.Writes)
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = time.Since(startTime)
	g.logger.Debug().
		Str("device", input.Device.ID).
		Int("writes", len(input.Writes)).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Write policy evaluation completed")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (g *Guard) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Path != violations[j].Path {
			return violations[i].Path < violations[j].Path
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

func pinToWrites(violations []Violation, writes []WriteInput) []Violation {
	out := make([]Violation, 0, len(violations))
	for _, v := range violations {
		if v.Path != "" {
			out = append(out, v)
			continue
		}
		for _, w := range writes {
			pinned := v
			pinned.Path = w.Path
			out = append(out, pinned)
		}
	}
	return out
}

// createViolation creates a Violation from a deny set member.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if path, ok := v["path"].(string); ok {
			violation.Path = path
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compilePolicy parses a policy and prepares its deny query.
func (g *Guard) compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	var scope *compiledScope
	if !policy.Scope.IsZero() {
		if scope, err = compileScope(policy.Scope); err != nil {
			return nil, err
		}
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(g.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	g.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		scope:    scope,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (g *Guard) loadBuiltinPolicies(ctx context.Context) error {
	for i := range g.builtinPolicies {
		p := g.builtinPolicies[i]
		cp, err := g.compilePolicy(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		g.policies[p.Name] = cp
	}

	g.logger.Info().
		Int("count", len(g.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads policy files from paths. Either every policy compiles
// and is installed, or none is.
func (g *Guard) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := g.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return g.install(ctx, policies)
}

func (g *Guard) install(ctx context.Context, policies []Policy) error {
	return g.replace(ctx, nil, policies)
}

// replace compiles policies and installs them in place of the file-loaded
// policies whose source lies under one of roots. A built-in shadowed by a
// removed file policy is restored.
func (g *Guard) replace(ctx context.Context, roots []string, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		cp, err := g.compilePolicy(ctx, &p)
		if err != nil {
			g.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	var removed []string
	for name, cp := range g.snapshot() {
		if _, kept := compiled[name]; kept || cp.policy.Source == "" {
			continue
		}
		for _, root := range roots {
			if isUnder(cp.policy.Source, root) {
				removed = append(removed, name)
				break
			}
		}
	}
	restored := make(map[string]*compiledPolicy)
	for _, name := range removed {
		for i := range g.builtinPolicies {
			if g.builtinPolicies[i].Name != name {
				continue
			}
			p := g.builtinPolicies[i]
			cp, err := g.compilePolicy(ctx, &p)
			if err != nil {
				return fmt.Errorf("failed to restore built-in policy %s: %w", name, err)
			}
			restored[name] = cp
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, name := range removed {
		delete(g.policies, name)
	}
	for name, cp := range restored {
		g.policies[name] = cp
	}
	for name, cp := range compiled {
		g.policies[name] = cp
	}

	g.logger.Info().
		Int("count", len(compiled)).
		Strs("removed", removed).
		Msg("Policies loaded successfully")
	return nil
}

func (g *Guard) snapshot() map[string]*compiledPolicy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]*compiledPolicy, len(g.policies))
	for name, cp := range g.policies {
		out[name] = cp
	}
	return out
}

// Watch reloads the policies under paths whenever a policy file changes,
// until ctx is cancelled. Policies whose file was deleted are uninstalled.
func (g *Guard) Watch(ctx context.Context, paths []string) error {
	return g.loader.Watch(ctx, paths, func(policies []Policy) error {
		return g.replace(ctx, paths, policies)
	})
}

// GetPolicy returns a policy by name.
func (g *Guard) GetPolicy(name string) (*Policy, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cp, exists := g.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (g *Guard) ListPolicies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	policies := make([]Policy, 0, len(g.policies))
	for _, cp := range g.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// ReloadPolicies drops every loaded policy and reloads the built-ins.
func (g *Guard) ReloadPolicies(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.policies = make(map[string]*compiledPolicy)
	g.loader.ClearCache()

	return g.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (g *Guard) EnablePolicy(name string) error {
	return g.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (g *Guard) DisablePolicy(name string) error {
	return g.setEnabled(name, false)
}

func (g *Guard) setEnabled(name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, exists := g.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	g.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}

var _ engine.WriteGuard = (*Guard)(nil)
