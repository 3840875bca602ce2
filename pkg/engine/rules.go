package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
)

// RuleUnit is one independently testable provisioning rule. Evaluate must be
// idempotent: re-running it against a satisfied state issues only declarations
// that resolve without writes.
type RuleUnit interface {
	Name() string
	Evaluate(rc *RuleContext) error
}

type funcRule struct {
	name string
	fn   func(rc *RuleContext) error
}

func (r funcRule) Name() string                   { return r.name }
func (r funcRule) Evaluate(rc *RuleContext) error { return r.fn(rc) }

// NewRule wraps a function as a RuleUnit.
func NewRule(name string, fn func(rc *RuleContext) error) RuleUnit {
	return funcRule{name: name, fn: fn}
}

// Predicate selects devices a rule applies to.
type Predicate func(DeviceIdentity) bool

// ManufacturerIs matches the manufacturer against case-insensitive glob patterns.
func ManufacturerIs(patterns ...string) Predicate {
	m := compileMatchers(patterns)
	return func(d DeviceIdentity) bool { return m.match(d.Manufacturer) }
}

// ProductClassIs matches the product class against case-insensitive glob patterns.
func ProductClassIs(patterns ...string) Predicate {
	m := compileMatchers(patterns)
	return func(d DeviceIdentity) bool { return m.match(d.ProductClass) }
}

// All matches when every predicate matches.
func All(preds ...Predicate) Predicate {
	return func(d DeviceIdentity) bool {
		for _, p := range preds {
			if p != nil && !p(d) {
				return false
			}
		}
		return true
	}
}

type matchers []glob.Glob

func compileMatchers(patterns []string) matchers {
	out := make(matchers, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			g = glob.MustCompile(glob.QuoteMeta(strings.ToLower(p)))
		}
		out = append(out, g)
	}
	return out
}

func (m matchers) match(s string) bool {
	s = strings.ToLower(s)
	for _, g := range m {
		if g.Match(s) {
			return true
		}
	}
	return false
}

type guardedRule struct {
	pred Predicate
	unit RuleUnit
}

// When restricts unit to devices matching pred.
func When(pred Predicate, unit RuleUnit) RuleUnit {
	return guardedRule{pred: pred, unit: unit}
}

func (g guardedRule) Name() string { return g.unit.Name() }

func (g guardedRule) Evaluate(rc *RuleContext) error {
	if g.pred != nil && !g.pred(rc.Device()) {
		return nil
	}
	return g.unit.Evaluate(rc)
}

// RuleScript is the ordered list of rule units run on every pass.
type RuleScript struct {
	Name  string
	Units []RuleUnit
}

// NewRuleScript creates a rule script.
func NewRuleScript(name string, units ...RuleUnit) *RuleScript {
	return &RuleScript{Name: name, Units: units}
}

// Append adds units to the end of the script.
func (s *RuleScript) Append(units ...RuleUnit) *RuleScript {
	s.Units = append(s.Units, units...)
	return s
}

// Validate checks the script can be run.
func (s *RuleScript) Validate() error {
	if s == nil {
		return NewPermanentError("rule script is nil", nil).WithCode(ErrCodeValidation)
	}
	seen := make(map[string]bool, len(s.Units))
	for i, u := range s.Units {
		if u == nil {
			return NewPermanentError(fmt.Sprintf("rule unit %d is nil", i), nil).WithCode(ErrCodeValidation)
		}
		name := u.Name()
		if name == "" {
			return NewPermanentError(fmt.Sprintf("rule unit %d has no name", i), nil).WithCode(ErrCodeValidation)
		}
		if seen[name] {
			return NewPermanentError("duplicate rule unit "+name, nil).WithCode(ErrCodeValidation)
		}
		seen[name] = true
	}
	return nil
}

// RuleContext is the view a rule unit has of the session.
type RuleContext struct {
	ctx      context.Context
	session  *Session
	resolver *Resolver
	tags     *TagAnnotator
	sink     LogSink
	rule     string
}

// NewRuleContext builds a context for evaluating rule units outside the
// orchestrator, e.g. in tests of a single unit.
func NewRuleContext(ctx context.Context, session *Session, resolver *Resolver, tags *TagAnnotator, sink LogSink) *RuleContext {
	if sink == nil {
		sink = NopSink{}
	}
	return &RuleContext{ctx: ctx, session: session, resolver: resolver, tags: tags, sink: sink}
}

// Context returns the session context.
func (rc *RuleContext) Context() context.Context { return rc.ctx }

// Device returns the identity of the contacting device.
func (rc *RuleContext) Device() DeviceIdentity { return rc.session.Contact.Device }

// Contact returns the device contact.
func (rc *RuleContext) Contact() Contact { return rc.session.Contact }

// DataModel returns the device data model.
func (rc *RuleContext) DataModel() DataModel { return rc.session.Contact.DataModel }

// Pass returns the current pass number, starting at 1.
func (rc *RuleContext) Pass() int { return rc.session.Pass }

// Now returns the session clock.
func (rc *RuleContext) Now() time.Time { return rc.session.Contact.Timestamp }

// Rule returns the name of the rule unit being evaluated.
func (rc *RuleContext) Rule() string { return rc.rule }

// Declare issues a declaration. A nil desired value only reads.
func (rc *RuleContext) Declare(pattern string, freshness Freshness, desired *Value) (*DeclarationResult, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return nil, err
	}
	if desired != nil {
		v := *desired
		desired = &v
	}
	rc.session.recordDeclaration(rc.rule, pattern, freshness, desired)
	return rc.resolver.Declare(Declaration{Pattern: p, Freshness: freshness, Desired: desired}), nil
}

// Read declares pattern without a desired value.
func (rc *RuleContext) Read(pattern string, freshness Freshness) (*DeclarationResult, error) {
	return rc.Declare(pattern, freshness, nil)
}

// Set declares that pattern must hold value, reusing any value cached in the session.
func (rc *RuleContext) Set(pattern string, value Value) (*DeclarationResult, error) {
	return rc.Declare(pattern, Cached(), &value)
}

// Tag returns the effective value of a device tag.
func (rc *RuleContext) Tag(name string) (Value, bool, error) {
	return rc.tags.Get(rc.ctx, name)
}

// SetTag stages a device tag write.
func (rc *RuleContext) SetTag(name string, value Value) error {
	return rc.tags.Set(rc.ctx, name, value)
}

// Log emits a structured log line with device context.
func (rc *RuleContext) Log(level LogLevel, msg string, fields map[string]interface{}) {
	rc.session.recordLog(level, rc.rule, msg, fields)
	all := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		all[k] = v
	}
	if rc.rule != "" {
		all["rule"] = rc.rule
	}
	all["pass"] = rc.session.Pass
	rc.sink.Log(rc.Device(), level, msg, all)
}

func (rc *RuleContext) forRule(name string) *RuleContext {
	cp := *rc
	cp.rule = name
	return &cp
}

// Executor runs rule scripts, isolating unit failures.
type Executor struct {
	logger zerolog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(logger zerolog.Logger) *Executor {
	return &Executor{logger: logger.With().Str("component", "rule-executor").Logger()}
}

// Run evaluates every unit of script in order. A unit that returns an error or
// panics is recorded as a fault and the remaining units still run.
func (e *Executor) Run(rc *RuleContext, script *RuleScript) []RuleFault {
	var faults []RuleFault
	for _, unit := range script.Units {
		if err := rc.ctx.Err(); err != nil {
			break
		}
		urc := rc.forRule(unit.Name())
		if err := e.evaluate(urc, unit); err != nil {
			fault := RuleFault{Rule: unit.Name(), Pass: rc.session.Pass, Error: err.Error()}
			faults = append(faults, fault)
			e.logger.Error().Err(err).
				Str("device", rc.Device().ID()).
				Str("rule", unit.Name()).
				Int("pass", rc.session.Pass).
				Msg("Rule unit failed")
			urc.Log(LogLevelError, "rule unit failed", map[string]interface{}{
				"error": err.Error(),
				"code":  ErrCodeRuleScriptFault,
			})
		}
	}
	return faults
}

func (e *Executor) evaluate(rc *RuleContext, unit RuleUnit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPermanentError(fmt.Sprintf("rule unit panicked: %v", r), nil).
				WithCode(ErrCodeRuleScriptFault).
				WithDetail("stack", string(debug.Stack()))
		}
	}()
	if err := unit.Evaluate(rc); err != nil {
		var ee *EngineError
		if errors.As(err, &ee) && ee.Code != "" {
			return err
		}
		return NewPermanentError("rule unit failed", err).WithCode(ErrCodeRuleScriptFault)
	}
	return nil
}
