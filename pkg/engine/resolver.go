package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Declaration is the atomic request a rule unit makes: the paths matched by
// Pattern must hold a value no staler than Freshness, and if Desired is set
// they must hold Desired.
type Declaration struct {
	Pattern   Pattern
	Freshness Freshness
	Desired   *Value
}

// PathResult is the state of one concrete path matched by a declaration.
type PathResult struct {
	Path Path `json:"path"`

	// Value is the current value, nil while the path is pending or unresolved.
	Value *Value `json:"value,omitempty"`

	// Previous is the value before a confirmed write in this session.
	Previous *Value `json:"previous,omitempty"`

	// Read reports whether the path was read from the device in this session.
	Read bool `json:"read"`

	// Written reports whether a write to the path was confirmed in this session.
	Written bool `json:"written"`

	Outcome Outcome `json:"outcome"`
	Err     error   `json:"-"`
}

// DeclarationResult is the outcome of a declaration.
type DeclarationResult struct {
	Pattern   string       `json:"pattern"`
	Freshness string       `json:"freshness"`
	Desired   *Value       `json:"desired,omitempty"`
	Paths     []PathResult `json:"paths"`

	// Pending reports whether any path or instance list still waits for the transport.
	Pending bool `json:"pending"`

	// Satisfied reports whether every matched path holds an acceptable value.
	// A declaration matching zero paths is satisfied.
	Satisfied bool `json:"satisfied"`
}

// Value returns the value of the first matched path that has one.
func (r *DeclarationResult) Value() (Value, bool) {
	for _, p := range r.Paths {
		if p.Value != nil {
			return *p.Value, true
		}
	}
	return Value{}, false
}

// Values returns every known value keyed by path.
func (r *DeclarationResult) Values() map[Path]Value {
	out := make(map[Path]Value, len(r.Paths))
	for _, p := range r.Paths {
		if p.Value != nil {
			out[p.Path] = *p.Value
		}
	}
	return out
}

// Corrected reports whether any path was corrected by a write.
func (r *DeclarationResult) Corrected() bool {
	for _, p := range r.Paths {
		if p.Outcome == OutcomeCorrected {
			return true
		}
	}
	return false
}

// Outcomes counts the path outcomes.
func (r *DeclarationResult) Outcomes() map[Outcome]int {
	out := make(map[Outcome]int)
	for _, p := range r.Paths {
		out[p.Outcome]++
	}
	return out
}

type pendingDeclaration struct {
	decl   Declaration
	result *DeclarationResult
}

type writeFailure struct {
	value  Value
	reason string
	denied bool
	err    error
}

type orderedPaths struct {
	order []Path
	set   map[Path]bool
}

func newOrderedPaths() *orderedPaths {
	return &orderedPaths{set: make(map[Path]bool)}
}

func (o *orderedPaths) add(p Path) bool {
	if o.set[p] {
		return false
	}
	o.set[p] = true
	o.order = append(o.order, p)
	return true
}

func (o *orderedPaths) has(p Path) bool {
	return o.set[p]
}

func (o *orderedPaths) remove(p Path) {
	if !o.set[p] {
		return
	}
	delete(o.set, p)
	for i, q := range o.order {
		if q == p {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

// Resolver turns declarations into the reads, discoveries and writes of a pass
// and keeps their results up to date as the transport answers. One Resolver
// serves one session.
type Resolver struct {
	cache  *Cache
	now    time.Time
	logger zerolog.Logger

	pass    int
	changed bool

	// session-wide bookkeeping
	readFromDevice    map[Path]bool
	written           map[Path]bool
	previous          map[Path]Value
	readFailures      map[Path]error
	discoveryFailures map[Path]error
	writeFailures     map[Path]writeFailure
	applied           []AppliedWrite
	failed            []FailedWrite
	denied            []FailedWrite

	// per-pass plan
	declarations         []*pendingDeclaration
	reads                *orderedPaths
	attemptedReads       map[Path]bool
	discoveries          *orderedPaths
	attemptedDiscoveries map[Path]bool
	writes               *orderedPaths
	writeValues          map[Path]Value
}

// NewResolver creates a resolver over cache using now as the session clock.
func NewResolver(cache *Cache, now time.Time, logger zerolog.Logger) *Resolver {
	return &Resolver{
		cache:             cache,
		now:               now,
		logger:            logger,
		readFromDevice:    make(map[Path]bool),
		written:           make(map[Path]bool),
		previous:          make(map[Path]Value),
		readFailures:      make(map[Path]error),
		discoveryFailures: make(map[Path]error),
		writeFailures:     make(map[Path]writeFailure),
	}
}

// BeginPass resets the per-pass plan. Declarations of earlier passes are dropped
// because every pass re-runs the whole rule script.
func (r *Resolver) BeginPass(pass int) {
	r.pass = pass
	r.changed = false
	r.declarations = nil
	r.reads = newOrderedPaths()
	r.attemptedReads = make(map[Path]bool)
	r.discoveries = newOrderedPaths()
	r.attemptedDiscoveries = make(map[Path]bool)
	r.writes = newOrderedPaths()
	r.writeValues = make(map[Path]Value)
}

// Pass returns the current pass number.
func (r *Resolver) Pass() int {
	return r.pass
}

// Now returns the session clock.
func (r *Resolver) Now() time.Time {
	return r.now
}

// Cache returns the session cache.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// Declare registers a declaration for the current pass and returns its result
// as currently known. The result is updated in place while the pass is applied.
func (r *Resolver) Declare(decl Declaration) *DeclarationResult {
	if r.reads == nil {
		r.BeginPass(1)
	}
	pd := &pendingDeclaration{
		decl: decl,
		result: &DeclarationResult{
			Pattern:   decl.Pattern.String(),
			Freshness: decl.Freshness.String(),
			Desired:   decl.Desired,
		},
	}
	r.declarations = append(r.declarations, pd)
	r.evaluate(pd, true)

	if decl.Desired != nil && len(pd.result.Paths) == 0 && !pd.result.Pending {
		r.logger.Debug().
			Str("pattern", decl.Pattern.String()).
			Str("code", ErrCodePathResolution).
			Msg("Declaration matched no paths")
	}
	return pd.result
}

// freshInventory hides instance lists that do not meet a freshness requirement
// so that Resolve reports them as unknown.
type freshInventory struct {
	cache     *Cache
	freshness Freshness
	now       time.Time
	pass      int
}

func (f freshInventory) Instances(parent Path) ([]int, bool) {
	e, ok := f.cache.InstanceEntry(parent)
	if !ok {
		return nil, false
	}
	if !f.freshness.Satisfied(Entry{Timestamp: e.Timestamp, Pass: e.Pass}, f.now, f.pass) {
		return nil, false
	}
	return e.Indices, true
}

// staleInventory serves instance lists whose refresh could not be completed
// because discovery failed.
type staleInventory struct {
	fresh  freshInventory
	failed map[Path]error
}

func (s staleInventory) Instances(parent Path) ([]int, bool) {
	if idx, ok := s.fresh.Instances(parent); ok {
		return idx, true
	}
	if _, failed := s.failed[parent]; failed {
		if e, ok := s.fresh.cache.InstanceEntry(parent); ok {
			return e.Indices, true
		}
		return nil, true
	}
	return nil, false
}

func (r *Resolver) evaluate(pd *pendingDeclaration, queue bool) {
	decl := pd.decl
	inv := staleInventory{
		fresh:  freshInventory{cache: r.cache, freshness: decl.Freshness, now: r.now, pass: r.pass},
		failed: r.discoveryFailures,
	}
	if decl.Freshness.Kind == FreshnessRefresh {
		// a failed refresh is retried each pass
		inv.failed = r.currentPassFailures()
	}
	res := Resolve(decl.Pattern, inv)

	result := pd.result
	result.Paths = result.Paths[:0]
	result.Pending = false

	for _, parent := range res.Unknown {
		if r.attemptedDiscoveries[parent] {
			continue
		}
		result.Pending = true
		if queue {
			r.discoveries.add(parent)
		}
	}

	for _, p := range res.Paths {
		pr := r.evaluatePath(p, decl, queue)
		if pr.Outcome == OutcomePending || pr.Outcome == OutcomeWritePending {
			result.Pending = true
		}
		result.Paths = append(result.Paths, pr)
	}

	result.Satisfied = !result.Pending
	for _, pr := range result.Paths {
		if pr.Outcome != OutcomeSatisfied && pr.Outcome != OutcomeCorrected {
			result.Satisfied = false
		}
	}
}

func (r *Resolver) currentPassFailures() map[Path]error {
	out := make(map[Path]error)
	for p := range r.attemptedDiscoveries {
		if err, ok := r.discoveryFailures[p]; ok {
			out[p] = err
		}
	}
	return out
}

func (r *Resolver) evaluatePath(p Path, decl Declaration, queue bool) PathResult {
	pr := PathResult{Path: p, Read: r.readFromDevice[p], Written: r.written[p]}
	if prev, ok := r.previous[p]; ok {
		v := prev
		pr.Previous = &v
	}

	if p.IsObject() {
		e, ok := r.cache.InstanceEntry(p)
		switch {
		case ok && decl.Freshness.Satisfied(Entry{Timestamp: e.Timestamp, Pass: e.Pass}, r.now, r.pass):
			pr.Outcome = OutcomeSatisfied
		case r.discoveryFailures[p] != nil && (decl.Freshness.Kind != FreshnessRefresh || r.attemptedDiscoveries[p]):
			pr.Outcome = OutcomeUnresolved
			pr.Err = r.discoveryFailures[p]
		case r.attemptedDiscoveries[p]:
			pr.Outcome = OutcomeUnresolved
		default:
			pr.Outcome = OutcomePending
			if queue {
				r.discoveries.add(p)
			}
		}
		return pr
	}

	entry, ok := r.cache.Get(p)
	if !ok || !decl.Freshness.Satisfied(entry, r.now, r.pass) {
		err, failed := r.readFailures[p]
		switch {
		case failed && (decl.Freshness.Kind != FreshnessRefresh || r.attemptedReads[p]):
			pr.Outcome = OutcomeUnresolved
			pr.Err = err
		case r.attemptedReads[p]:
			pr.Outcome = OutcomeUnresolved
			pr.Err = NewReadError(p, fmt.Errorf("no value returned"))
		default:
			pr.Outcome = OutcomePending
			if queue {
				r.reads.add(p)
			}
		}
		return pr
	}

	value := entry.Value
	pr.Value = &value
	if decl.Desired == nil {
		pr.Outcome = OutcomeSatisfied
		return pr
	}

	desired := *decl.Desired
	if desired.Equal(value) {
		if r.written[p] {
			pr.Outcome = OutcomeCorrected
		} else {
			pr.Outcome = OutcomeSatisfied
		}
		return pr
	}

	if f, failed := r.writeFailures[p]; failed && desired.Equal(f.value) {
		pr.Outcome = OutcomeUnresolved
		if f.denied {
			pr.Outcome = OutcomeDenied
		}
		pr.Err = f.err
		return pr
	}

	if r.writes.has(p) || queue {
		pr.Outcome = OutcomeWritePending
		if queue {
			r.queueWrite(p, desired, value)
		}
		return pr
	}
	pr.Outcome = OutcomePending
	return pr
}

// queueWrite plans a write of desired in the type the device reports for the path.
func (r *Resolver) queueWrite(p Path, desired, observed Value) {
	out := desired
	if observed.Type != "" && observed.Type != desired.Type {
		if c, err := desired.Coerce(observed.Type); err == nil {
			out = c
		}
	}
	if prev, ok := r.writeValues[p]; ok && prev != out {
		r.logger.Debug().
			Str("path", string(p)).
			Str("previous", prev.Raw).
			Str("value", out.Raw).
			Msg("Later declaration overrides desired value")
	}
	r.writes.add(p)
	r.writeValues[p] = out
}

// Reevaluate refreshes every declaration of the pass against the cache,
// queueing follow-up work when queue is true.
func (r *Resolver) Reevaluate(queue bool) {
	for _, pd := range r.declarations {
		r.evaluate(pd, queue)
	}
}

// PendingDiscoveries returns the object paths whose instance lists must be
// discovered and have not been attempted in this pass.
func (r *Resolver) PendingDiscoveries() []Path {
	var out []Path
	for _, p := range r.discoveries.order {
		if !r.attemptedDiscoveries[p] {
			out = append(out, p)
		}
	}
	return out
}

// ApplyDiscovery records the discovered instance list of parent. A non-nil
// err is a per-path failure and leaves the level unresolved for the session.
func (r *Resolver) ApplyDiscovery(parent Path, indices []int, err error) {
	r.attemptedDiscoveries[parent] = true
	if err != nil {
		r.discoveryFailures[parent] = err
		r.logger.Debug().Err(err).Str("path", string(parent)).Msg("Instance discovery failed")
		return
	}
	delete(r.discoveryFailures, parent)
	if r.cache.PutInstances(parent, indices, r.now, r.pass) {
		r.changed = true
	}
}

// PendingReads returns the paths queued for the read batch of this pass.
func (r *Resolver) PendingReads() []Path {
	var out []Path
	for _, p := range r.reads.order {
		if !r.attemptedReads[p] {
			out = append(out, p)
		}
	}
	return out
}

// ApplyReads stores read results in the cache. Values are stamped with the
// session clock. Paths missing from results are treated as failed reads.
func (r *Resolver) ApplyReads(paths []Path, results map[Path]ReadResult) {
	for _, p := range paths {
		r.attemptedReads[p] = true
		res, ok := results[p]
		if !ok {
			r.readFailures[p] = NewReadError(p, fmt.Errorf("no value returned"))
			continue
		}
		if res.Err != nil {
			r.readFailures[p] = res.Err
			r.logger.Debug().Err(res.Err).Str("path", string(p)).Msg("Parameter read failed")
			continue
		}
		delete(r.readFailures, p)
		r.readFromDevice[p] = true
		if r.cache.Put(p, res.Value, r.now, r.pass) {
			r.changed = true
		}
	}
}

// PlannedWrites returns the writes queued for this pass in declaration order.
func (r *Resolver) PlannedWrites() []PlannedWrite {
	out := make([]PlannedWrite, 0, len(r.writes.order))
	for _, p := range r.writes.order {
		pw := PlannedWrite{Path: p, Value: r.writeValues[p]}
		if e, ok := r.cache.Get(p); ok {
			v := e.Value
			pw.Previous = &v
		}
		out = append(out, pw)
	}
	return out
}

// Deny removes a planned write refused by policy. The same value is not
// attempted again in this session.
func (r *Resolver) Deny(p Path, reason string) {
	v, ok := r.writeValues[p]
	if !ok {
		return
	}
	err := NewPermanentError("write denied by policy: "+reason, nil).
		WithCode(ErrCodeWriteDenied).
		WithPath(p)
	r.writeFailures[p] = writeFailure{value: v, reason: reason, denied: true, err: err}
	r.denied = append(r.denied, FailedWrite{Path: p, Value: v, Reason: reason, Pass: r.pass})
	r.writes.remove(p)
	delete(r.writeValues, p)
}

// ApplyWrites records write confirmations. The cache is updated only for
// paths the transport confirmed.
func (r *Resolver) ApplyWrites(planned []PlannedWrite, results map[Path]error) {
	for _, pw := range planned {
		err, reported := results[pw.Path]
		if !reported {
			err = NewPermanentError("write not confirmed", nil).
				WithCode(ErrCodeWriteNotConfirmed).
				WithPath(pw.Path)
		}
		if err != nil {
			r.writeFailures[pw.Path] = writeFailure{value: pw.Value, reason: err.Error(), err: err}
			r.failed = append(r.failed, FailedWrite{Path: pw.Path, Value: pw.Value, Reason: err.Error(), Pass: r.pass})
			r.logger.Debug().Err(err).Str("path", string(pw.Path)).Msg("Parameter write failed")
			continue
		}
		delete(r.writeFailures, pw.Path)
		if pw.Previous != nil {
			if _, seen := r.previous[pw.Path]; !seen {
				r.previous[pw.Path] = *pw.Previous
			}
		}
		r.written[pw.Path] = true
		r.applied = append(r.applied, AppliedWrite{
			Path:     pw.Path,
			Value:    pw.Value,
			Previous: pw.Previous,
			Pass:     r.pass,
		})
		if r.cache.Put(pw.Path, pw.Value, r.now, r.pass) {
			r.changed = true
		}
	}
	r.writes = newOrderedPaths()
	r.writeValues = make(map[Path]Value)
}

// Changed reports whether the current pass changed the cache.
func (r *Resolver) Changed() bool {
	return r.changed
}

// Results returns the declaration results of the current pass.
func (r *Resolver) Results() []*DeclarationResult {
	out := make([]*DeclarationResult, len(r.declarations))
	for i, pd := range r.declarations {
		out[i] = pd.result
	}
	return out
}

// AppliedWrites returns every confirmed write of the session.
func (r *Resolver) AppliedWrites() []AppliedWrite {
	return append([]AppliedWrite(nil), r.applied...)
}

// FailedWrites returns every write the device rejected in the session.
func (r *Resolver) FailedWrites() []FailedWrite {
	return append([]FailedWrite(nil), r.failed...)
}

// DeniedWrites returns every write refused by policy in the session.
func (r *Resolver) DeniedWrites() []FailedWrite {
	return append([]FailedWrite(nil), r.denied...)
}
