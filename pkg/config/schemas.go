package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Each schema source
// declares exactly one definition, which is what data is unified with.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return NewSchemaRegistryWithContext(cuecontext.New())
}

// NewSchemaRegistryWithContext creates a registry whose schemas can be
// unified with values built by ctx.
func NewSchemaRegistryWithContext(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas registers all built-in schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, src := range map[string]string{
		"acs":       builtinACSSchema,
		"rule-unit": builtinRuleUnitSchema,
	} {
		if err := sr.RegisterSchema(name, src); err != nil {
			panic(err)
		}
	}
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def, err := soleDefinition(val)
	if err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = def
	return nil
}

func soleDefinition(val cue.Value) (cue.Value, error) {
	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return cue.Value{}, err
	}
	var def cue.Value
	count := 0
	for iter.Next() {
		if iter.Selector().IsDefinition() {
			def = iter.Value()
			count++
		}
	}
	if count != 1 {
		return cue.Value{}, fmt.Errorf("expected exactly one definition, found %d", count)
	}
	return def, nil
}

// GetSchema retrieves a schema definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema. Defaults of the schema apply.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	return schema.Unify(val), nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified, err := sr.Unify(schemaName, dataVal)
	if err != nil {
		return err
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions

const builtinACSSchema = `
// Engine configuration of froyo-acs.
#ACS: {
	let duration = =~"^([0-9]+(ns|us|ms|s|m|h))+$"

	engine: {
		// Pass budget of one session.
		maxPasses: int & >=1 & <=32 | *3
		transportTimeout: duration | *"30s"
		maxParallelSessions: int & >=1 | *10
		maxScriptSteps?: int & >0
	}

	store: {
		// Empty path keeps the store in memory.
		path?: string
		history: bool | *true
		snapshots: bool | *true
	}

	rules: {
		manifest?: string
	}

	policy: {
		enabled: bool | *true
		paths?: [...string]
		mode: *"enforcing" | "advisory"
		watch: bool | *false
	}

	transport: {
		kind: *"simulated" | "genieacs"
		url?: =~"^https?://"
		connectionRequest: bool | *true
		timeout?: duration
		retries: int & >=0 & <=10 | *3
		fixtures?: [...string]

		if kind == "genieacs" {
			url: string
		}
	}

	telemetry: {
		logLevel: *"info" | "trace" | "debug" | "warn" | "error"
		logFormat: *"console" | "json"
		metricsAddress?: string
		tracingExporter: *"none" | "stdout" | "otlp"
		tracingEndpoint?: string
	}
}
`

const builtinRuleUnitSchema = `
// One entry of a rule manifest.
#RuleUnit: {
	name: =~"^[a-zA-Z0-9_.-]+$"
	kind: "builtin" | "starlark"
	builtin?: string
	source?: string
	match?: {
		manufacturer?: [...string]
		productClass?: [...string]
	}
	params?: {[string]: _}

	if kind == "builtin" {
		builtin: string
	}
	if kind == "starlark" {
		source: string
	}
}
`
