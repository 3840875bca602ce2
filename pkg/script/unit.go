package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

const (
	// DefaultMaxSteps bounds the work one evaluation may do.
	DefaultMaxSteps = 1_000_000

	// EntryPoint is the function every script must define.
	EntryPoint = "provision"
)

// Options configures a compiled unit.
type Options struct {
	// MaxSteps is the Starlark execution step limit per evaluation.
	MaxSteps uint64

	// Params is exposed to the script as the frozen dict "params".
	Params map[string]interface{}
}

// Unit is a rule unit backed by a Starlark program.
type Unit struct {
	name     string
	filename string
	prog     *starlark.Program
	params   starlark.Value
	maxSteps uint64
}

// Compile parses src and returns a rule unit. Syntax errors and references to
// undefined globals are reported here rather than on the first contact.
func Compile(name, filename, src string, opts Options) (*Unit, error) {
	if name == "" {
		return nil, engine.NewPermanentError("starlark rule unit needs a name", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if filename == "" {
		filename = name + ".star"
	}

	_, prog, err := starlark.SourceProgram(filename, src, isPredeclared)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to compile %s", filename), err).
			WithCode(engine.ErrCodeValidation).
			WithOperation(name)
	}

	params, err := toStarlarkValue(opts.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to convert params of %s: %w", name, err)
	}
	if params == starlark.None {
		params = starlark.NewDict(0)
	}
	params.Freeze()

	maxSteps := opts.MaxSteps
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}

	return &Unit{
		name:     name,
		filename: filename,
		prog:     prog,
		params:   params,
		maxSteps: maxSteps,
	}, nil
}

// LoadFile compiles the script at path. The unit is named after the file
// unless name is given.
func LoadFile(name, path string, opts Options) (*Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule script: %w", err)
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return Compile(name, filepath.Base(path), string(data), opts)
}

// Name implements engine.RuleUnit.
func (u *Unit) Name() string { return u.name }

// Evaluate implements engine.RuleUnit.
func (u *Unit) Evaluate(rc *engine.RuleContext) error {
	thread := &starlark.Thread{
		Name: "rule:" + u.name,
		Print: func(_ *starlark.Thread, msg string) {
			rc.Log(engine.LogLevelDebug, msg, nil)
		},
	}
	thread.SetMaxExecutionSteps(u.maxSteps)

	ctx := rc.Context()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	globals, err := u.prog.Init(thread, u.environment(rc))
	if err != nil {
		return u.fault(err)
	}
	entry, ok := globals[EntryPoint].(starlark.Callable)
	if !ok {
		return engine.NewPermanentError(fmt.Sprintf("%s does not define %s()", u.filename, EntryPoint), nil).
			WithCode(engine.ErrCodeRuleScriptFault).
			WithOperation(u.name)
	}
	if _, err := starlark.Call(thread, entry, nil, nil); err != nil {
		return u.fault(err)
	}
	return nil
}

func (u *Unit) fault(err error) error {
	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		return engine.NewPermanentError(ee.Msg, nil).
			WithCode(engine.ErrCodeRuleScriptFault).
			WithOperation(u.name).
			WithDetail("backtrace", ee.Backtrace())
	}
	return engine.NewPermanentError("starlark rule failed", err).
		WithCode(engine.ErrCodeRuleScriptFault).
		WithOperation(u.name)
}

var predeclaredNames = []string{
	"struct", "declare", "read", "tag", "set_tag", "log",
	"device", "session", "params", "root",
}

func isPredeclared(name string) bool {
	for _, n := range predeclaredNames {
		if n == name {
			return true
		}
	}
	return false
}

func (u *Unit) environment(rc *engine.RuleContext) starlark.StringDict {
	contact := rc.Contact()
	device := contact.Device

	events := make([]starlark.Value, 0, len(contact.Events))
	for _, e := range contact.Events {
		events = append(events, starlark.String(e))
	}

	b := &builtins{rc: rc}
	env := starlark.StringDict{
		"struct":  starlark.NewBuiltin("struct", starlarkstruct.Make),
		"declare": starlark.NewBuiltin("declare", b.declare),
		"read":    starlark.NewBuiltin("read", b.read),
		"tag":     starlark.NewBuiltin("tag", b.tag),
		"set_tag": starlark.NewBuiltin("set_tag", b.setTag),
		"log":     starlark.NewBuiltin("log", b.log),
		"device": starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"id":            starlark.String(device.ID()),
			"manufacturer":  starlark.String(device.Manufacturer),
			"oui":           starlark.String(device.OUI),
			"product_class": starlark.String(device.ProductClass),
			"serial_number": starlark.String(device.SerialNumber),
			"data_model":    starlark.String(rc.DataModel()),
		}),
		"session": starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"pass":   starlark.MakeInt(rc.Pass()),
			"now":    starlark.String(rc.Now().UTC().Format(time.RFC3339)),
			"events": starlark.Tuple(events),
		}),
		"params": u.params,
		"root":   starlark.String(rc.DataModel().Root()),
	}
	env.Freeze()
	return env
}

// compile-time check
var _ engine.RuleUnit = (*Unit)(nil)
