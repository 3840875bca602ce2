package script

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

type builtins struct {
	rc *engine.RuleContext
}

// declare(path, value=None, type="", freshness="any")
func (b *builtins) declare(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		path      string
		value     starlark.Value = starlark.None
		typ       string
		freshness string
	)
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
		"path", &path, "value?", &value, "type?", &typ, "freshness?", &freshness); err != nil {
		return nil, err
	}

	f, err := engine.ParseFreshness(freshness)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}

	var desired *engine.Value
	if value != starlark.None {
		v, err := toEngineValue(value, typ)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", fn.Name(), path, err)
		}
		desired = &v
	}

	res, err := b.rc.Declare(path, f, desired)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return resultStruct(res), nil
}

// read(path, freshness="any")
func (b *builtins) read(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, freshness string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path, "freshness?", &freshness); err != nil {
		return nil, err
	}
	f, err := engine.ParseFreshness(freshness)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	res, err := b.rc.Read(path, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return resultStruct(res), nil
}

// tag(name, default=None)
func (b *builtins) tag(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	v, ok, err := b.rc.Tag(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	if !ok {
		return def, nil
	}
	return fromEngineValue(v), nil
}

// set_tag(name, value)
func (b *builtins) setTag(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var value starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "value", &value); err != nil {
		return nil, err
	}
	v, err := toEngineValue(value, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", fn.Name(), name, err)
	}
	if err := b.rc.SetTag(name, v); err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return starlark.None, nil
}

// log(msg, level="info", **fields)
func (b *builtins) log(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s: got %d positional arguments, want 1", fn.Name(), len(args))
	}
	msg, ok := starlark.AsString(args[0])
	if !ok {
		msg = args[0].String()
	}

	level := engine.LogLevelInfo
	var fields map[string]interface{}
	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		if key == "level" {
			s, ok := starlark.AsString(kv[1])
			if !ok {
				return nil, fmt.Errorf("%s: level must be a string", fn.Name())
			}
			level = engine.ParseLogLevel(s)
			continue
		}
		val, err := fromStarlarkValue(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%s: field %s: %w", fn.Name(), key, err)
		}
		if fields == nil {
			fields = make(map[string]interface{})
		}
		fields[key] = val
	}

	b.rc.Log(level, msg, fields)
	return starlark.None, nil
}

func resultStruct(res *engine.DeclarationResult) starlark.Value {
	value := starlark.Value(starlark.None)
	if v, ok := res.Value(); ok {
		value = fromEngineValue(v)
	}

	known := res.Values()
	paths := make([]string, 0, len(known))
	for p := range known {
		paths = append(paths, string(p))
	}
	sort.Strings(paths)
	values := starlark.NewDict(len(paths))
	for _, p := range paths {
		_ = values.SetKey(starlark.String(p), fromEngineValue(known[engine.Path(p)]))
	}

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"value":     value,
		"values":    values,
		"pending":   starlark.Bool(res.Pending),
		"satisfied": starlark.Bool(res.Satisfied),
		"corrected": starlark.Bool(res.Corrected()),
	})
}

// toEngineValue converts a Starlark scalar to a parameter value. A non-empty
// typ coerces the result to that parameter type.
func toEngineValue(v starlark.Value, typ string) (engine.Value, error) {
	var out engine.Value
	switch val := v.(type) {
	case starlark.Bool:
		out = engine.Bool(bool(val))
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			out = engine.Int(i)
		} else if u, ok := val.Uint64(); ok {
			out = engine.Uint(u)
		} else {
			return engine.Value{}, fmt.Errorf("integer out of range")
		}
	case starlark.String:
		out = engine.String(string(val))
	default:
		return engine.Value{}, fmt.Errorf("unsupported value type %s", v.Type())
	}

	if typ == "" {
		return out, nil
	}
	t, err := engine.ParseValueType(typ)
	if err != nil {
		return engine.Value{}, err
	}
	return out.Coerce(t)
}

func fromEngineValue(v engine.Value) starlark.Value {
	switch n := v.Native().(type) {
	case bool:
		return starlark.Bool(n)
	case int64:
		return starlark.MakeInt64(n)
	case uint64:
		return starlark.MakeUint64(n)
	case string:
		return starlark.String(n)
	default:
		return starlark.String(v.Raw)
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		return fromStarlarkSequence(val)
	case *starlark.List:
		return fromStarlarkSequence(val)
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromStarlarkSequence(seq starlark.Indexable) ([]interface{}, error) {
	list := make([]interface{}, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		item, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}
