package provisions

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

// Factory builds a builtin unit from manifest parameters.
type Factory func(params map[string]interface{}) (engine.RuleUnit, error)

var registry = map[string]Factory{
	"bootstrap": func(map[string]interface{}) (engine.RuleUnit, error) {
		return Bootstrap(), nil
	},
	"periodic-inform": func(params map[string]interface{}) (engine.RuleUnit, error) {
		interval, err := durationParam(params, "interval", 5*time.Minute)
		if err != nil {
			return nil, err
		}
		if interval < time.Second {
			return nil, fmt.Errorf("interval must be at least 1s, got %v", interval)
		}
		return PeriodicInform(interval), nil
	},
	"status-refresh": func(params map[string]interface{}) (engine.RuleUnit, error) {
		maxAge, err := durationParam(params, "max_age", time.Hour)
		if err != nil {
			return nil, err
		}
		return StatusRefresh(maxAge), nil
	},
	"wifi": func(params map[string]interface{}) (engine.RuleUnit, error) {
		var s WiFiSettings
		var err error
		if s.Instance, err = intParam(params, "instance"); err != nil {
			return nil, err
		}
		if s.SSID, err = stringParam(params, "ssid"); err != nil {
			return nil, err
		}
		if s.Passphrase, err = stringParam(params, "passphrase"); err != nil {
			return nil, err
		}
		channel, err := intParam(params, "channel")
		if err != nil {
			return nil, err
		}
		if channel < 0 {
			return nil, fmt.Errorf("channel must not be negative")
		}
		s.Channel = uint64(channel)
		if v, ok := params["enabled"]; ok {
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("enabled must be a boolean, got %T", v)
			}
			s.Enabled = &b
		}
		return WiFi(s), nil
	},
}

// Names returns the names of the builtin units.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the builtin unit called name.
func New(name string, params map[string]interface{}) (engine.RuleUnit, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, engine.NewPermanentError("unknown builtin rule "+name, nil).
			WithCode(engine.ErrCodeNotFound)
	}
	unit, err := factory(params)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid parameters for builtin rule %s", name), err).
			WithCode(engine.ErrCodeValidation)
	}
	return unit, nil
}

func durationParam(params map[string]interface{}, key string, def time.Duration) (time.Duration, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch val := v.(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d, nil
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid duration %q", key, val)
		}
		return time.Duration(n) * time.Second, nil
	case int:
		return time.Duration(val) * time.Second, nil
	case int64:
		return time.Duration(val) * time.Second, nil
	case float64:
		return time.Duration(val * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("%s: invalid duration of type %T", key, v)
	}
}

func intParam(params map[string]interface{}, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, nil
	}
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		if val != float64(int(val)) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int(val), nil
	default:
		return 0, fmt.Errorf("%s must be an integer, got %T", key, v)
	}
}

func stringParam(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}
