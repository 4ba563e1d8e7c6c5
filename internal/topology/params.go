package topology

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// params are the constructor arguments of one component. Values come from
// the YAML description and from <COMPONENT>_PARAMS_<PARAM> environment
// variables, which take precedence. Accessors record which keys a
// constructor read so unknown keys can be reported.
type params struct {
	component string
	values    map[string]any
	fromEnv   map[string]bool
	used      map[string]bool
}

func newParams(component string, yamlParams map[string]any, environ []string) *params {
	p := &params{
		component: component,
		values:    make(map[string]any, len(yamlParams)),
		fromEnv:   make(map[string]bool),
		used:      make(map[string]bool),
	}
	for k, v := range yamlParams {
		p.values[k] = v
	}

	prefix := envPrefix(component)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, prefix))
		if name == "" {
			continue
		}
		p.values[name] = value
		p.fromEnv[name] = true
	}
	return p
}

// envPrefix returns the environment prefix for a component name, e.g.
// "DOCUMENTSTORE_PARAMS_" for "DocumentStore".
func envPrefix(component string) string {
	return strings.ToUpper(component) + "_PARAMS_"
}

func (p *params) lookup(key string) (any, bool) {
	p.used[key] = true
	v, ok := p.values[key]
	return v, ok && v != nil
}

func (p *params) String(key, def string) (string, error) {
	v, ok := p.lookup(key)
	if !ok {
		return def, nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case int, int64, float64, bool:
		return fmt.Sprint(t), nil
	}
	return "", p.typeError(key, "a string", v)
}

func (p *params) Int(key string, def int) (int, error) {
	v, ok := p.lookup(key)
	if !ok {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if t == float64(int(t)) {
			return int(t), nil
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n, nil
		}
	}
	return 0, p.typeError(key, "an integer", v)
}

func (p *params) Bool(key string, def bool) (bool, error) {
	v, ok := p.lookup(key)
	if !ok {
		return def, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b, nil
		}
	}
	return false, p.typeError(key, "a boolean", v)
}

func (p *params) typeError(key, want string, got any) error {
	return fmt.Errorf("component %s: param %s must be %s, got %v", p.component, key, want, got)
}

// unknown returns the YAML keys no accessor read, sorted. Unread keys set
// only through the environment are not reported.
func (p *params) unknown() []string {
	var keys []string
	for k := range p.values {
		if !p.used[k] && !p.fromEnv[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// ignoredEnv returns environment params the component does not accept.
func (p *params) ignoredEnv() []string {
	var keys []string
	for k := range p.fromEnv {
		if !p.used[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func processEnviron() []string { return os.Environ() }
