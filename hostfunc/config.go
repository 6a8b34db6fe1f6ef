package hostfunc

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Config is a read-only configuration tree exposed as the config namespace.
type Config struct {
	values map[string]any
}

// NewConfig copies values so later changes by the caller are not visible
// to scripts.
func NewConfig(values map[string]any) *Config {
	if values == nil {
		values = map[string]any{}
	}
	return &Config{values: copyValue(values).(map[string]any)}
}

// Lookup resolves a dotted path such as "rewards.daily".
func (c *Config) Lookup(path string) (any, bool) {
	var cur any = c.values
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return copyValue(cur), true
}

func (c *Config) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Config) Get(ctx context.Context, args []any) (any, error) {
	path, err := argString(args, 0, "path")
	if err != nil {
		return nil, err
	}
	if v, ok := c.Lookup(path); ok {
		return v, nil
	}
	return argOptional(args, 1), nil
}

func (c *Config) Has(ctx context.Context, args []any) (any, error) {
	path, err := argString(args, 0, "path")
	if err != nil {
		return nil, err
	}
	_, ok := c.Lookup(path)
	return ok, nil
}

// RegisterConfig binds the config namespace.
func RegisterConfig(r *Registry, c *Config) {
	r.Register("config.get", c.Get)
	r.Register("config.has", c.Has)
	r.Register("config.keys", func(ctx context.Context, args []any) (any, error) {
		return c.Keys(), nil
	})
}

// copyValue deep-copies YAML-decoded trees into map[string]any and []any.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = copyValue(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = copyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = copyValue(val)
		}
		return out
	default:
		return v
	}
}
