package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

var (
	ErrCapabilityDenied = errors.New("capability denied")
	ErrBadArgument      = errors.New("bad argument")
)

// Func is a host function callable from script code. Names are qualified
// as "namespace.member".
type Func func(ctx context.Context, args []any) (any, error)

// Registry holds the host functions and granted capabilities of one unit.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
	caps  map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[string]Func),
		caps:  make(map[string]bool),
	}
}

// Register adds fn under name and grants the namespace it lives in.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	if ns, _, ok := strings.Cut(name, "."); ok {
		r.caps[ns] = true
	}
	r.mu.Unlock()
}

// Grant marks a capability as available without registering functions.
func (r *Registry) Grant(capability string) {
	r.mu.Lock()
	r.caps[capability] = true
	r.mu.Unlock()
}

func (r *Registry) Granted(capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps[capability]
}

func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]string, 0, len(r.caps))
	for c := range r.caps {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Members returns the functions of one namespace keyed by member name.
func (r *Registry) Members(namespace string) map[string]Func {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Func)
	prefix := namespace + "."
	for name, fn := range r.funcs {
		if member, ok := strings.CutPrefix(name, prefix); ok {
			out[member] = fn
		}
	}
	return out
}

// Call invokes a registered function. Unknown names are capability denials.
func (r *Registry) Call(ctx context.Context, name string, args []any) (any, error) {
	fn, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityDenied, name)
	}
	return fn(ctx, args)
}

type callersKey struct{}

// WithCaller records that identity is executing on ctx. Host functions use
// the chain to refuse calls that would re-enter a running script.
func WithCaller(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, callersKey{}, append(slices.Clip(Callers(ctx)), identity))
}

// Callers returns the identities executing on ctx, outermost first.
func Callers(ctx context.Context) []string {
	chain, _ := ctx.Value(callersKey{}).([]string)
	return chain
}

func argString(args []any, i int, name string) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("%w: %s required", ErrBadArgument, name)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrBadArgument, name, args[i])
	}
	return s, nil
}

func argOptional(args []any, i int) any {
	if i >= len(args) {
		return nil
	}
	return args[i]
}
