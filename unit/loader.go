package unit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/codename/focuscript/compiler"
	"github.com/codename/focuscript/hostfunc"
)

// Loader installs executables into fresh units.
type Loader struct {
	logger *slog.Logger

	mu       sync.Mutex
	backends map[string]Backend
	versions map[string]uint64
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

func WithLogger(l *slog.Logger) LoaderOption {
	return func(ld *Loader) {
		if l != nil {
			ld.logger = l
		}
	}
}

func WithBackends(backends ...Backend) LoaderOption {
	return func(ld *Loader) {
		for _, b := range backends {
			ld.backends[b.Name()] = b
		}
	}
}

func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		logger:   slog.Default(),
		backends: make(map[string]Backend),
		versions: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loader) Register(b Backend) {
	l.mu.Lock()
	l.backends[b.Name()] = b
	l.mu.Unlock()
}

// Load verifies capabilities, creates the unit's runtime and checks its
// entry point. A failure never yields a partially built unit.
func (l *Loader) Load(ctx context.Context, exe *compiler.Executable, caps *hostfunc.Registry) (u *Unit, err error) {
	if exe == nil {
		return nil, &LoadError{Reason: "no executable"}
	}
	if caps == nil {
		caps = hostfunc.NewRegistry()
	}

	var denied []string
	for _, c := range exe.Capabilities {
		if !caps.Granted(c) {
			denied = append(denied, c)
		}
	}
	if len(denied) > 0 {
		sort.Strings(denied)
		return nil, &LoadError{
			Identity: exe.Identity,
			Reason:   "capability not granted",
			Err:      fmt.Errorf("%w: %v", hostfunc.ErrCapabilityDenied, denied),
		}
	}

	l.mu.Lock()
	backend, ok := l.backends[exe.Language]
	l.mu.Unlock()
	if !ok {
		return nil, &LoadError{Identity: exe.Identity, Reason: fmt.Sprintf("no backend for language %q", exe.Language)}
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("backend panic during load",
				slog.String("script", exe.Identity),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			u, err = nil, &LoadError{Identity: exe.Identity, Reason: "backend panic", Err: fmt.Errorf("%v", r)}
		}
	}()

	inst, err := backend.Load(ctx, exe, caps)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			if le.Identity == "" {
				le.Identity = exe.Identity
			}
			return nil, le
		}
		return nil, &LoadError{Identity: exe.Identity, Reason: "instantiate", Err: err}
	}

	l.mu.Lock()
	l.versions[exe.Identity]++
	version := l.versions[exe.Identity]
	l.mu.Unlock()

	u = &Unit{
		identity: exe.Identity,
		version:  version,
		loadedAt: time.Now(),
		exe:      exe,
		inst:     inst,
		caps:     caps,
		logger:   l.logger,
		done:     make(chan struct{}),
	}

	l.logger.Debug("unit loaded",
		slog.String("script", exe.Identity),
		slog.Uint64("version", version),
		slog.String("language", exe.Language))
	return u, nil
}
