// Package unit loads compiled executables into isolated, disposable units.
//
// Every [Unit] owns a fresh runtime created by its language [Backend]; two
// units never share globals, even when they come from the same executable.
// Units are reference counted: a retired unit is disposed only after the
// last in-flight invocation releases it.
package unit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codename/focuscript/compiler"
	"github.com/codename/focuscript/hostfunc"
)

var (
	ErrDisposed    = errors.New("unit disposed")
	ErrInterrupted = errors.New("execution interrupted")
)

// Instance is a loaded unit's runtime.
type Instance interface {
	Call(ctx context.Context, inv *Invocation) (any, error)
	Close(ctx context.Context) error
}

// Backend loads executables of one language.
type Backend interface {
	Name() string
	Load(ctx context.Context, exe *compiler.Executable, caps *hostfunc.Registry) (Instance, error)
}

// LoadError reports an executable that could not be installed.
type LoadError struct {
	Identity string
	Reason   string
	Err      error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load %s: %s: %v", e.Identity, e.Reason, e.Err)
	}
	return fmt.Sprintf("load %s: %s", e.Identity, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ScriptError is an uncaught failure raised by script code.
type ScriptError struct {
	// Name is the error class, such as "TypeError" or "trap".
	Name    string
	Message string
	Stack   string
	// Runtime marks faults raised by the runtime itself rather than by a
	// throw in script code.
	Runtime bool
	// Cause is the host error behind the failure, if any.
	Cause error
}

func (e *ScriptError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

func (e *ScriptError) Unwrap() error { return e.Cause }

// Unit is one loaded script version.
type Unit struct {
	identity string
	version  uint64
	loadedAt time.Time
	exe      *compiler.Executable
	inst     Instance
	caps     *hostfunc.Registry
	logger   *slog.Logger

	mu       sync.Mutex
	refs     int
	retired  bool
	disposed bool
	hooks    []func() error
	done     chan struct{}

	timeouts atomic.Int32
	runaway  atomic.Bool
}

func (u *Unit) Identity() string                 { return u.identity }
func (u *Unit) Version() uint64                  { return u.version }
func (u *Unit) LoadedAt() time.Time              { return u.loadedAt }
func (u *Unit) Executable() *compiler.Executable { return u.exe }
func (u *Unit) Capabilities() []string           { return u.caps.Capabilities() }

// Acquire takes a reference. It fails once the unit is retired, so a
// superseded unit never starts new invocations.
func (u *Unit) Acquire() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.retired || u.disposed {
		return false
	}
	u.refs++
	return true
}

// Release drops a reference taken by Acquire.
func (u *Unit) Release() {
	u.mu.Lock()
	u.refs--
	if u.refs < 0 {
		u.mu.Unlock()
		panic("unit: release without acquire")
	}
	dispose := u.retired && u.refs == 0 && !u.disposed
	if dispose {
		u.disposed = true
	}
	u.mu.Unlock()

	if dispose {
		u.dispose()
	}
}

// Retire marks the unit superseded. It is disposed now if idle, otherwise
// when the last reference is released.
func (u *Unit) Retire() {
	u.mu.Lock()
	if u.retired {
		u.mu.Unlock()
		return
	}
	u.retired = true
	dispose := u.refs == 0 && !u.disposed
	if dispose {
		u.disposed = true
	}
	u.mu.Unlock()

	if dispose {
		u.dispose()
	}
}

// Refs reports in-flight references.
func (u *Unit) Refs() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.refs
}

func (u *Unit) Retired() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.retired
}

// Disposed is closed after the unit's runtime has been released.
func (u *Unit) Disposed() <-chan struct{} {
	return u.done
}

// OnDispose registers a hook run once at disposal, after the runtime closes.
func (u *Unit) OnDispose(fn func() error) {
	u.mu.Lock()
	u.hooks = append(u.hooks, fn)
	u.mu.Unlock()
}

// Call runs the entry point. Callers must hold a reference.
func (u *Unit) Call(ctx context.Context, inv *Invocation) (any, error) {
	return u.inst.Call(ctx, inv)
}

// RecordTimeout counts a consecutive timeout and returns the new count.
func (u *Unit) RecordTimeout() int {
	return int(u.timeouts.Add(1))
}

func (u *Unit) ResetTimeouts() {
	u.timeouts.Store(0)
}

func (u *Unit) Timeouts() int {
	return int(u.timeouts.Load())
}

// MarkRunaway flags a unit that kept executing past its deadline.
func (u *Unit) MarkRunaway() {
	u.runaway.Store(true)
}

func (u *Unit) Runaway() bool {
	return u.runaway.Load()
}

func (u *Unit) dispose() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := u.inst.Close(ctx); err != nil {
		u.logger.Warn("close unit runtime", slog.String("script", u.identity), slog.Uint64("version", u.version), slog.Any("error", err))
	}

	u.mu.Lock()
	hooks := u.hooks
	u.hooks = nil
	u.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(); err != nil {
			u.logger.Warn("dispose hook failed", slog.String("script", u.identity), slog.Uint64("version", u.version), slog.Any("error", err))
		}
	}

	u.logger.Debug("unit disposed", slog.String("script", u.identity), slog.Uint64("version", u.version))
	close(u.done)
}
