package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/codename/focuscript/hostfunc"
	"github.com/codename/focuscript/unit"
)

// Kind classifies the outcome of an invocation.
type Kind string

const (
	KindOK            Kind = "ok"
	KindScriptError   Kind = "script_error"
	KindIllegalAPIUse Kind = "illegal_api_use"
	KindRuntimeFault  Kind = "runtime_fault"
	KindTimedOut      Kind = "timed_out"
	KindCancelled     Kind = "cancelled"
	KindPanic         Kind = "panic"
	KindNotLoaded     Kind = "not_loaded"
)

var (
	ErrNotLoaded = errors.New("script not loaded")
	ErrTimeout   = errors.New("timeout")
	ErrPanic     = errors.New("script panicked")
)

// Result holds the output and metadata from one invocation.
type Result struct {
	Value        any
	Output       string
	Duration     time.Duration
	Kind         Kind
	Err          error
	InvocationID string
	Version      uint64
	// Runaway is set when the unit was still executing after the grace
	// period that followed its deadline.
	Runaway bool
}

func (r Result) OK() bool {
	return r.Kind == KindOK
}

// Sandbox runs unit invocations so that no script failure reaches the
// caller as anything but a Result.
type Sandbox struct {
	logger  *slog.Logger
	timeout time.Duration
	grace   time.Duration
}

// New creates a Sandbox.
func New(opts ...SandboxOption) *Sandbox {
	s := &Sandbox{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		grace:   DefaultGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type outcome struct {
	value    any
	err      error
	panicked any
	stack    []byte
}

// Invoke runs the unit's entry point with args. The caller hands over one
// reference taken with u.Acquire; it is released once execution has
// actually stopped, which for a runaway unit may be after Invoke returns.
func (s *Sandbox) Invoke(ctx context.Context, u *unit.Unit, args map[string]any, opts ...Option) Result {
	start := time.Now()

	cfg := runConfig{timeout: s.timeout, grace: s.grace}
	for _, opt := range opts {
		opt(&cfg)
	}

	if u == nil {
		return Result{Kind: KindNotLoaded, Err: ErrNotLoaded, Duration: time.Since(start)}
	}

	inv := unit.NewInvocation(u.Identity(), u.Version(), args)
	result := Result{InvocationID: inv.ID.String(), Version: u.Version()}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if cfg.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
	}
	defer cancel()
	runCtx = hostfunc.WithCaller(runCtx, u.Identity())
	runCtx = hostfunc.WithAttrs(runCtx,
		slog.Uint64("version", u.Version()),
		slog.String("invocation", result.InvocationID))

	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				out = outcome{panicked: r, stack: debug.Stack()}
			}
			u.Release()
			done <- out
		}()
		out.value, out.err = u.Call(runCtx, inv)
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		grace := time.NewTimer(cfg.grace)
		defer grace.Stop()

		select {
		case out = <-done:
		case <-grace.C:
			u.MarkRunaway()
			result.Runaway = true
			result.Kind, result.Err = s.deadline(ctx, cfg.timeout, time.Since(start))
			result.Output = inv.Output()
			result.Duration = time.Since(start)
			s.logger.Warn("invocation still running past deadline",
				slog.String("script", u.Identity()),
				slog.Uint64("version", u.Version()),
				slog.String("invocation", result.InvocationID),
				slog.Duration("grace", cfg.grace))
			return result
		}
	}

	result.Output = inv.Output()
	result.Duration = time.Since(start)
	result.Value = out.value
	result.Kind, result.Err = s.classify(ctx, runCtx, out, cfg.timeout, result.Duration)
	if result.Kind != KindOK {
		result.Value = nil
	}

	if out.panicked != nil {
		s.logger.Error("invocation panic",
			slog.String("script", u.Identity()),
			slog.Uint64("version", u.Version()),
			slog.String("invocation", result.InvocationID),
			slog.Any("panic", out.panicked),
			slog.String("stack", string(out.stack)))
	} else {
		s.logger.Debug("invocation finished",
			slog.String("script", u.Identity()),
			slog.Uint64("version", u.Version()),
			slog.String("kind", string(result.Kind)),
			slog.Duration("duration", result.Duration))
	}
	return result
}

func (s *Sandbox) classify(ctx, runCtx context.Context, out outcome, timeout, elapsed time.Duration) (Kind, error) {
	if out.panicked != nil {
		return KindPanic, fmt.Errorf("%w: %v", ErrPanic, out.panicked)
	}
	if out.err == nil {
		return KindOK, nil
	}

	var se *unit.ScriptError
	switch {
	case errors.Is(out.err, hostfunc.ErrCapabilityDenied), errors.Is(out.err, hostfunc.ErrBadArgument):
		return KindIllegalAPIUse, out.err
	case errors.As(out.err, &se) && se.Runtime:
		return KindRuntimeFault, out.err
	case errors.As(out.err, &se):
		return KindScriptError, out.err
	case errors.Is(out.err, unit.ErrDisposed):
		return KindNotLoaded, fmt.Errorf("%w: %v", ErrNotLoaded, out.err)
	case runCtx.Err() != nil, errors.Is(out.err, unit.ErrInterrupted):
		return s.deadline(ctx, timeout, elapsed)
	default:
		return KindRuntimeFault, out.err
	}
}

// deadline reports a stopped invocation as cancelled when the caller gave
// up, and as timed out otherwise.
func (s *Sandbox) deadline(ctx context.Context, timeout, elapsed time.Duration) (Kind, error) {
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled, fmt.Errorf("invocation cancelled: %w", err)
	}
	if timeout <= 0 {
		timeout = elapsed.Round(time.Millisecond)
	}
	return KindTimedOut, fmt.Errorf("%w after %v", ErrTimeout, timeout)
}
