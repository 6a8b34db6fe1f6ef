package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/codename/focuscript/api"
	"github.com/codename/focuscript/compiler"
	"github.com/codename/focuscript/executor"
	"github.com/codename/focuscript/hostfunc"
	"github.com/codename/focuscript/unit"
)

var (
	ErrClosed            = errors.New("manager closed")
	ErrEmptyIdentity     = errors.New("empty script identity")
	ErrUnknownPermission = errors.New("unknown permission")
	ErrNoServer          = errors.New("no server attached")
	ErrReentrantCommand  = errors.New("command would re-enter a running script")
)

// Summary reports the outcome of one load request.
type Summary struct {
	Identity    string
	State       State
	Version     uint64
	Diagnostics compiler.Diagnostics
	Duration    time.Duration
	Cached      bool
	Err         error
}

func (s Summary) OK() bool {
	return s.Err == nil
}

// Info describes one identity.
type Info struct {
	Identity     string               `json:"identity"`
	State        State                `json:"state"`
	Version      uint64               `json:"version,omitempty"`
	Language     string               `json:"language,omitempty"`
	LoadedAt     time.Time            `json:"loaded_at,omitzero"`
	Capabilities []string             `json:"capabilities,omitempty"`
	InFlight     int                  `json:"in_flight"`
	Timeouts     int                  `json:"timeouts"`
	Diagnostics  compiler.Diagnostics `json:"diagnostics,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// Manager is the single authority over which unit is live for each script
// identity.
type Manager struct {
	compiler *compiler.Compiler
	loader   *unit.Loader
	sandbox  *executor.Sandbox
	handlers *hostfunc.Handlers
	cfg      config
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	seq     uint64
	closed  bool
}

// New creates a Manager that compiles with c and installs units with l.
func New(c *compiler.Compiler, l *unit.Loader, opts ...Option) *Manager {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sandbox == nil {
		cfg.sandbox = executor.New(executor.WithLogger(cfg.logger))
	}
	m := &Manager{
		compiler: c,
		loader:   l,
		sandbox:  cfg.sandbox,
		cfg:      cfg,
		logger:   cfg.logger,
		entries:  make(map[string]*entry),
	}
	host, _ := cfg.server.(api.CommandHost)
	m.handlers = hostfunc.NewHandlers(host, m.routeCommand)
	return m
}

// Normalize returns the registry key for an identity.
func Normalize(identity string) (string, error) {
	id := norm.NFC.String(strings.TrimSpace(identity))
	if id == "" {
		return "", ErrEmptyIdentity
	}
	return id, nil
}

func (m *Manager) lookup(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id]
}

func (m *Manager) getOrCreate(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if e, ok := m.entries[id]; ok {
		return e, nil
	}
	m.seq++
	e := newEntry(id, m.seq)
	m.entries[id] = e
	return e, nil
}

// Load compiles text and installs it as the live unit for identity.
// Requests for one identity complete in the order they were made. On
// failure the previously live unit, if any, keeps serving.
func (m *Manager) Load(ctx context.Context, identity, text string, opts ...LoadOption) Summary {
	start := time.Now()
	id, err := Normalize(identity)
	if err != nil {
		return Summary{Identity: identity, State: StateUnloaded, Err: err}
	}

	lc := loadConfig{language: m.cfg.language}
	for _, opt := range opts {
		opt(&lc)
	}
	if lc.language == "" {
		lc.language = m.cfg.language
	}

	for {
		e, err := m.getOrCreate(id)
		if err != nil {
			return Summary{Identity: id, State: StateUnloaded, Err: err}
		}
		release, err := e.acquire(ctx)
		if err != nil {
			return Summary{Identity: id, State: m.Status(id), Err: err}
		}

		e.mu.Lock()
		removed := e.removed
		e.mu.Unlock()
		if removed {
			// Unloaded while we waited; start over on a fresh entry.
			release()
			continue
		}

		s := m.load(ctx, e, text, lc)
		release()
		s.Duration = time.Since(start)
		return s
	}
}

func (m *Manager) load(ctx context.Context, e *entry, text string, lc loadConfig) Summary {
	e.mu.Lock()
	prev := e.state
	e.state = StateCompiling
	e.mu.Unlock()

	res := m.compiler.Compile(ctx, compiler.Source{
		Identity:   e.identity,
		Language:   lc.language,
		File:       lc.file,
		Text:       text,
		APIVersion: lc.apiVersion,
	})
	if !res.OK() {
		return m.fail(e, prev, res.Diagnostics, res.Cached, res.Err())
	}

	for _, name := range lc.commands {
		if !m.handlers.Available(e.identity, name) {
			return m.fail(e, prev, res.Diagnostics, res.Cached, fmt.Errorf("%w: /%s", hostfunc.ErrCommandTaken, name))
		}
	}

	caps, sc, err := m.registry(e, lc)
	if err != nil {
		return m.fail(e, prev, res.Diagnostics, res.Cached, err)
	}

	u, err := m.loader.Load(ctx, res.Executable, caps)
	if err != nil {
		sc.release()
		return m.fail(e, prev, res.Diagnostics, res.Cached, err)
	}
	sc.unit.Store(u)
	u.OnDispose(sc.release)
	if err := sc.declare(lc); err != nil {
		u.Retire()
		return m.fail(e, prev, res.Diagnostics, res.Cached, err)
	}

	e.mu.Lock()
	if st := e.storage; st != nil && caps.Granted(api.CapStorage) {
		u.OnDispose(st.Save)
	}
	old := e.current.Swap(u)
	e.state = StateLoaded
	e.language = lc.language
	e.diags = res.Diagnostics
	e.lastErr = nil
	e.loadedAt = u.LoadedAt()
	e.mu.Unlock()

	if old != nil {
		old.Retire()
	}

	m.logger.Info("script loaded",
		slog.String("script", e.identity),
		slog.Uint64("version", u.Version()),
		slog.String("language", lc.language),
		slog.Bool("cached", res.Cached),
		slog.Duration("compile", res.Duration))

	return Summary{
		Identity:    e.identity,
		State:       StateLoaded,
		Version:     u.Version(),
		Diagnostics: res.Diagnostics,
		Cached:      res.Cached,
	}
}

// fail records a failed attempt. A first load that fails leaves the
// identity unloaded; a failed reload marks it failed while the prior unit
// keeps serving.
func (m *Manager) fail(e *entry, prev State, diags compiler.Diagnostics, cached bool, err error) Summary {
	e.mu.Lock()
	state := StateUnloaded
	if e.current.Load() != nil || prev == StateFailed {
		state = StateFailed
	}
	e.state = state
	e.diags = diags
	e.lastErr = err
	var version uint64
	if u := e.current.Load(); u != nil {
		version = u.Version()
	}
	e.mu.Unlock()

	m.logger.Warn("script load failed",
		slog.String("script", e.identity),
		slog.String("state", string(state)),
		slog.Any("error", err))

	return Summary{
		Identity:    e.identity,
		State:       state,
		Version:     version,
		Diagnostics: diags,
		Cached:      cached,
		Err:         err,
	}
}

// registry builds the host functions of one unit from the default grants
// and the requested permissions. The scope holds what the unit registers
// outside its runtime and must be released when the unit goes away.
func (m *Manager) registry(e *entry, lc loadConfig) (*hostfunc.Registry, *scope, error) {
	grants := make(map[string]bool)
	for _, c := range m.cfg.defaults {
		grants[c] = true
	}
	for _, c := range lc.permissions {
		grants[c] = true
	}
	names := make([]string, 0, len(grants))
	for c := range grants {
		names = append(names, c)
	}
	sort.Strings(names)

	sc := &scope{handlers: m.handlers, owner: &hostfunc.Owner{Identity: e.identity}}
	fail := func(err error) (*hostfunc.Registry, *scope, error) {
		sc.release()
		return nil, nil, err
	}
	r := hostfunc.NewRegistry()
	for _, c := range names {
		switch c {
		case api.CapLog:
			hostfunc.RegisterLog(r, m.logger.With(slog.String("script", e.identity)))
		case api.CapClock:
			hostfunc.RegisterClock(r, m.cfg.now)
		case api.CapConfig:
			hostfunc.RegisterConfig(r, hostfunc.NewConfig(lc.values))
		case api.CapServer:
			if m.cfg.server == nil {
				return fail(fmt.Errorf("permission %q: %w", c, ErrNoServer))
			}
			hostfunc.RegisterServer(r, m.cfg.server)
		case api.CapStorage:
			st, err := m.storage(e)
			if err != nil {
				return fail(err)
			}
			hostfunc.RegisterStorage(r, st)
		case api.CapScheduler:
			sc.scheduler = hostfunc.NewScheduler(func(ctx context.Context, args map[string]any) {
				m.fire(ctx, e, sc, args)
			}, m.cfg.maxTasks)
			hostfunc.RegisterScheduler(r, sc.scheduler)
		case api.CapEvents:
			hostfunc.RegisterEvents(r, m.handlers, sc.owner)
		case api.CapCommands:
			hostfunc.RegisterCommands(r, m.handlers, sc.owner)
		default:
			return fail(fmt.Errorf("%w: %q", ErrUnknownPermission, c))
		}
		r.Grant(c)
	}
	return r, sc, nil
}

// storage opens the identity's store once; every version of the script
// shares it.
func (m *Manager) storage(e *entry) (*hostfunc.Storage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.storage != nil {
		return e.storage, nil
	}
	cfg := m.cfg.storage
	cfg.Path = ""
	if m.cfg.storageDir != "" {
		cfg.Path = hostfunc.StoragePath(m.cfg.storageDir, e.identity)
	}
	st, err := hostfunc.OpenStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	e.storage = st
	return st, nil
}

// Invoke runs the live unit of identity. Concurrent reloads are invisible
// to the caller: the invocation runs entirely against the unit that was
// live when it started.
func (m *Manager) Invoke(ctx context.Context, identity string, args map[string]any, opts ...executor.Option) executor.Result {
	id, err := Normalize(identity)
	if err != nil {
		return executor.Result{Kind: executor.KindNotLoaded, Err: fmt.Errorf("%w: %v", executor.ErrNotLoaded, err)}
	}
	e := m.lookup(id)
	if e == nil {
		return notLoaded(id)
	}

	for {
		u := e.current.Load()
		if u == nil {
			return notLoaded(id)
		}
		if !u.Acquire() {
			// Retired between the load and the acquire; the swap that
			// retired it has already published its successor.
			continue
		}
		result := m.sandbox.Invoke(ctx, u, args, opts...)
		m.health(e, u, result)
		return result
	}
}

// Emit invokes every script subscribed to event, concurrently, with data
// plus a "type" field naming the event. It returns once every invocation
// has finished, keyed by identity.
func (m *Manager) Emit(ctx context.Context, event string, data map[string]any, opts ...executor.Option) map[string]executor.Result {
	subs := m.handlers.Subscribers(event)
	args := make(map[string]any, len(data)+1)
	for k, v := range data {
		args[k] = v
	}
	args["type"] = event

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]executor.Result, len(subs))
	)
	for _, id := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := m.Invoke(ctx, id, args, opts...)
			mu.Lock()
			out[id] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	m.logger.Debug("event emitted", slog.String("event", event), slog.Int("subscribers", len(subs)))
	return out
}

// Subscribers returns the identities subscribed to event.
func (m *Manager) Subscribers(event string) []string {
	return m.handlers.Subscribers(event)
}

// Command returns the identity handling a console command.
func (m *Manager) Command(name string) (identity string, ok bool) {
	identity, _, ok = m.handlers.Command(name)
	return identity, ok
}

// routeCommand returns the host handler of a script-owned command. The
// owning script receives {type: "command", command, args}; returning false
// reports the command unhandled.
func (m *Manager) routeCommand(name string) api.CommandFunc {
	return func(ctx context.Context, args []string) (bool, error) {
		id, _, ok := m.handlers.Command(name)
		if !ok {
			return false, nil
		}
		if slices.Contains(hostfunc.Callers(ctx), id) {
			return false, fmt.Errorf("%w: /%s is handled by %s", ErrReentrantCommand, name, id)
		}
		argv := make([]any, len(args))
		for i, a := range args {
			argv[i] = a
		}
		res := m.Invoke(ctx, id, map[string]any{"type": "command", "command": name, "args": argv})
		if !res.OK() {
			return false, res.Err
		}
		handled, isBool := res.Value.(bool)
		return !isBool || handled, nil
	}
}

// fire runs a scheduled task on the unit that scheduled it. Once that unit
// is retired its tasks run nothing, even if they were already due.
func (m *Manager) fire(ctx context.Context, e *entry, sc *scope, args map[string]any) {
	u := sc.unit.Load()
	if u == nil || !u.Acquire() {
		return
	}
	res := m.sandbox.Invoke(ctx, u, args)
	m.health(e, u, res)
	if res.OK() || res.Kind == executor.KindCancelled {
		return
	}
	m.logger.Warn("scheduled task failed",
		slog.String("script", e.identity),
		slog.Uint64("version", u.Version()),
		slog.Any("task", args["task"]),
		slog.String("kind", string(res.Kind)),
		slog.Any("error", res.Err))
}

func notLoaded(id string) executor.Result {
	return executor.Result{
		Kind: executor.KindNotLoaded,
		Err:  fmt.Errorf("%w: %s", executor.ErrNotLoaded, id),
	}
}

func (m *Manager) health(e *entry, u *unit.Unit, result executor.Result) {
	switch {
	case result.Runaway || u.Runaway():
		m.forceUnload(e, u, "invocation ran past its deadline")
	case result.Kind == executor.KindPanic:
		m.forceUnload(e, u, "invocation panicked")
	case result.Kind == executor.KindTimedOut:
		if n := u.RecordTimeout(); m.cfg.maxTimeouts > 0 && n >= m.cfg.maxTimeouts {
			m.forceUnload(e, u, fmt.Sprintf("%d consecutive timeouts", n))
		}
	case result.Kind == executor.KindCancelled:
		// The caller gave up; the count is left as is.
	default:
		u.ResetTimeouts()
	}
}

// forceUnload takes u out of service if it is still the live unit.
func (m *Manager) forceUnload(e *entry, u *unit.Unit, reason string) {
	e.mu.Lock()
	if !e.current.CompareAndSwap(u, nil) {
		e.mu.Unlock()
		return
	}
	e.state = StateFailed
	e.lastErr = fmt.Errorf("unloaded: %s", reason)
	e.mu.Unlock()

	u.Retire()
	m.logger.Warn("script force-unloaded",
		slog.String("script", e.identity),
		slog.Uint64("version", u.Version()),
		slog.String("reason", reason))
}

// Unload removes identity from the registry. The unit is disposed once
// its in-flight invocations finish. Unloading an unknown identity is a
// no-op.
func (m *Manager) Unload(ctx context.Context, identity string) error {
	id, err := Normalize(identity)
	if err != nil {
		return err
	}
	e := m.lookup(id)
	if e == nil {
		return nil
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	m.unload(e)
	return nil
}

func (m *Manager) unload(e *entry) *unit.Unit {
	m.mu.Lock()
	if m.entries[e.identity] == e {
		delete(m.entries, e.identity)
	}
	m.mu.Unlock()

	e.mu.Lock()
	e.removed = true
	e.state = StateUnloaded
	u := e.current.Swap(nil)
	st := e.storage
	e.mu.Unlock()

	if u != nil {
		u.Retire()
		m.logger.Info("script unloaded",
			slog.String("script", e.identity),
			slog.Uint64("version", u.Version()))
	} else if st != nil {
		if err := st.Save(); err != nil {
			m.logger.Warn("save storage", slog.String("script", e.identity), slog.Any("error", err))
		}
	}
	return u
}

// Status reports the lifecycle state of identity.
func (m *Manager) Status(identity string) State {
	id, err := Normalize(identity)
	if err != nil {
		return StateUnloaded
	}
	e := m.lookup(id)
	if e == nil {
		return StateUnloaded
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Describe returns a snapshot of identity. The second result is false for
// identities the manager has never seen or has unloaded.
func (m *Manager) Describe(identity string) (Info, bool) {
	id, err := Normalize(identity)
	if err != nil {
		return Info{Identity: identity, State: StateUnloaded}, false
	}
	e := m.lookup(id)
	if e == nil {
		return Info{Identity: id, State: StateUnloaded}, false
	}
	return e.snapshot(), true
}

// List returns a snapshot of every known identity, sorted by identity.
func (m *Manager) List() []Info {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Info, len(entries))
	for i, e := range entries {
		out[i] = e.snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Close unloads every script, most recently registered first, and waits
// for their units to be disposed or for ctx to end. Later loads fail with
// ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })

	var units []*unit.Unit
	for _, e := range entries {
		release, err := e.acquire(ctx)
		if err != nil {
			return fmt.Errorf("close %s: %w", e.identity, err)
		}
		if u := m.unload(e); u != nil {
			units = append(units, u)
		}
		release()
	}

	for _, u := range units {
		select {
		case <-u.Disposed():
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to finish: %w", u.Identity(), ctx.Err())
		}
	}
	return nil
}
