// Package wasm runs precompiled WebAssembly units with wazero.
//
// A wasm script is a module binary that exports a "run" function taking no
// parameters. The only imports it may declare are the host functions of the
// "focuscript" module listed in the API artifact. Every invocation runs in
// a fresh anonymous instance, so no memory survives between calls.
package wasm

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/codename/focuscript/api"
	"github.com/codename/focuscript/compiler"
	"github.com/codename/focuscript/hostfunc"
	"github.com/codename/focuscript/unit"
	"github.com/tetratelabs/wazero"
	wazapi "github.com/tetratelabs/wazero/api"
)

const (
	// Name is the language identifier used in sources and manifests.
	Name = "wasm"
	// EntryName is the export every module must provide.
	EntryName = "run"
)

// Wasm owns the wazero runtime shared by all wasm units and its compiled
// module cache.
//
// A compiled module stays open while a loaded instance holds it. Once the
// last holder closes it joins the idle list, and the oldest idle modules are
// closed when more than the configured number wait there.
type Wasm struct {
	runtime   wazero.Runtime
	cache     wazero.CompilationCache
	logger    *slog.Logger
	idleLimit int

	mu       sync.Mutex
	compiled map[string]*compiledModule
	idle     *list.List // of *compiledModule, oldest first
	closed   bool
}

type compiledModule struct {
	hash string
	mod  wazero.CompiledModule
	refs int
	elem *list.Element // set while idle
}

// New creates the runtime and instantiates the focuscript host module.
func New(opts ...Option) (*Wasm, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if err := instantiateHost(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	return &Wasm{
		runtime:   rt,
		cache:     cache,
		logger:    cfg.logger,
		idleLimit: cfg.idleModules,
		compiled:  make(map[string]*compiledModule),
		idle:      list.New(),
	}, nil
}

// Name returns "wasm".
func (w *Wasm) Name() string {
	return Name
}

// Stdlib is empty: a module can only name what it imports.
func (w *Wasm) Stdlib() []string {
	return nil
}

// Compile validates the module binary and checks its imports against the
// artifact.
func (w *Wasm) Compile(ctx context.Context, src compiler.Source, cp *compiler.Classpath) (*compiler.Executable, compiler.Diagnostics) {
	file := src.File
	if file == "" {
		file = src.Identity
	}
	loc := compiler.Location{File: file}
	hash := src.Hash()

	code := []byte(src.Text)
	mod, err := w.getCompiled(ctx, hash, code)
	if err != nil {
		return nil, compiler.Diagnostics{compiler.Errorf(loc, "%v", err)}
	}
	data, err := dataImports(code)
	if err != nil {
		return nil, compiler.Diagnostics{compiler.Errorf(loc, "invalid module: %v", err)}
	}

	var diags compiler.Diagnostics
	needed := make(map[string]bool)
	imports := cp.Artifact().Imports()

	for _, def := range mod.ImportedFunctions() {
		module, name, _ := def.Import()
		path := module + "." + name
		sym, ok := imports[name]
		if module != api.WasmModule || !ok {
			diags = append(diags, compiler.Errorf(loc, "unresolved symbol %q", path))
			continue
		}
		if got, want := signature(def.ParamTypes(), def.ResultTypes()), declared(sym); got != want {
			diags = append(diags, compiler.Errorf(loc, "import %s has signature %s, want %s", path, got, want))
			continue
		}
		if sym.Deprecated != "" {
			diags = append(diags, compiler.Warnf(loc, "%s is deprecated: %s", path, sym.Deprecated))
		}
		if sym.Capability != "" {
			needed[sym.Capability] = true
		}
	}
	for _, imp := range data {
		diags = append(diags, compiler.Errorf(loc, "unresolved symbol %q: %s imports are not allowed, only functions may be imported", imp.module+"."+imp.name, imp.kind))
	}

	if diags.HasErrors() {
		return nil, diags
	}

	caps := make([]string, 0, len(needed))
	for c := range needed {
		caps = append(caps, c)
	}
	sort.Strings(caps)

	return &compiler.Executable{
		Identity:     src.Identity,
		Language:     Name,
		Hash:         hash,
		Code:         code,
		Entry:        EntryName,
		Capabilities: caps,
		Compiled:     mod,
	}, diags
}

func signature(params, results []wazapi.ValueType) string {
	names := func(ts []wazapi.ValueType) string {
		parts := make([]string, len(ts))
		for i, t := range ts {
			parts[i] = wazapi.ValueTypeName(t)
		}
		return strings.Join(parts, ", ")
	}
	return "(" + names(params) + ") -> (" + names(results) + ")"
}

func declared(sym api.Symbol) string {
	return "(" + strings.Join(sym.Params, ", ") + ") -> (" + strings.Join(sym.Results, ", ") + ")"
}

// getCompiled returns the cached compiled module for hash, compiling code
// if necessary. A freshly compiled module starts idle.
func (w *Wasm) getCompiled(ctx context.Context, hash string, code []byte) (wazero.CompiledModule, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cm, err := w.lookup(ctx, hash, code)
	if err != nil {
		return nil, err
	}
	if cm.refs == 0 {
		w.touch(ctx, cm, cm)
	}
	return cm.mod, nil
}

// acquire returns the compiled module for hash and holds it open until a
// matching release. An evicted module is compiled again from code.
func (w *Wasm) acquire(ctx context.Context, hash string, code []byte) (wazero.CompiledModule, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cm, err := w.lookup(ctx, hash, code)
	if err != nil {
		return nil, err
	}
	if cm.elem != nil {
		w.idle.Remove(cm.elem)
		cm.elem = nil
	}
	cm.refs++
	return cm.mod, nil
}

// release drops one hold on hash. The module becomes idle at zero.
func (w *Wasm) release(ctx context.Context, hash string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cm, ok := w.compiled[hash]
	if !ok || cm.refs == 0 {
		return
	}
	cm.refs--
	if cm.refs == 0 {
		w.touch(ctx, cm, nil)
	}
}

// lookup must be called with mu held.
func (w *Wasm) lookup(ctx context.Context, hash string, code []byte) (*compiledModule, error) {
	if w.closed {
		return nil, errors.New("wasm runtime closed")
	}
	if cm, ok := w.compiled[hash]; ok {
		return cm, nil
	}

	mod, err := w.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("invalid module: %w", err)
	}
	cm := &compiledModule{hash: hash, mod: mod}
	w.compiled[hash] = cm
	w.logger.Debug("compiled wasm module", slog.String("hash", hash), slog.Int("imports", len(mod.ImportedFunctions())))
	return cm, nil
}

// touch moves an unheld module to the back of the idle list and closes the
// oldest idle modules beyond the limit, sparing keep. Must be called with mu
// held.
func (w *Wasm) touch(ctx context.Context, cm, keep *compiledModule) {
	if cm.elem != nil {
		w.idle.MoveToBack(cm.elem)
	} else {
		cm.elem = w.idle.PushBack(cm)
	}
	for w.idle.Len() > w.idleLimit {
		front := w.idle.Front()
		if front.Value == keep {
			break
		}
		old := w.idle.Remove(front).(*compiledModule)
		old.elem = nil
		delete(w.compiled, old.hash)
		if err := old.mod.Close(ctx); err != nil {
			w.logger.Warn("close compiled wasm module", slog.String("hash", old.hash), slog.Any("error", err))
			continue
		}
		w.logger.Debug("evicted wasm module", slog.String("hash", old.hash))
	}
}

// Modules reports how many compiled modules are open, held or idle.
func (w *Wasm) Modules() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.compiled)
}

// Load checks the entry point and holds the compiled module until the
// instance closes. Instances of the module are created per invocation.
func (w *Wasm) Load(ctx context.Context, exe *compiler.Executable, caps *hostfunc.Registry) (unit.Instance, error) {
	if exe.Language != Name {
		return nil, &unit.LoadError{Identity: exe.Identity, Reason: "executable was not compiled for " + Name}
	}
	mod, err := w.acquire(ctx, exe.Hash, exe.Code)
	if err != nil {
		return nil, &unit.LoadError{Identity: exe.Identity, Reason: "compile", Err: err}
	}
	def, ok := mod.ExportedFunctions()[exe.Entry]
	if !ok {
		w.release(ctx, exe.Hash)
		return nil, &unit.LoadError{Identity: exe.Identity, Reason: fmt.Sprintf("module does not export %q", exe.Entry)}
	}
	if len(def.ParamTypes()) != 0 || len(def.ResultTypes()) > 1 {
		w.release(ctx, exe.Hash)
		return nil, &unit.LoadError{
			Identity: exe.Identity,
			Reason:   fmt.Sprintf("entry point %q must take no parameters and return at most one value, has %s", exe.Entry, signature(def.ParamTypes(), def.ResultTypes())),
		}
	}

	inst := &instance{w: w, hash: exe.Hash, mod: mod, caps: caps, entry: exe.Entry}
	if results := def.ResultTypes(); len(results) == 1 {
		inst.result = &results[0]
	}
	return inst, nil
}

// Close releases the runtime and the compilation cache.
func (w *Wasm) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.compiled = make(map[string]*compiledModule)
	w.idle.Init()

	ctx := context.Background()

	var errs []error
	if err := w.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if w.cache != nil {
		if err := w.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type instance struct {
	w      *Wasm
	hash   string
	mod    wazero.CompiledModule
	caps   *hostfunc.Registry
	entry  string
	result *wazapi.ValueType
	closed atomic.Bool
}

// Call instantiates the module, runs the entry point and closes the
// instance. Cancelling ctx closes the instance mid-run.
func (inst *instance) Call(ctx context.Context, inv *unit.Invocation) (any, error) {
	if inst.closed.Load() {
		return nil, unit.ErrDisposed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := &callState{caps: inst.caps}
	ctx = context.WithValue(ctx, callKey{}, st)

	cfg := wazero.NewModuleConfig().WithName("").WithStartFunctions()
	mod, err := inst.w.runtime.InstantiateModule(ctx, inst.mod, cfg)
	if err != nil {
		return nil, st.convert(ctx, err)
	}
	defer mod.Close(context.Background())

	results, err := mod.ExportedFunction(inst.entry).Call(ctx)
	if err != nil {
		return nil, st.convert(ctx, err)
	}
	if inst.result == nil || len(results) == 0 {
		return nil, nil
	}

	raw := results[0]
	switch *inst.result {
	case wazapi.ValueTypeI32:
		return int64(int32(raw)), nil
	case wazapi.ValueTypeI64:
		return int64(raw), nil
	case wazapi.ValueTypeF32:
		return float64(math.Float32frombits(uint32(raw))), nil
	case wazapi.ValueTypeF64:
		return math.Float64frombits(raw), nil
	default:
		return nil, nil
	}
}

func (inst *instance) Close(ctx context.Context) error {
	if inst.closed.CompareAndSwap(false, true) {
		inst.w.release(ctx, inst.hash)
	}
	return nil
}
