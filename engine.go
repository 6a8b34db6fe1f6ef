package focuscript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codename/focuscript/api"
	"github.com/codename/focuscript/artifact"
	"github.com/codename/focuscript/compiler"
	"github.com/codename/focuscript/config"
	"github.com/codename/focuscript/executor"
	fslang "github.com/codename/focuscript/language/focuscript"
	"github.com/codename/focuscript/language/wasm"
	"github.com/codename/focuscript/manager"
	"github.com/codename/focuscript/unit"
	"github.com/codename/focuscript/workspace"
)

// Engine is a fully wired script host.
type Engine struct {
	Artifact *artifact.Artifact
	Compiler *compiler.Compiler
	Loader   *unit.Loader
	Sandbox  *executor.Sandbox
	Manager  *manager.Manager

	cfg      config.Config
	logger   *slog.Logger
	wasm     *wasm.Wasm
	reloader *workspace.Reloader
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger *slog.Logger
	server api.Server
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithServer attaches the host server behind the server namespace.
func WithServer(srv api.Server) Option {
	return func(o *options) {
		o.server = srv
	}
}

// New builds an engine from cfg.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	a, err := artifact.Embedded()
	if err != nil {
		return nil, fmt.Errorf("load api artifact: %w", err)
	}

	wasmOpts := []wasm.Option{
		wasm.WithLogger(o.logger),
		wasm.WithMemoryLimit(cfg.Wasm.MemoryLimitPages),
		wasm.WithIdleModules(cfg.Wasm.IdleModules),
	}
	if cfg.Wasm.CacheDir != "" {
		wasmOpts = append(wasmOpts, wasm.WithDiskCache(cfg.Wasm.CacheDir))
	}
	wasmLang, err := wasm.New(wasmOpts...)
	if err != nil {
		return nil, fmt.Errorf("init wasm: %w", err)
	}
	fsLang := fslang.New()

	comp := compiler.New(a,
		compiler.WithLanguages(fsLang, wasmLang),
		compiler.WithCacheSize(cfg.CacheSize),
		compiler.WithLogger(o.logger))
	loader := unit.NewLoader(unit.WithLogger(o.logger), unit.WithBackends(fsLang, wasmLang))
	sandbox := executor.New(
		executor.WithLogger(o.logger),
		executor.WithDefaultTimeout(cfg.Timeout),
		executor.WithDefaultGrace(cfg.Grace))

	mgrOpts := []manager.Option{
		manager.WithLogger(o.logger),
		manager.WithSandbox(sandbox),
		manager.WithMaxTimeouts(cfg.MaxTimeouts),
		manager.WithDefaultPermissions(cfg.Permissions...),
		manager.WithStorageDir(cfg.StorageDir),
	}
	if o.server != nil {
		mgrOpts = append(mgrOpts, manager.WithServer(o.server))
	}
	mgr := manager.New(comp, loader, mgrOpts...)

	return &Engine{
		Artifact: a,
		Compiler: comp,
		Loader:   loader,
		Sandbox:  sandbox,
		Manager:  mgr,
		cfg:      cfg,
		logger:   o.logger,
		wasm:     wasmLang,
		reloader: workspace.NewReloader(mgr, o.logger),
	}, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// LoadWorkspaces scans the scripts directory and loads every enabled
// workspace in dependency order.
func (e *Engine) LoadWorkspaces(ctx context.Context) ([]workspace.Outcome, error) {
	found, errs := workspace.Scan(e.cfg.ScriptsDir)
	for _, err := range errs {
		e.logger.Error("read workspace", slog.Any("error", err))
	}
	if len(found) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	plan := workspace.Resolve(found)
	outcomes := workspace.Apply(ctx, e.Manager, plan, e.logger)
	e.reloader.Track(plan.Order...)

	loaded := 0
	for _, o := range outcomes {
		if o.OK() {
			loaded++
		}
	}
	e.logger.Info("workspaces loaded",
		slog.Int("loaded", loaded),
		slog.Int("failed", len(outcomes)-loaded),
		slog.Int("disabled", len(plan.Disabled)))
	return outcomes, nil
}

// Watch reloads workspaces as their files change until ctx ends.
func (e *Engine) Watch(ctx context.Context, opts ...workspace.WatchOption) error {
	opts = append([]workspace.WatchOption{workspace.WithWatchLogger(e.logger)}, opts...)
	w, err := workspace.NewWatcher(e.cfg.ScriptsDir, e.reloader.Reload, opts...)
	if err != nil {
		return err
	}
	e.logger.Info("watching workspaces", slog.String("dir", e.cfg.ScriptsDir))
	return w.Run(ctx)
}

// Close unloads every script and releases the language runtimes.
func (e *Engine) Close(ctx context.Context) error {
	return errors.Join(
		e.Manager.Close(ctx),
		e.Compiler.Close(),
		e.wasm.Close(),
	)
}
