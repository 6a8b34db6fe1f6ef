// Package compiler turns script source into executables against the API
// artifact.
//
// Compilation is serialized: a single worker goroutine drains a FIFO queue,
// so at most one compile is in flight per [Compiler]. Languages plug in
// through the [Language] interface and only ever see a [Classpath] built
// from the artifact and their own stdlib.
package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codename/focuscript/artifact"
)

var (
	ErrClosed          = errors.New("compiler closed")
	ErrUnknownLanguage = errors.New("unknown language")
)

// Source is one captured compile input. It is never mutated after capture.
type Source struct {
	Identity string
	Language string
	// File names the source in diagnostics. Defaults to Identity.
	File string
	Text string
	// APIVersion the script declares. Zero means the current version.
	APIVersion int
}

// Hash is the sha256 of the source text.
func (s Source) Hash() string {
	sum := sha256.Sum256([]byte(s.Text))
	return hex.EncodeToString(sum[:])
}

func (s Source) file() string {
	if s.File != "" {
		return s.File
	}
	return s.Identity
}

// Executable is the output of a successful compile. Executables are shared
// between loads of identical source and must be treated as read-only.
type Executable struct {
	Identity string
	Language string
	Hash     string
	// Code is the unit image: generated source or module bytes.
	Code []byte
	// Entry is the symbol the loader verifies and invokes.
	Entry string
	// Capabilities lists the artifact namespaces the code references.
	Capabilities []string
	// Compiled holds the language's compiled form.
	Compiled any
}

// Result of one compile attempt.
type Result struct {
	Identity    string
	Executable  *Executable
	Diagnostics Diagnostics
	Duration    time.Duration
	Cached      bool
}

func (r Result) OK() bool {
	return r.Executable != nil && !r.Diagnostics.HasErrors()
}

// Err returns a *Error for failed results and nil otherwise.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &Error{Identity: r.Identity, Diagnostics: r.Diagnostics}
}

// Language compiles one source language.
type Language interface {
	Name() string
	// Stdlib lists global names the language runtime provides.
	Stdlib() []string
	Compile(ctx context.Context, src Source, cp *Classpath) (*Executable, Diagnostics)
}

type request struct {
	ctx    context.Context
	src    Source
	lang   Language
	key    string
	result chan Result
}

type cached struct {
	exe   *Executable
	diags Diagnostics
}

// Compiler serializes compiles through one worker and caches executables.
type Compiler struct {
	artifact   *artifact.Artifact
	cfg        config
	langs      map[string]Language
	classpaths map[string]*Classpath

	cache map[string]cached
	order []string
	mu    sync.RWMutex

	queue     chan *request
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts a compiler bound to the given artifact.
func New(a *artifact.Artifact, opts ...Option) *Compiler {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Compiler{
		artifact:   a,
		cfg:        cfg,
		langs:      make(map[string]Language),
		classpaths: make(map[string]*Classpath),
		cache:      make(map[string]cached),
		queue:      make(chan *request, cfg.queueSize),
		done:       make(chan struct{}),
	}
	for _, lang := range cfg.languages {
		c.Register(lang)
	}

	c.wg.Add(1)
	go c.worker()
	return c
}

// Register adds a language, replacing any with the same name.
func (c *Compiler) Register(lang Language) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.langs[lang.Name()] = lang
	c.classpaths[lang.Name()] = NewClasspath(c.artifact, lang.Stdlib())
}

// Languages returns registered language names, sorted.
func (c *Compiler) Languages() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.langs))
	for name := range c.langs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Artifact returns the artifact compiles resolve against.
func (c *Compiler) Artifact() *artifact.Artifact {
	return c.artifact
}

// Compile runs one compile attempt. It never panics and never returns a
// nil-diagnostic failure.
func (c *Compiler) Compile(ctx context.Context, src Source) Result {
	res := c.compile(ctx, src)
	res.Identity = src.Identity
	return res
}

func (c *Compiler) compile(ctx context.Context, src Source) Result {
	start := time.Now()
	loc := Location{File: src.file()}

	fail := func(d Diagnostic) Result {
		return Result{Diagnostics: Diagnostics{d}, Duration: time.Since(start)}
	}

	if strings.TrimSpace(src.Text) == "" {
		return fail(Errorf(loc, "script is empty"))
	}

	c.mu.RLock()
	lang, ok := c.langs[src.Language]
	c.mu.RUnlock()
	if !ok {
		return fail(Errorf(loc, "%v %q (available: %s)", ErrUnknownLanguage, src.Language, strings.Join(c.Languages(), ", ")))
	}

	if src.APIVersion > c.artifact.APIVersion {
		return fail(Errorf(loc, "script requires api %d, engine provides api %d", src.APIVersion, c.artifact.APIVersion))
	}

	key := c.cacheKey(src)
	if res, ok := c.lookup(key, src); ok {
		res.Duration = time.Since(start)
		return res
	}

	req := &request{ctx: ctx, src: src, lang: lang, key: key, result: make(chan Result, 1)}

	select {
	case c.queue <- req:
	case <-c.done:
		return fail(Errorf(loc, "%v", ErrClosed))
	case <-ctx.Done():
		return fail(Errorf(loc, "compile cancelled: %v", ctx.Err()))
	}

	select {
	case res := <-req.result:
		res.Duration = time.Since(start)
		return res
	case <-c.done:
		return fail(Errorf(loc, "%v", ErrClosed))
	case <-ctx.Done():
		return fail(Errorf(loc, "compile cancelled: %v", ctx.Err()))
	}
}

func (c *Compiler) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case req := <-c.queue:
			req.result <- c.run(req)
		}
	}
}

func (c *Compiler) run(req *request) (res Result) {
	loc := Location{File: req.src.file()}

	if err := req.ctx.Err(); err != nil {
		return Result{Diagnostics: Diagnostics{Errorf(loc, "compile cancelled: %v", err)}}
	}
	if hit, ok := c.lookup(req.key, req.src); ok {
		return hit
	}

	defer func() {
		if r := recover(); r != nil {
			c.cfg.logger.Error("compiler panic",
				slog.String("script", req.src.Identity),
				slog.String("language", req.src.Language),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			res = Result{Diagnostics: Diagnostics{Errorf(loc, "internal compiler error: %v", r)}}
		}
	}()

	c.mu.RLock()
	cp := c.classpaths[req.lang.Name()]
	c.mu.RUnlock()

	start := time.Now()
	exe, diags := req.lang.Compile(req.ctx, req.src, cp)
	if exe == nil && !diags.HasErrors() {
		diags = append(diags, Errorf(loc, "compiler produced no output"))
	}
	if diags.HasErrors() {
		exe = nil
	}

	c.cfg.logger.Debug("compiled script",
		slog.String("script", req.src.Identity),
		slog.String("language", req.src.Language),
		slog.Duration("duration", time.Since(start)),
		slog.Int("diagnostics", len(diags)),
		slog.Bool("ok", exe != nil))

	if exe != nil {
		c.store(req.key, cached{exe: exe, diags: diags})
	}
	return Result{Executable: exe, Diagnostics: diags}
}

func (c *Compiler) cacheKey(src Source) string {
	h := sha256.New()
	for _, part := range []string{
		"artifact:" + c.artifact.Digest(),
		"api:" + strconv.Itoa(src.APIVersion),
		"language:" + src.Language,
		"file:" + src.file(),
		"source:" + src.Text,
	} {
		fmt.Fprintf(h, "%d:%s", len(part), part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// lookup returns a cached result re-addressed to src.Identity.
func (c *Compiler) lookup(key string, src Source) (Result, bool) {
	c.mu.RLock()
	hit, ok := c.cache[key]
	c.mu.RUnlock()
	if !ok {
		return Result{}, false
	}

	exe := hit.exe
	if exe.Identity != src.Identity {
		clone := *exe
		clone.Identity = src.Identity
		exe = &clone
	}
	return Result{Executable: exe, Diagnostics: hit.diags, Cached: true}, true
}

func (c *Compiler) store(key string, entry cached) {
	if c.cfg.cacheSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.cache[key]; !exists {
		c.order = append(c.order, key)
	}
	c.cache[key] = entry
	for len(c.order) > c.cfg.cacheSize {
		delete(c.cache, c.order[0])
		c.order = c.order[1:]
	}
}

// Close stops the worker. Pending and later compiles fail with ErrClosed.
func (c *Compiler) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return nil
}
