package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for changes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports workspace directories whose files changed.
type Watcher struct {
	root     string
	debounce time.Duration
	logger   *slog.Logger
	onChange func(ctx context.Context, dirs []string)
	fsw      *fsnotify.Watcher
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

func WithWatchLogger(l *slog.Logger) WatchOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher watches every directory under root. onChange receives the
// workspace roots touched since the last call, sorted.
func NewWatcher(root string, onChange func(ctx context.Context, dirs []string), opts ...WatchOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		root:     root,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		onChange: onChange,
		fsw:      fsw,
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

// workspaceOf maps a changed path to the workspace root containing it.
func (w *Watcher) workspaceOf(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	if strings.HasPrefix(first, ".") {
		return "", false
	}
	return filepath.Join(w.root, first), true
}

// Run delivers changes until ctx ends, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()

	pending := make(map[string]bool)
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("watch new directory", slog.String("dir", event.Name), slog.Any("error", err))
					}
				}
			}
			dir, ok := w.workspaceOf(event.Name)
			if !ok {
				continue
			}
			pending[dir] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			dirs := make([]string, 0, len(pending))
			for d := range pending {
				dirs = append(dirs, d)
			}
			clear(pending)
			sort.Strings(dirs)
			w.logger.Debug("workspace change", slog.Any("dirs", dirs))
			w.onChange(ctx, dirs)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", slog.Any("error", err))
		}
	}
}

// ReloadTarget is a Target that can also drop scripts.
type ReloadTarget interface {
	Target
	Unload(ctx context.Context, identity string) error
}

// Reloader brings changed workspaces back in sync with a target. Pass
// its Reload method to NewWatcher.
type Reloader struct {
	target ReloadTarget
	logger *slog.Logger

	mu  sync.Mutex
	ids map[string]string
}

func NewReloader(target ReloadTarget, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{target: target, logger: logger, ids: make(map[string]string)}
}

// Track records which id each workspace root currently loads as.
func (r *Reloader) Track(workspaces ...*Workspace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ws := range workspaces {
		r.ids[filepath.Clean(ws.Root)] = ws.ID()
	}
}

// Reload re-reads each directory. A removed or disabled workspace is
// unloaded; a renamed one is unloaded under its old id first.
func (r *Reloader) Reload(ctx context.Context, dirs []string) {
	for _, dir := range dirs {
		dir = filepath.Clean(dir)
		r.mu.Lock()
		prev, known := r.ids[dir]
		r.mu.Unlock()

		ws, err := Open(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				if known {
					r.unload(ctx, dir, prev)
				}
				continue
			}
			r.logger.Error("reload workspace", slog.String("dir", dir), slog.Any("error", err))
			continue
		}

		if known && prev != ws.ID() {
			r.unload(ctx, dir, prev)
		}
		if !ws.Manifest.Enabled() {
			if known && prev == ws.ID() {
				r.unload(ctx, dir, prev)
			}
			continue
		}

		s := LoadOne(ctx, r.target, ws)
		report(r.logger, ws, s)
		if s.OK() {
			r.logger.Info("script reloaded", slog.String("script", ws.ID()), slog.Uint64("version", s.Version))
		}
		r.Track(ws)
	}
}

func (r *Reloader) unload(ctx context.Context, dir, id string) {
	if err := r.target.Unload(ctx, id); err != nil {
		r.logger.Error("unload script", slog.String("script", id), slog.Any("error", err))
	}
	r.mu.Lock()
	delete(r.ids, dir)
	r.mu.Unlock()
}
