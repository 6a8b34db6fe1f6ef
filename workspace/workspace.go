// Package workspace discovers script workspaces on disk and loads them into
// a manager in dependency order.
//
// A workspace is a directory holding a script.yml manifest and the entry
// source it names:
//
//	scripts/
//	  greeter/
//	    script.yml
//	    src/main.fs
//
// [Scan] reads every workspace under a directory, [Resolve] orders them so
// dependencies load first, and [Apply] pushes them into a [Target].
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codename/focuscript/compiler"
	"github.com/codename/focuscript/language/focuscript"
	"github.com/codename/focuscript/language/wasm"
	"github.com/codename/focuscript/manager"
)

// Workspace is one script directory.
type Workspace struct {
	Root     string
	Manifest *Manifest
}

// Open reads the workspace rooted at dir.
func Open(dir string) (*Workspace, error) {
	f, err := os.Open(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("open workspace %s: %w", dir, err)
	}
	defer f.Close()

	m, err := ParseManifest(f)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", dir, err)
	}
	return &Workspace{Root: dir, Manifest: m}, nil
}

func (w *Workspace) ID() string {
	return w.Manifest.ID
}

// EntryPath is the absolute location of the entry source.
func (w *Workspace) EntryPath() string {
	return filepath.Join(w.Root, filepath.FromSlash(w.Manifest.Entry))
}

// Language is the manifest's language, or the one implied by the entry's
// extension.
func (w *Workspace) Language() string {
	if w.Manifest.Language != "" {
		return w.Manifest.Language
	}
	if strings.EqualFold(filepath.Ext(w.Manifest.Entry), ".wasm") {
		return wasm.Name
	}
	return focuscript.Name
}

// Source reads the entry source.
func (w *Workspace) Source() (string, error) {
	data, err := os.ReadFile(w.EntryPath())
	if err != nil {
		return "", fmt.Errorf("read entry of %s: %w", w.ID(), err)
	}
	return string(data), nil
}

// LoadOptions are the manager options implied by the manifest.
func (w *Workspace) LoadOptions() []manager.LoadOption {
	return []manager.LoadOption{
		manager.WithLanguage(w.Language()),
		manager.WithFile(filepath.ToSlash(filepath.Join(filepath.Base(w.Root), w.Manifest.Entry))),
		manager.WithAPIVersion(w.Manifest.API),
		manager.WithPermissions(w.Manifest.Permissions...),
		manager.WithConfig(w.Manifest.Config),
		manager.WithEvents(w.Manifest.Events...),
		manager.WithCommands(w.Manifest.Commands...),
	}
}

// Scan opens every workspace directly under dir. Unreadable workspaces and
// duplicate ids are reported in errs and left out; the rest are returned
// sorted by id.
func Scan(dir string) (found []*Workspace, errs []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("scan %s: %w", dir, err)}
	}

	byID := make(map[string]*Workspace)
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		root := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(root, ManifestFile)); errors.Is(err, os.ErrNotExist) {
			continue
		}
		ws, err := Open(root)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := byID[ws.ID()]; dup {
			errs = append(errs, fmt.Errorf("duplicate script id %q in %s and %s", ws.ID(), prev.Root, ws.Root))
			continue
		}
		byID[ws.ID()] = ws
	}

	for _, ws := range byID {
		found = append(found, ws)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ID() < found[j].ID() })
	return found, errs
}

// Plan is the load order of a set of workspaces.
type Plan struct {
	// Order lists enabled workspaces with every dependency before its
	// dependents.
	Order []*Workspace
	// Missing maps a workspace id to dependencies that are not enabled.
	Missing map[string][]string
	// Cyclic lists ids whose dependencies form a cycle.
	Cyclic   []string
	Disabled []string
}

// Resolve orders the enabled workspaces by their dependencies. Ties are
// broken by id so the order is stable.
func Resolve(all []*Workspace) *Plan {
	plan := &Plan{Missing: make(map[string][]string)}

	enabled := make(map[string]*Workspace)
	for _, ws := range all {
		if ws.Manifest.Enabled() {
			enabled[ws.ID()] = ws
		} else {
			plan.Disabled = append(plan.Disabled, ws.ID())
		}
	}

	// Dropping a workspace can strand its dependents, so repeat until
	// nothing changes.
	for changed := true; changed; {
		changed = false
		for id, ws := range enabled {
			for _, dep := range ws.Manifest.Depends {
				if _, ok := enabled[dep]; !ok {
					plan.Missing[id] = append(plan.Missing[id], dep)
				}
			}
			if len(plan.Missing[id]) > 0 {
				delete(enabled, id)
				changed = true
			}
		}
	}

	indegree := make(map[string]int, len(enabled))
	dependents := make(map[string][]string)
	for id := range enabled {
		indegree[id] = 0
	}
	for id, ws := range enabled {
		for _, dep := range ws.Manifest.Depends {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		plan.Order = append(plan.Order, enabled[id])

		next := dependents[id]
		sort.Strings(next)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
		delete(indegree, id)
	}

	for id := range indegree {
		plan.Cyclic = append(plan.Cyclic, id)
	}
	sort.Strings(plan.Cyclic)
	sort.Strings(plan.Disabled)
	for id := range plan.Missing {
		sort.Strings(plan.Missing[id])
	}
	return plan
}

// Target receives workspace loads. *manager.Manager implements it.
type Target interface {
	Load(ctx context.Context, identity, text string, opts ...manager.LoadOption) manager.Summary
}

// Outcome of applying one workspace.
type Outcome struct {
	ID      string
	Summary manager.Summary
	// Skipped is set when the workspace was not loaded at all.
	Skipped string
}

func (o Outcome) OK() bool {
	return o.Skipped == "" && o.Summary.OK()
}

// Apply loads the plan's workspaces in order. A workspace whose
// dependency failed is skipped.
func Apply(ctx context.Context, target Target, plan *Plan, logger *slog.Logger) []Outcome {
	if logger == nil {
		logger = slog.Default()
	}

	for id, deps := range plan.Missing {
		logger.Error("skipping script with missing dependencies", slog.String("script", id), slog.Any("missing", deps))
	}
	if len(plan.Cyclic) > 0 {
		logger.Error("unresolved script dependencies (cycle)", slog.Any("scripts", plan.Cyclic))
	}

	failed := make(map[string]bool)
	outcomes := make([]Outcome, 0, len(plan.Order))
	for _, ws := range plan.Order {
		out := Outcome{ID: ws.ID()}
		for _, dep := range ws.Manifest.Depends {
			if failed[dep] {
				out.Skipped = fmt.Sprintf("dependency %s did not load", dep)
				break
			}
		}
		if out.Skipped == "" {
			if err := ctx.Err(); err != nil {
				out.Skipped = err.Error()
			}
		}
		if out.Skipped != "" {
			failed[ws.ID()] = true
			logger.Warn("script skipped", slog.String("script", ws.ID()), slog.String("reason", out.Skipped))
			outcomes = append(outcomes, out)
			continue
		}

		out.Summary = LoadOne(ctx, target, ws)
		if !out.Summary.OK() {
			failed[ws.ID()] = true
		}
		report(logger, ws, out.Summary)
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// LoadOne reads a workspace's source and loads it into target.
func LoadOne(ctx context.Context, target Target, ws *Workspace) manager.Summary {
	text, err := ws.Source()
	if err != nil {
		return manager.Summary{Identity: ws.ID(), State: manager.StateUnloaded, Err: err}
	}
	return target.Load(ctx, ws.ID(), text, ws.LoadOptions()...)
}

func report(logger *slog.Logger, ws *Workspace, s manager.Summary) {
	if s.OK() {
		if ws.Manifest.Debug && len(s.Diagnostics) > 0 {
			logger.Info("script diagnostics",
				slog.String("script", ws.ID()),
				slog.String("diagnostics", s.Diagnostics.Summary(compiler.MaxSummaryLines)))
		}
		return
	}
	attrs := []any{slog.String("script", ws.ID()), slog.Any("error", s.Err)}
	if len(s.Diagnostics) > 0 {
		attrs = append(attrs, slog.String("diagnostics", s.Diagnostics.Summary(compiler.MaxSummaryLines)))
	}
	logger.Error("script failed to load", attrs...)
}
