// Package watch re-runs extraction for blocks whose interface documents
// change on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"alarmsync/engine"
	"alarmsync/logging"
	"alarmsync/project"
	"alarmsync/selection"
)

// DefaultDebounce is used when no debounce interval is configured.
const DefaultDebounce = 500 * time.Millisecond

// Runner is the part of the engine the watcher drives.
type Runner interface {
	Run(ctx context.Context, refs []string) (*engine.Report, error)
	ReloadProject() error
}

// Watcher watches a workspace. A change to a block's interface document
// queues a block selection for that block; a change to the project file
// reloads the project first. Queued selections run together once no event
// arrived for the debounce interval.
type Watcher struct {
	ws       *project.Workspace
	runner   Runner
	debounce time.Duration
	logFn    func(format string, args ...interface{})

	mu      sync.Mutex
	targets map[string]string // cleaned interface path -> block selection
	dirs    map[string]bool

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	done     chan struct{}
}

// New creates a watcher for ws.
func New(ws *project.Workspace, runner Runner, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		ws:       ws,
		runner:   runner,
		debounce: debounce,
		targets:  make(map[string]string),
		dirs:     make(map[string]bool),
	}
}

// SetLogFunc sets the callback for operator-facing log lines.
func (w *Watcher) SetLogFunc(fn func(format string, args ...interface{})) {
	w.logFn = fn
}

func (w *Watcher) log(format string, args ...interface{}) {
	if w.logFn != nil {
		w.logFn(format, args...)
	}
	logging.DebugLog("watch", format, args...)
}

// Start begins watching. It returns once the initial watch set is in place.
func (w *Watcher) Start(ctx context.Context) error {
	if w.watcher != nil {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = fw
	w.mu.Lock()
	w.dirs = make(map[string]bool)
	w.mu.Unlock()

	if err := w.add(w.ws.Dir()); err != nil {
		fw.Close()
		w.watcher = nil
		return fmt.Errorf("failed to watch workspace: %w", err)
	}
	if err := w.rebuild(ctx); err != nil {
		w.log("Watch: %v", err)
	}

	w.stopChan = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx)

	w.log("Watching %s", w.ws.Dir())
	return nil
}

// Stop halts the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	close(w.stopChan)
	w.watcher.Close()
	<-w.done
	w.watcher = nil
}

// Targets returns a copy of the interface path to selection map.
func (w *Watcher) Targets() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.targets))
	for k, v := range w.targets {
		out[k] = v
	}
	return out
}

func (w *Watcher) add(dir string) error {
	w.mu.Lock()
	seen := w.dirs[dir]
	w.dirs[dir] = true
	w.mu.Unlock()
	if seen || w.watcher == nil {
		return nil
	}
	return w.watcher.Add(dir)
}

// rebuild maps every global data block's interface document to its block
// selection and watches the directories holding them.
func (w *Watcher) rebuild(ctx context.Context) error {
	p, err := w.ws.Project(ctx)
	if err != nil {
		return err
	}

	targets := make(map[string]string)
	for _, plc := range p.PLCs() {
		walkGroups(&plc.Blocks, nil, func(path []string, b *project.Block) {
			if !b.IsGlobalDB() {
				return
			}
			file := w.ws.InterfacePath(b)
			if file == "" {
				return
			}
			sel := selection.Selection{Kind: selection.KindBlock, Owner: plc.Name, Path: path, Block: b.Name}
			targets[filepath.Clean(file)] = sel.String()
		})
	}

	w.mu.Lock()
	w.targets = targets
	w.mu.Unlock()

	for file := range targets {
		if err := w.add(filepath.Dir(file)); err != nil {
			logging.DebugLog("watch", "cannot watch %s: %v", filepath.Dir(file), err)
		}
	}
	logging.DebugLog("watch", "watching %d interface documents", len(targets))
	return nil
}

// walkGroups visits every block below g with the group path relative to g.
func walkGroups(g *project.BlockGroup, path []string, fn func([]string, *project.Block)) {
	for _, b := range g.Blocks {
		fn(path, b)
	}
	for _, child := range g.Groups {
		sub := append(append([]string(nil), path...), child.Name)
		walkGroups(child, sub, fn)
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	pending := make(map[string]bool)
	reload := false

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Clean(event.Name)
			if name == filepath.Clean(w.ws.File()) {
				reload = true
			} else if ref, ok := w.lookup(name); ok {
				pending[ref] = true
			} else {
				continue
			}
			debounceTimer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log("Watch error: %v", err)

		case <-debounceTimer.C:
			if reload {
				reload = false
				if err := w.runner.ReloadProject(); err != nil {
					w.log("Project reload failed: %v", err)
				} else if err := w.rebuild(ctx); err != nil {
					w.log("Watch: %v", err)
				}
			}
			if len(pending) == 0 {
				continue
			}
			if w.flush(ctx, pending) {
				pending = make(map[string]bool)
			} else {
				debounceTimer.Reset(w.debounce)
			}

		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) lookup(name string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ref, ok := w.targets[name]
	return ref, ok
}

// flush runs the pending selections. It returns false when the run must be
// retried later because another run holds the engine.
func (w *Watcher) flush(ctx context.Context, pending map[string]bool) bool {
	refs := make([]string, 0, len(pending))
	for ref := range pending {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	w.log("Interface changed: %s", strings.Join(refs, ", "))
	rep, err := w.runner.Run(ctx, refs)
	switch {
	case errors.Is(err, engine.ErrRunInProgress):
		logging.DebugLog("watch", "run in progress, retrying %v", refs)
		return false
	case err != nil:
		w.log("Watch run failed: %v", err)
	case rep != nil:
		w.log("Watch run %s: %d blocks, %d failed", rep.ID, len(rep.Triples), rep.Failed)
	}
	return true
}
