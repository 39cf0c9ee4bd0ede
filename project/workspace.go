package project

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"alarmsync/logging"
)

// FileName is the project description inside a workspace directory.
const FileName = "project.yaml"

// ErrNoProject is returned when the workspace has no project description.
var ErrNoProject = errors.New("no project in workspace")

// CompileError reports a block that failed to compile.
type CompileError struct {
	Block  string
	Reason string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %s", e.Block, e.Reason)
}

// Workspace is a directory holding project.yaml and the interface documents
// it references. It provides the host operations used during a run.
type Workspace struct {
	mu      sync.Mutex
	dir     string
	file    string
	project *Project
}

// Open loads the workspace at path, which is either the workspace directory
// or the project file itself. A missing project file is not an error;
// Project reports ErrNoProject until one is written and reloaded.
func Open(path string) (*Workspace, error) {
	w := &Workspace{dir: path, file: filepath.Join(path, FileName)}
	if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
		w.dir, w.file = filepath.Dir(path), path
	}
	if err := w.Reload(); err != nil && !errors.Is(err, ErrNoProject) {
		return nil, err
	}
	return w, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string {
	return w.dir
}

// File returns the project file path.
func (w *Workspace) File() string {
	return w.file
}

// Reload re-reads the project file.
func (w *Workspace) Reload() error {
	p, err := Load(w.file)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.project = nil
		return err
	}
	w.project = p
	logging.DebugLog("project", "loaded project %q from %s", p.Name, w.dir)
	return nil
}

// Load reads and validates a project description.
func Load(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoProject
		}
		return nil, fmt.Errorf("read project: %w", err)
	}
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse project %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Save writes the current project back to the project file.
func (w *Workspace) Save() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.project == nil {
		return ErrNoProject
	}
	data, err := yaml.Marshal(w.project)
	if err != nil {
		return fmt.Errorf("marshal project: %w", err)
	}
	return os.WriteFile(w.file, data, 0644)
}

// Project returns the loaded project.
func (w *Workspace) Project(ctx context.Context) (*Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.project == nil {
		return nil, ErrNoProject
	}
	return w.project, nil
}

// Consistent reports whether the block is compiled.
func (w *Workspace) Consistent(b *Block) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !b.Inconsistent
}

// Compile brings an inconsistent block up to date. Blocks carrying a
// compile error stay inconsistent.
func (w *Workspace) Compile(ctx context.Context, b *Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if b.CompileError != "" {
		return &CompileError{Block: b.Name, Reason: b.CompileError}
	}
	b.Inconsistent = false
	logging.DebugLog("project", "compiled %s", b.Name)
	return nil
}

// InterfacePath returns the absolute path of the block's interface document.
func (w *Workspace) InterfacePath(b *Block) string {
	if b.Interface == "" {
		return ""
	}
	if filepath.IsAbs(b.Interface) {
		return b.Interface
	}
	return filepath.Join(w.dir, b.Interface)
}

// ExportInterface writes the block's interface document to dest.
func (w *Workspace) ExportInterface(ctx context.Context, b *Block, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src := w.InterfacePath(b)
	if src == "" {
		return fmt.Errorf("block %s has no interface document", b.Name)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("export %s: %w", b.Name, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("export %s: %w", b.Name, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("export %s: %w", b.Name, err)
	}
	return out.Close()
}
