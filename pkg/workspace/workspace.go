// Package workspace chooses the ephemeral working directory of a build run.
//
// A runtime build bakes its workspace path into the install tree, so a run
// that wants to reuse a cached runtime asks for the recorded path back. The
// recorded path is only adopted when it lies inside the temp root and carries
// the ownership marker written when this tool created it; otherwise a fresh
// directory is made.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"rbpack-tools/go/pkg/fsutil"
	"rbpack-tools/go/pkg/logbowl"
)

// MarkerFile is written at the top of every workspace this tool creates.
const MarkerFile = ".rbpack-workspace"

// DirPrefix starts the name of every freshly created workspace.
const DirPrefix = "rbpack-"

var (
	ErrContainment = errors.New("workspace path outside temp root")
	ErrNotOwned    = errors.New("workspace has no ownership marker")
)

// Origin tells how Acquire obtained the workspace.
type Origin int

const (
	Created Origin = iota
	Reused
	Recreated
)

func (o Origin) String() string {
	switch o {
	case Created:
		return "created"
	case Reused:
		return "reused"
	case Recreated:
		return "recreated"
	}
	return fmt.Sprintf("origin(%d)", int(o))
}

// Options configures Acquire.
type Options struct {
	// TempRoot is the directory workspaces live under. Defaults to os.TempDir().
	TempRoot string
	// Recorded is the workspace path pinned by a cached runtime build, if any.
	Recorded string
	Log      logbowl.Logger
}

// Workspace is the working directory of one run.
type Workspace struct {
	Path   string
	RunID  string
	Origin Origin

	root string
	log  logbowl.Logger
}

type marker struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Acquire returns the recorded workspace when it can be safely reused or
// recreated, and a new one otherwise.
func Acquire(opts Options) (*Workspace, error) {
	root, err := canonicalRoot(opts.TempRoot)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()

	if opts.Recorded != "" {
		ws, err := adopt(root, opts.Recorded, runID, opts.Log)
		if err == nil {
			return ws, nil
		}
		opts.Log.Warn("workspace", "acquire", "warning", "Recorded workspace not usable, creating a new one",
			"recorded", opts.Recorded, "error", err)
	}
	return create(root, runID, opts.Log)
}

// Root returns the canonical temp root the workspace was validated against.
func (w *Workspace) Root() string {
	return w.root
}

// Join returns a path inside the workspace.
func (w *Workspace) Join(elem ...string) string {
	return filepath.Join(append([]string{w.Path}, elem...)...)
}

// Release removes the workspace. Containment and the marker are checked again
// first; a directory that fails either check is left alone.
func (w *Workspace) Release() error {
	if w == nil {
		return nil
	}
	if err := checkContained(w.root, w.Path); err != nil {
		return err
	}
	if _, err := readMarker(w.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: %s: %v", ErrNotOwned, w.Path, err)
	}
	if err := os.RemoveAll(w.Path); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	w.log.Debug("workspace", "delete", "success", "Workspace removed", "path", w.Path)
	return nil
}

func canonicalRoot(tempRoot string) (string, error) {
	if tempRoot == "" {
		tempRoot = os.TempDir()
	}
	abs, err := filepath.Abs(tempRoot)
	if err != nil {
		return "", fmt.Errorf("resolving temp root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("creating temp root: %w", err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving temp root: %w", err)
	}
	return root, nil
}

// checkContained requires path to be a clean absolute path strictly below
// root whose resolved form is the path itself.
func checkContained(root, path string) error {
	if !filepath.IsAbs(path) || filepath.Clean(path) != path {
		return fmt.Errorf("%w: %q is not a clean absolute path", ErrContainment, path)
	}
	if !fsutil.Within(root, path) {
		return fmt.Errorf("%w: %s is not inside %s", ErrContainment, path, root)
	}
	resolved, err := fsutil.ResolveWithin(root, path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContainment, err)
	}
	if resolved != path {
		return fmt.Errorf("%w: %s resolves to %s", ErrContainment, path, resolved)
	}
	return nil
}

func adopt(root, recorded, runID string, log logbowl.Logger) (*Workspace, error) {
	if err := checkContained(root, recorded); err != nil {
		return nil, err
	}
	info, err := os.Lstat(recorded)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %s is not a directory", ErrNotOwned, recorded)
		}
		if _, err := readMarker(recorded); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotOwned, recorded)
		}
		if err := writeMarker(recorded, runID); err != nil {
			return nil, err
		}
		log.Info("workspace", "acquire", "cached", "Reusing recorded workspace", "path", recorded)
		return &Workspace{Path: recorded, RunID: runID, Origin: Reused, root: root, log: log}, nil

	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(recorded, 0o700); err != nil {
			return nil, fmt.Errorf("recreating %s: %w", recorded, err)
		}
		if err := writeMarker(recorded, runID); err != nil {
			return nil, err
		}
		log.Info("workspace", "create", "success", "Recreated recorded workspace", "path", recorded)
		return &Workspace{Path: recorded, RunID: runID, Origin: Recreated, root: root, log: log}, nil

	default:
		return nil, err
	}
}

func create(root, runID string, log logbowl.Logger) (*Workspace, error) {
	path := filepath.Join(root, DirPrefix+runID)
	if err := os.Mkdir(path, 0o700); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	if err := writeMarker(path, runID); err != nil {
		_ = os.RemoveAll(path)
		return nil, err
	}
	log.Info("workspace", "create", "success", "Created workspace", "path", path)
	return &Workspace{Path: path, RunID: runID, Origin: Created, root: root, log: log}, nil
}

func writeMarker(dir, runID string) error {
	data, err := json.Marshal(marker{RunID: runID, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, MarkerFile), data, 0o600); err != nil {
		return fmt.Errorf("writing workspace marker: %w", err)
	}
	return nil
}

func readMarker(dir string) (*marker, error) {
	data, err := os.ReadFile(filepath.Join(dir, MarkerFile))
	if err != nil {
		return nil, err
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(m.RunID); err != nil {
		return nil, fmt.Errorf("marker run id: %w", err)
	}
	return &m, nil
}
