package stages

import (
	"fmt"
	"path/filepath"

	"rbpack-tools/go/pkg/actions"
	"rbpack-tools/go/pkg/buildcache"
	"rbpack-tools/go/pkg/config"
	"rbpack-tools/go/pkg/logbowl"
	"rbpack-tools/go/pkg/pathcodec"
	"rbpack-tools/go/pkg/workspace"
)

// Env is everything the stages of one run share.
type Env struct {
	Config    *config.Config
	Store     *buildcache.Store
	Workspace *workspace.Workspace
	Actions   actions.Set
	Log       logbowl.Logger
}

// Open prepares the environment of a run: it opens the cache and acquires a
// workspace, pinned to the path a cached runtime build recorded unless
// caching is disabled.
func Open(cfg *config.Config, acts actions.Set, log logbowl.Logger) (*Env, error) {
	store, err := buildcache.Open(cfg.CacheRoot, log.Named("cache"))
	if err != nil {
		return nil, err
	}

	recorded := ""
	if !cfg.NoCache {
		rec, err := store.RuntimeRecord(cfg.RuntimeVersion)
		switch {
		case err != nil:
			log.Warn("workspace", "read", "warning", "Ignoring unreadable runtime record", "version", cfg.RuntimeVersion, "error", err)
		case rec != nil:
			recorded = rec.Path
		}
	}

	ws, err := workspace.Acquire(workspace.Options{TempRoot: cfg.TempRoot, Recorded: recorded, Log: log.Named("workspace")})
	if err != nil {
		return nil, fmt.Errorf("acquiring workspace: %w", err)
	}
	return &Env{Config: cfg, Store: store, Workspace: ws, Actions: acts, Log: log}, nil
}

// Close releases the workspace unless it is to be kept.
func (e *Env) Close() error {
	if e.Config.KeepWorkspace {
		e.Log.Info("workspace", "release", "skip", "Keeping workspace", "path", e.Workspace.Path)
		return nil
	}
	return e.Workspace.Release()
}

// Workspace layout.
const (
	BundleDirName   = "bundle"
	ConfigDirName   = ".bundle"
	ObjectDirName   = "objects"
	BuildDirName    = "ruby-build"
	StubDirName     = "stub"
	BlobName        = "vfs.blob"
	ExecutableName  = "a.out"
	GemfileBaseName = "Gemfile"
)

// InstallDir is where the private Ruby is installed.
func (e *Env) InstallDir() string { return e.Workspace.Join(buildcache.InstallAnchor) }

// BuildDir is the runtime build-output root.
func (e *Env) BuildDir() string {
	if e.Config.BuildDir != "" {
		return e.Config.BuildDir
	}
	return e.Workspace.Join(BuildDirName)
}

func (e *Env) BundleDir() string { return e.Workspace.Join(BundleDirName) }
func (e *Env) ConfigDir() string { return e.Workspace.Join(ConfigDirName) }
func (e *Env) ObjectDir() string { return e.Workspace.Join(ObjectDirName) }

// Codec rewrites cached paths against this run's roots.
func (e *Env) Codec() *pathcodec.Codec {
	return pathcodec.New(
		pathcodec.Roots{pathcodec.TagWork: e.Workspace.Path, pathcodec.TagRuby: e.BuildDir()},
		map[string]string{buildcache.InstallAnchor: e.Workspace.Path},
	)
}

func (e *Env) gemfile() string {
	return filepath.Join(filepath.Dir(e.Config.LockFile), GemfileBaseName)
}
