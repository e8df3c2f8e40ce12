// Package stages wires the concrete build steps of a packaged executable onto
// the generic pipeline: the private runtime, package resolution, native
// modules, linker input collection and the final link.
package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"rbpack-tools/go/pkg/actions"
	"rbpack-tools/go/pkg/buildcache"
	"rbpack-tools/go/pkg/fsutil"
	"rbpack-tools/go/pkg/pipeline"
	"rbpack-tools/go/pkg/vfsblob"
)

// Stage names.
const (
	NameRuntime    = "runtime"
	NamePackages   = "packages"
	NameNative     = "native"
	NameLinkInputs = "link-inputs"
	NameLink       = "link"
)

// ErrNoRubySource is returned when the runtime must be built but no source
// tree is configured.
var ErrNoRubySource = errors.New("ruby_source is required to build the runtime")

type RuntimeOutputs struct {
	InstallDir string
	RubyBin    string
	Version    string
}

type PackageOutputs struct {
	BundleDir string
	ConfigDir string
	Gems      int
	// Present is false when the project has no lock file.
	Present bool
}

type NativeOutputs struct {
	ObjectDir     string
	Registrations []buildcache.Registration
	Vendored      []string
	Present       bool
}

// LinkInputOutputs are linker inputs expressed against the current workspace.
type LinkInputOutputs struct {
	Inputs     actions.LinkInputs
	RubyPrefix string
}

type LinkOutputs struct {
	Executable string
	Blob       string
}

// Pipeline is the set of stages of one build.
type Pipeline struct {
	env      *Env
	lockHash string
	hasLock  bool

	Runtime    *pipeline.Stage[RuntimeOutputs]
	Packages   *pipeline.Stage[PackageOutputs]
	Native     *pipeline.Stage[NativeOutputs]
	LinkInputs *pipeline.Stage[LinkInputOutputs]
	Link       *pipeline.Stage[LinkOutputs]
}

// New builds the stages for env. The lock file is hashed once, up front.
func New(env *Env) (*Pipeline, error) {
	hash, ok, err := buildcache.HashLockFile(env.Config.LockFile)
	if err != nil {
		return nil, err
	}
	if !ok {
		hash = buildcache.ContentHash(nil)
	}
	p := &Pipeline{env: env, lockHash: hash, hasLock: ok}

	p.Runtime = &pipeline.Stage[RuntimeOutputs]{
		Name:   NameRuntime,
		Decide: p.decideRuntime,
		Strategies: map[pipeline.StrategyKind]pipeline.Strategy[RuntimeOutputs]{
			pipeline.RestoreFromCache: p.restoreRuntime,
			pipeline.BuildFromSource:  p.buildRuntime,
		},
	}
	p.Packages = &pipeline.Stage[PackageOutputs]{
		Name:   NamePackages,
		Decide: p.decideCached(buildcache.PackagesSchema, p.hasLock),
		Strategies: map[pipeline.StrategyKind]pipeline.Strategy[PackageOutputs]{
			pipeline.RestoreFromCache: p.restorePackages,
			pipeline.BuildFromSource:  p.buildPackages,
			pipeline.Skip: func(context.Context, *pipeline.Run) (PackageOutputs, error) {
				return PackageOutputs{}, nil
			},
		},
	}
	p.Native = &pipeline.Stage[NativeOutputs]{
		Name:   NameNative,
		Decide: p.decideCached(buildcache.NativeSchema, p.hasLock),
		Strategies: map[pipeline.StrategyKind]pipeline.Strategy[NativeOutputs]{
			pipeline.RestoreFromCache: p.restoreNative,
			pipeline.BuildFromSource:  p.buildNative,
			pipeline.Skip: func(context.Context, *pipeline.Run) (NativeOutputs, error) {
				return NativeOutputs{}, nil
			},
		},
	}
	p.LinkInputs = &pipeline.Stage[LinkInputOutputs]{
		Name:   NameLinkInputs,
		Decide: p.decideCached(buildcache.LinkInputsSchema, true),
		Strategies: map[pipeline.StrategyKind]pipeline.Strategy[LinkInputOutputs]{
			pipeline.RestoreFromCache: p.restoreLinkInputs,
			pipeline.BuildFromSource:  p.collectLinkInputs,
		},
	}
	p.Link = &pipeline.Stage[LinkOutputs]{
		Name: NameLink,
		Decide: func(context.Context, *pipeline.Run) (pipeline.StrategyKind, error) {
			return pipeline.BuildFromSource, nil
		},
		Strategies: map[pipeline.StrategyKind]pipeline.Strategy[LinkOutputs]{
			pipeline.BuildFromSource: p.link,
		},
	}
	return p, nil
}

func (p *Pipeline) key(kind buildcache.StageKind) buildcache.Key {
	return buildcache.Key{Kind: kind, RuntimeVersion: p.env.Config.RuntimeVersion, ContentHash: p.lockHash}
}

// decideCached skips when the stage does not apply, restores on a hit and
// builds otherwise.
func (p *Pipeline) decideCached(schema buildcache.Schema, applies bool) func(context.Context, *pipeline.Run) (pipeline.StrategyKind, error) {
	return func(context.Context, *pipeline.Run) (pipeline.StrategyKind, error) {
		switch {
		case !applies:
			return pipeline.Skip, nil
		case p.env.Config.NoCache:
			return pipeline.BuildFromSource, nil
		case p.env.Store.Exists(p.key(schema.Kind), schema):
			return pipeline.RestoreFromCache, nil
		}
		return pipeline.BuildFromSource, nil
	}
}

// saveEntry stores an entry. Save failures are logged and do not fail the
// stage.
func (p *Pipeline) saveEntry(key buildcache.Key, schema buildcache.Schema, sources map[string]string, fields any) {
	if err := p.env.Store.Save(key, schema, sources, fields, p.env.Codec()); err != nil {
		p.env.Log.Warn("cache", "save", "warning", "Could not save cache entry", "key", key.String(), "error", err)
	}
}

// Runtime

func (p *Pipeline) decideRuntime(context.Context, *pipeline.Run) (pipeline.StrategyKind, error) {
	if p.env.Config.NoCache {
		return pipeline.BuildFromSource, nil
	}
	key := buildcache.RuntimeKey(p.env.Config.RuntimeVersion)
	if !p.env.Store.Exists(key, buildcache.RuntimeSchema) {
		return pipeline.BuildFromSource, nil
	}
	rec, err := p.env.Store.RuntimeRecord(p.env.Config.RuntimeVersion)
	if err != nil || rec == nil || rec.Path != p.env.Workspace.Path {
		recorded := ""
		if rec != nil {
			recorded = rec.Path
		}
		p.env.Log.Warn("stage", "resolve", "warning", "Cached runtime was built in another workspace, rebuilding",
			"recorded", recorded, "workspace", p.env.Workspace.Path)
		return pipeline.BuildFromSource, nil
	}
	return pipeline.RestoreFromCache, nil
}

func (p *Pipeline) runtimeOutputs() RuntimeOutputs {
	dir := p.env.InstallDir()
	return RuntimeOutputs{InstallDir: dir, RubyBin: filepath.Join(dir, "bin", "ruby"), Version: p.env.Config.RuntimeVersion}
}

func (p *Pipeline) restoreRuntime(context.Context, *pipeline.Run) (RuntimeOutputs, error) {
	out := p.runtimeOutputs()
	var fields buildcache.RuntimeFields
	_, err := p.env.Store.Restore(buildcache.RuntimeKey(out.Version), buildcache.RuntimeSchema,
		map[string]string{buildcache.ArtifactRuntime: out.InstallDir}, p.env.Codec(), &fields)
	return out, err
}

func (p *Pipeline) buildRuntime(ctx context.Context, _ *pipeline.Run) (RuntimeOutputs, error) {
	out := p.runtimeOutputs()
	cfg := p.env.Config
	if cfg.RubySource == "" {
		return out, ErrNoRubySource
	}
	err := p.env.Actions.Runtime.Build(ctx, actions.RuntimeRequest{
		SourceDir: cfg.RubySource,
		BuildDir:  p.env.BuildDir(),
		Prefix:    out.InstallDir,
		Jobs:      cfg.Jobs,
	})
	if err != nil {
		return out, err
	}
	p.saveEntry(buildcache.RuntimeKey(out.Version), buildcache.RuntimeSchema,
		map[string]string{buildcache.ArtifactRuntime: out.InstallDir},
		buildcache.RuntimeFields{WorkDir: p.env.Workspace.Path})
	return out, nil
}

// Packages

func (p *Pipeline) restorePackages(context.Context, *pipeline.Run) (PackageOutputs, error) {
	var fields buildcache.PackageFields
	_, err := p.env.Store.Restore(p.key(buildcache.KindPackages), buildcache.PackagesSchema, map[string]string{
		buildcache.ArtifactBundle:       p.env.BundleDir(),
		buildcache.ArtifactBundleConfig: p.env.ConfigDir(),
	}, p.env.Codec(), &fields)
	if err != nil {
		return PackageOutputs{}, err
	}
	return PackageOutputs{BundleDir: fields.BundlePath, ConfigDir: fields.ConfigPath, Gems: fields.GemCount, Present: true}, nil
}

func (p *Pipeline) buildPackages(ctx context.Context, run *pipeline.Run) (PackageOutputs, error) {
	rt, err := pipeline.Outputs(ctx, run, p.Runtime)
	if err != nil {
		return PackageOutputs{}, err
	}
	out := PackageOutputs{BundleDir: p.env.BundleDir(), ConfigDir: p.env.ConfigDir(), Present: true}
	out.Gems, err = p.env.Actions.Packages.Resolve(ctx, actions.PackageRequest{
		RubyPrefix: rt.InstallDir,
		Gemfile:    p.env.gemfile(),
		BundlePath: out.BundleDir,
		ConfigDir:  out.ConfigDir,
		Jobs:       p.env.Config.Jobs,
	})
	if err != nil {
		return out, err
	}
	p.saveEntry(p.key(buildcache.KindPackages), buildcache.PackagesSchema, map[string]string{
		buildcache.ArtifactBundle:       out.BundleDir,
		buildcache.ArtifactBundleConfig: out.ConfigDir,
	}, buildcache.PackageFields{BundlePath: out.BundleDir, ConfigPath: out.ConfigDir, GemCount: out.Gems})
	return out, nil
}

// Native modules

func (p *Pipeline) restoreNative(context.Context, *pipeline.Run) (NativeOutputs, error) {
	var fields buildcache.NativeFields
	dir := p.env.ObjectDir()
	_, err := p.env.Store.Restore(p.key(buildcache.KindNative), buildcache.NativeSchema,
		map[string]string{buildcache.ArtifactObjects: dir}, p.env.Codec(), &fields)
	if err != nil {
		return NativeOutputs{}, err
	}
	return NativeOutputs{ObjectDir: dir, Registrations: fields.Registrations, Vendored: fields.Vendored, Present: true}, nil
}

func (p *Pipeline) buildNative(ctx context.Context, run *pipeline.Run) (NativeOutputs, error) {
	rt, err := pipeline.Outputs(ctx, run, p.Runtime)
	if err != nil {
		return NativeOutputs{}, err
	}
	pkgs, err := pipeline.Outputs(ctx, run, p.Packages)
	if err != nil {
		return NativeOutputs{}, err
	}
	out := NativeOutputs{ObjectDir: p.env.ObjectDir(), Present: true}
	res, err := p.env.Actions.Native.Build(ctx, actions.NativeRequest{
		RubyPrefix: rt.InstallDir,
		BundlePath: pkgs.BundleDir,
		ObjectDir:  out.ObjectDir,
		Jobs:       p.env.Config.Jobs,
	})
	if err != nil {
		return out, err
	}
	out.Registrations, out.Vendored = res.Registrations, res.Vendored
	p.saveEntry(p.key(buildcache.KindNative), buildcache.NativeSchema,
		map[string]string{buildcache.ArtifactObjects: out.ObjectDir},
		buildcache.NativeFields{Registrations: out.Registrations, Vendored: out.Vendored})
	return out, nil
}

// Linker inputs

func (p *Pipeline) restoreLinkInputs(context.Context, *pipeline.Run) (LinkInputOutputs, error) {
	var f buildcache.LinkFields
	if _, err := p.env.Store.Restore(p.key(buildcache.KindLinkInputs), buildcache.LinkInputsSchema, nil, p.env.Codec(), &f); err != nil {
		return LinkInputOutputs{}, err
	}
	return LinkInputOutputs{
		Inputs:     actions.LinkInputs{LDFlags: f.LDFlags, CFlags: f.CFlags, Libs: f.Libs, Objects: f.Objects, LibRuby: f.LibRuby},
		RubyPrefix: f.RubyPrefix,
	}, nil
}

func (p *Pipeline) collectLinkInputs(ctx context.Context, run *pipeline.Run) (LinkInputOutputs, error) {
	rt, err := pipeline.Outputs(ctx, run, p.Runtime)
	if err != nil {
		return LinkInputOutputs{}, err
	}
	native, err := pipeline.Outputs(ctx, run, p.Native)
	if err != nil {
		return LinkInputOutputs{}, err
	}
	req := actions.LinkInputRequest{RubyPrefix: rt.InstallDir}
	if native.Present {
		req.ObjectDir = native.ObjectDir
	}
	in, err := p.env.Actions.LinkInputs.Collect(ctx, req)
	if err != nil {
		return LinkInputOutputs{}, err
	}
	p.saveEntry(p.key(buildcache.KindLinkInputs), buildcache.LinkInputsSchema, nil, buildcache.LinkFields{
		LDFlags:    in.LDFlags,
		CFlags:     in.CFlags,
		Libs:       in.Libs,
		Objects:    in.Objects,
		RubyPrefix: rt.InstallDir,
		LibRuby:    in.LibRuby,
		WorkDir:    p.env.Workspace.Path,
	})
	return LinkInputOutputs{Inputs: in, RubyPrefix: rt.InstallDir}, nil
}

// Link

func (p *Pipeline) link(ctx context.Context, run *pipeline.Run) (LinkOutputs, error) {
	cfg := p.env.Config
	if cfg.EntryPoint == "" {
		return LinkOutputs{}, fmt.Errorf("entry_point is required to link")
	}
	// The runtime tree must be in place even when every other input was
	// restored from metadata alone.
	if _, err := pipeline.Outputs(ctx, run, p.Runtime); err != nil {
		return LinkOutputs{}, err
	}
	pkgs, err := pipeline.Outputs(ctx, run, p.Packages)
	if err != nil {
		return LinkOutputs{}, err
	}
	native, err := pipeline.Outputs(ctx, run, p.Native)
	if err != nil {
		return LinkOutputs{}, err
	}
	inputs, err := pipeline.Outputs(ctx, run, p.LinkInputs)
	if err != nil {
		return LinkOutputs{}, err
	}

	src := vfsblob.Sources{
		AppDir:         cfg.ProjectDir,
		EntryPoint:     cfg.EntryPoint,
		RuntimeVersion: cfg.RuntimeVersion,
		Excludes:       cfg.Exclude,
	}
	if pkgs.Present {
		src.GemDir = pkgs.BundleDir
	}
	blob := p.env.Workspace.Join(BlobName)
	if _, err := vfsblob.Pack(p.env.Log.Named("vfs"), blob, src); err != nil {
		return LinkOutputs{}, fmt.Errorf("packing application: %w", err)
	}

	exe := p.env.Workspace.Join(ExecutableName)
	err = p.env.Actions.Linker.Link(ctx, actions.LinkRequest{
		Output:        exe,
		StubDir:       p.env.Workspace.Join(StubDirName),
		EntryPoint:    vfsblob.AppMount + "/" + filepath.ToSlash(cfg.EntryPoint),
		Registrations: native.Registrations,
		Inputs:        inputs.Inputs,
	})
	if err != nil {
		return LinkOutputs{}, err
	}
	if err := vfsblob.Append(exe, blob); err != nil {
		return LinkOutputs{}, fmt.Errorf("appending application blob: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
		return LinkOutputs{}, err
	}
	if err := fsutil.CopyFile(exe, cfg.Output, 0o755); err != nil {
		return LinkOutputs{}, fmt.Errorf("writing %s: %w", cfg.Output, err)
	}
	if err := os.Chmod(cfg.Output, 0o755); err != nil {
		return LinkOutputs{}, err
	}
	p.env.Log.Info("link", "write", "success", "Executable written", "path", cfg.Output)
	return LinkOutputs{Executable: cfg.Output, Blob: blob}, nil
}
