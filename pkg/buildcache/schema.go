package buildcache

import (
	"time"

	"rbpack-tools/go/pkg/pathcodec"
)

// InstallAnchor is the fixed name of the private runtime install directory
// inside every workspace. Its parent changes from run to run, its name never does.
const InstallAnchor = "rbpack-ruby"

// Schema declares what a stage's cache entry holds: the artifact trees copied
// in and out under fixed sub-names, the metadata fields passed through the
// path codec, and metadata fields listing sub-trees of an artifact that must
// be present for the entry to count.
type Schema struct {
	Kind       StageKind
	Artifacts  []string
	PathFields map[string]pathcodec.Rule
	Nested     map[string]string
}

// Artifact sub-names inside entry directories.
const (
	ArtifactRuntime      = "ruby"
	ArtifactBundle       = "bundle"
	ArtifactBundleConfig = "bundle-config"
	ArtifactObjects      = "objects"
)

var (
	// RuntimeSchema: the runtime install tree. Its work_dir field is consumed by
	// workspace pinning and is not rewritten.
	RuntimeSchema = Schema{
		Kind:      KindRuntime,
		Artifacts: []string{ArtifactRuntime},
	}

	// PackagesSchema: the resolved package tree and the resolver configuration.
	PackagesSchema = Schema{
		Kind:      KindPackages,
		Artifacts: []string{ArtifactBundle, ArtifactBundleConfig},
		PathFields: map[string]pathcodec.Rule{
			"bundle_path": pathcodec.SingleRootRule(pathcodec.TagWork),
			"config_path": pathcodec.SingleRootRule(pathcodec.TagWork),
		},
	}

	// NativeSchema: compiled extension objects. Registrations and vendored
	// sub-trees are stored verbatim.
	NativeSchema = Schema{
		Kind:      KindNative,
		Artifacts: []string{ArtifactObjects},
		Nested:    map[string]string{"vendored": ArtifactObjects},
	}

	// LinkInputsSchema: no artifact tree, only path-bearing linker inputs.
	LinkInputsSchema = Schema{
		Kind: KindLinkInputs,
		PathFields: map[string]pathcodec.Rule{
			"ldflags":     pathcodec.RootFlagRule(pathcodec.TagRuby, pathcodec.TagWork),
			"cflags":      pathcodec.RootFlagRule(pathcodec.TagRuby, pathcodec.TagWork),
			"objects":     pathcodec.DualRootRule(pathcodec.TagRuby, pathcodec.TagWork),
			"ruby_prefix": pathcodec.AnchorRule(InstallAnchor),
			"libruby":     pathcodec.AnchorRule(InstallAnchor),
			"work_dir":    pathcodec.SingleRootRule(pathcodec.TagWork),
		},
	}
)

// RuntimeFields is the stage-specific part of the runtime entry metadata.
type RuntimeFields struct {
	WorkDir string `json:"work_dir"`
}

// PackageFields is the stage-specific part of the package resolution metadata.
type PackageFields struct {
	BundlePath string `json:"bundle_path"`
	ConfigPath string `json:"config_path"`
	GemCount   int    `json:"gem_count"`
}

// Registration pairs a native module's require path with its init symbol.
type Registration struct {
	ModulePath  string `json:"module_path"`
	EntrySymbol string `json:"entry_symbol"`
}

// NativeFields is the stage-specific part of the native module metadata.
// Vendored paths are relative to the objects artifact.
type NativeFields struct {
	Registrations []Registration `json:"registrations"`
	Vendored      []string       `json:"vendored"`
}

// LinkFields is the whole payload of a link-input collection entry.
type LinkFields struct {
	LDFlags    []string `json:"ldflags"`
	CFlags     []string `json:"cflags"`
	Libs       []string `json:"libs"`
	Objects    []string `json:"objects"`
	RubyPrefix string   `json:"ruby_prefix"`
	LibRuby    string   `json:"libruby"`
	WorkDir    string   `json:"work_dir"`
}

// WorkspaceRecord is the workspace path a runtime build was produced in.
type WorkspaceRecord struct {
	Path           string
	RuntimeVersion string
	CreatedAt      time.Time
}
