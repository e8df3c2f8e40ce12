package actions

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"
)

// PackageRequest describes one bundle install.
type PackageRequest struct {
	// RubyPrefix is the install directory of the private Ruby.
	RubyPrefix string
	Gemfile    string
	// BundlePath receives the installed gems.
	BundlePath string
	// ConfigDir is used as BUNDLE_APP_CONFIG.
	ConfigDir string
	Jobs      int
}

// PackageResolver materializes a lock file into a local gem tree.
type PackageResolver interface {
	Resolve(ctx context.Context, req PackageRequest) (gems int, err error)
}

// Bundler runs the private Ruby's bundle command.
type Bundler struct {
	Runner Runner
}

func (b Bundler) Resolve(ctx context.Context, req PackageRequest) (int, error) {
	for _, dir := range []string{req.BundlePath, req.ConfigDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, err
		}
	}
	env := []string{
		"BUNDLE_GEMFILE=" + req.Gemfile,
		"BUNDLE_PATH=" + req.BundlePath,
		"BUNDLE_APP_CONFIG=" + req.ConfigDir,
		"BUNDLE_DEPLOYMENT=true",
		"BUNDLE_WITHOUT=development:test",
		"GEM_HOME=" + req.BundlePath,
	}
	bundle := filepath.Join(req.RubyPrefix, "bin", "bundle")
	cmd := Command{
		Name: bundle,
		Args: []string{"install", "--jobs", strconv.Itoa(max(req.Jobs, 1))},
		Dir:  filepath.Dir(req.Gemfile),
		Env:  env,
	}
	if _, err := b.Runner.Run(ctx, cmd); err != nil {
		return 0, err
	}
	return CountGems(req.BundlePath)
}

// CountGems counts installed gem directories under a bundle path.
func CountGems(bundlePath string) (int, error) {
	matches, err := doublestar.Glob(os.DirFS(bundlePath), "ruby/*/gems/*")
	if err != nil {
		return 0, fmt.Errorf("counting gems: %w", err)
	}
	n := 0
	for _, m := range matches {
		if info, err := fs.Stat(os.DirFS(bundlePath), m); err == nil && info.IsDir() {
			n++
		}
	}
	return n, nil
}
