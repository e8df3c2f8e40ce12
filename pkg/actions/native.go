package actions

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"

	"rbpack-tools/go/pkg/buildcache"
	"rbpack-tools/go/pkg/fsutil"
)

// NativeRequest describes the native extensions of one gem tree.
type NativeRequest struct {
	RubyPrefix string
	BundlePath string
	// ObjectDir receives one sub-tree per extension, named by its require path.
	ObjectDir string
	Jobs      int
}

// NativeResult lists what a native build produced.
type NativeResult struct {
	Registrations []buildcache.Registration
	// Vendored holds sub-trees of ObjectDir with bundled third-party builds.
	Vendored []string
}

// NativeBuilder compiles gem extensions into static archives.
type NativeBuilder interface {
	Build(ctx context.Context, req NativeRequest) (NativeResult, error)
}

// ExtconfMake builds each extension with its extconf.rb and make.
type ExtconfMake struct {
	Runner Runner
}

var createMakefile = regexp.MustCompile(`create_makefile\(\s*["']([^"']+)["']`)

// FindExtensions returns the extconf.rb files of a bundle path, relative to it.
func FindExtensions(bundlePath string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(bundlePath), "ruby/*/gems/*/ext/**/extconf.rb")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// ModulePath reads the require path an extconf.rb passes to create_makefile.
// It falls back to the name of the directory holding the script.
func ModulePath(extconf string) (string, error) {
	data, err := os.ReadFile(extconf)
	if err != nil {
		return "", err
	}
	if m := createMakefile.FindSubmatch(data); m != nil {
		return string(m[1]), nil
	}
	return filepath.Base(filepath.Dir(extconf)), nil
}

// EntrySymbol is the init function Ruby calls for a module path.
func EntrySymbol(modulePath string) string {
	return "Init_" + path.Base(modulePath)
}

func (b ExtconfMake) Build(ctx context.Context, req NativeRequest) (NativeResult, error) {
	var res NativeResult
	exts, err := FindExtensions(req.BundlePath)
	if err != nil {
		return res, err
	}
	ruby := filepath.Join(req.RubyPrefix, "bin", "ruby")
	jobs := "-j" + strconv.Itoa(max(req.Jobs, 1))

	for _, rel := range exts {
		extconf := filepath.Join(req.BundlePath, filepath.FromSlash(rel))
		module, err := ModulePath(extconf)
		if err != nil {
			return res, err
		}
		out := filepath.Join(req.ObjectDir, filepath.FromSlash(module))
		if !fsutil.Within(req.ObjectDir, out) {
			return res, fmt.Errorf("extension %s: module path %q escapes object dir", rel, module)
		}
		if err := fsutil.ReplaceDir(filepath.Dir(extconf), out); err != nil {
			return res, err
		}

		env := []string{"GEM_HOME=" + req.BundlePath}
		steps := []Command{
			{Name: ruby, Args: []string{"extconf.rb", "--with-static-linked-ext"}, Dir: out, Env: env},
			{Name: "make", Args: []string{jobs, "static"}, Dir: out, Env: env},
		}
		for _, step := range steps {
			if _, err := b.Runner.Run(ctx, step); err != nil {
				return res, fmt.Errorf("extension %s: %w", module, err)
			}
		}
		res.Registrations = append(res.Registrations, buildcache.Registration{
			ModulePath:  module,
			EntrySymbol: EntrySymbol(module),
		})

		ports, err := filepath.Glob(filepath.Join(out, "ports", "*", "*"))
		if err != nil {
			return res, err
		}
		for _, p := range ports {
			if !fsutil.IsDir(p) {
				continue
			}
			relPort, err := filepath.Rel(req.ObjectDir, p)
			if err != nil {
				return res, err
			}
			res.Vendored = append(res.Vendored, filepath.ToSlash(relPort))
		}
	}
	if err := os.MkdirAll(req.ObjectDir, 0o755); err != nil {
		return res, err
	}
	return res, nil
}
