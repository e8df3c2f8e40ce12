package actions

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/bmatcuk/doublestar/v4"

	"rbpack-tools/go/pkg/buildcache"
)

// LinkInputRequest describes where the linker inputs live.
type LinkInputRequest struct {
	RubyPrefix string
	// ObjectDir holds the native extension archives; empty when there are none.
	ObjectDir string
}

// LinkInputs is what the linker needs besides the entry stub.
type LinkInputs struct {
	LDFlags []string
	CFlags  []string
	Libs    []string
	Objects []string
	LibRuby string
}

// LinkInputCollector queries the toolchain for linker inputs.
type LinkInputCollector interface {
	Collect(ctx context.Context, req LinkInputRequest) (LinkInputs, error)
}

// PkgConfig collects flags from the private Ruby's pkg-config file.
type PkgConfig struct {
	Runner Runner
	Binary string
}

func (p PkgConfig) Collect(ctx context.Context, req LinkInputRequest) (LinkInputs, error) {
	var in LinkInputs
	pcDir := filepath.Join(req.RubyPrefix, "lib", "pkgconfig")
	pcs, err := filepath.Glob(filepath.Join(pcDir, "ruby*.pc"))
	if err != nil || len(pcs) == 0 {
		return in, fmt.Errorf("no ruby pkg-config file under %s", pcDir)
	}
	module := strings.TrimSuffix(filepath.Base(pcs[0]), ".pc")
	env := []string{"PKG_CONFIG_PATH=" + pcDir}
	bin := p.Binary
	if bin == "" {
		bin = "pkg-config"
	}

	libs, err := p.Runner.Run(ctx, Command{Name: bin, Args: []string{"--static", "--libs", module}, Env: env})
	if err != nil {
		return in, err
	}
	cflags, err := p.Runner.Run(ctx, Command{Name: bin, Args: []string{"--cflags", module}, Env: env})
	if err != nil {
		return in, err
	}
	for _, f := range strings.Fields(string(libs)) {
		if lib, ok := strings.CutPrefix(f, "-l"); ok {
			in.Libs = append(in.Libs, lib)
			continue
		}
		in.LDFlags = append(in.LDFlags, f)
	}
	in.CFlags = strings.Fields(string(cflags))

	archives, err := filepath.Glob(filepath.Join(req.RubyPrefix, "lib", "libruby*-static.a"))
	if err != nil || len(archives) == 0 {
		return in, fmt.Errorf("no static libruby under %s", req.RubyPrefix)
	}
	in.LibRuby = archives[0]

	if req.ObjectDir != "" {
		objs, err := doublestar.Glob(os.DirFS(req.ObjectDir), "**/*.a")
		if err != nil {
			return in, err
		}
		sort.Strings(objs)
		for _, o := range objs {
			in.Objects = append(in.Objects, filepath.Join(req.ObjectDir, filepath.FromSlash(o)))
		}
	}
	return in, nil
}

// LinkRequest is everything needed to produce the executable.
type LinkRequest struct {
	Output        string
	StubDir       string
	EntryPoint    string
	Registrations []buildcache.Registration
	Inputs        LinkInputs
}

// Linker produces the final executable.
type Linker interface {
	Link(ctx context.Context, req LinkRequest) error
}

// CC links with a C compiler driver.
type CC struct {
	Runner Runner
	Binary string
}

var stubTemplate = template.Must(template.New("main.c").Funcs(template.FuncMap{"cstr": strconv.Quote}).Parse(`#include <stdlib.h>
#include <ruby.h>

void ruby_init_ext(const char *name, void (*init)(void));
{{range .Registrations}}void {{.EntrySymbol}}(void);
{{end}}
static void rbpack_register_exts(void)
{
{{- range .Registrations}}
	ruby_init_ext({{cstr (print .ModulePath ".so")}}, {{.EntrySymbol}});
{{- end}}
}

int main(int argc, char **argv)
{
	char **args = calloc((size_t)argc + 3, sizeof(char *));
	int i, n = 0;

	ruby_sysinit(&argc, &argv);
	args[n++] = argv[0];
	args[n++] = "-rrbpack/boot";
	args[n++] = {{cstr .EntryPoint}};
	for (i = 1; i < argc; i++)
		args[n++] = argv[i];
	{
		RUBY_INIT_STACK;
		ruby_init();
		rbpack_register_exts();
		return ruby_run_node(ruby_options(n, args));
	}
}
`))

// RenderStub returns the C source of the executable's entry point. entryPoint
// is the script's path inside the virtual filesystem.
func RenderStub(entryPoint string, regs []buildcache.Registration) ([]byte, error) {
	var buf bytes.Buffer
	err := stubTemplate.Execute(&buf, struct {
		EntryPoint    string
		Registrations []buildcache.Registration
	}{entryPoint, regs})
	return buf.Bytes(), err
}

func (c CC) Link(ctx context.Context, req LinkRequest) error {
	stub, err := RenderStub(req.EntryPoint, req.Registrations)
	if err != nil {
		return fmt.Errorf("rendering entry stub: %w", err)
	}
	if err := os.MkdirAll(req.StubDir, 0o755); err != nil {
		return err
	}
	src := filepath.Join(req.StubDir, "main.c")
	if err := os.WriteFile(src, stub, 0o644); err != nil {
		return err
	}

	bin := c.Binary
	if bin == "" {
		bin = "cc"
	}
	args := []string{"-o", req.Output}
	args = append(args, req.Inputs.CFlags...)
	args = append(args, src)
	args = append(args, req.Inputs.Objects...)
	args = append(args, req.Inputs.LibRuby)
	args = append(args, req.Inputs.LDFlags...)
	for _, lib := range req.Inputs.Libs {
		args = append(args, "-l"+lib)
	}
	_, err = c.Runner.Run(ctx, Command{Name: bin, Args: args, Dir: req.StubDir})
	return err
}
