package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// RuntimeRequest describes one Ruby build from source.
type RuntimeRequest struct {
	// SourceDir holds an unpacked Ruby source tree with a configure script.
	SourceDir string
	// BuildDir is the out-of-tree build directory.
	BuildDir string
	// Prefix is the install directory.
	Prefix string
	Jobs   int
}

// RuntimeBuilder compiles and installs a private Ruby.
type RuntimeBuilder interface {
	Build(ctx context.Context, req RuntimeRequest) error
}

// ConfigureMake builds Ruby with its configure script and make.
type ConfigureMake struct {
	Runner Runner
}

func (b ConfigureMake) Build(ctx context.Context, req RuntimeRequest) error {
	configure := filepath.Join(req.SourceDir, "configure")
	if _, err := os.Stat(configure); err != nil {
		return fmt.Errorf("ruby source: %w", err)
	}
	if err := os.MkdirAll(req.BuildDir, 0o755); err != nil {
		return err
	}
	jobs := strconv.Itoa(max(req.Jobs, 1))

	steps := []Command{
		{
			Name: configure,
			Args: []string{
				"--prefix=" + req.Prefix,
				"--disable-install-doc",
				"--disable-shared",
				"--enable-static",
				"--with-static-linked-ext",
				"--without-gmp",
			},
			Dir: req.BuildDir,
		},
		{Name: "make", Args: []string{"-j" + jobs}, Dir: req.BuildDir},
		{Name: "make", Args: []string{"install"}, Dir: req.BuildDir},
	}
	for _, step := range steps {
		if _, err := b.Runner.Run(ctx, step); err != nil {
			return err
		}
	}
	return nil
}
