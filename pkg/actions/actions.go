package actions

import "rbpack-tools/go/pkg/logbowl"

// Set bundles the collaborators one build uses.
type Set struct {
	Runtime    RuntimeBuilder
	Packages   PackageResolver
	Native     NativeBuilder
	LinkInputs LinkInputCollector
	Linker     Linker
}

// Tools names the toolchain binaries.
type Tools struct {
	CC        string
	PkgConfig string
}

// Default returns exec-backed actions.
func Default(log logbowl.Logger, tools Tools) Set {
	runner := ExecRunner{Log: log}
	return Set{
		Runtime:    ConfigureMake{Runner: runner},
		Packages:   Bundler{Runner: runner},
		Native:     ExtconfMake{Runner: runner},
		LinkInputs: PkgConfig{Runner: runner, Binary: tools.PkgConfig},
		Linker:     CC{Runner: runner, Binary: tools.CC},
	}
}
