package stages

import (
	"context"

	"rbpack-tools/go/pkg/pipeline"
)

// Result summarizes one build.
type Result struct {
	RunID      string
	Executable string
	Blob       string
	// Strategies maps each stage that decided to the strategy it ran.
	Strategies map[string]pipeline.StrategyKind
	Order      []string
}

// Build resolves the link stage, pulling every stage it depends on. The
// returned Result is filled as far as the run got, even on error.
func (p *Pipeline) Build(ctx context.Context) (*Result, error) {
	run := pipeline.NewRun(p.env.Log.Named("pipeline"))
	p.env.Log.Info("pipeline", "start", "progress", "Starting build",
		"run", run.ID, "workspace", p.env.Workspace.Path, "origin", p.env.Workspace.Origin.String())

	out, err := pipeline.Outputs(ctx, run, p.Link)

	res := &Result{RunID: run.ID, Strategies: map[string]pipeline.StrategyKind{}, Order: run.Resolved()}
	for _, name := range res.Order {
		if kind, ok := run.Strategy(name); ok {
			res.Strategies[name] = kind
		}
	}
	if err != nil {
		p.env.Log.Error("pipeline", "finish", "failure", "Build failed", "stage", pipeline.Origin(err), "error", err)
		return res, err
	}
	res.Executable, res.Blob = out.Executable, out.Blob
	p.env.Log.Info("pipeline", "finish", "success", "Build complete", "executable", out.Executable, "stages", len(res.Order))
	return res, nil
}
