// Package pipeline runs stages whose outputs are produced by one of several
// interchangeable strategies, chosen once per run and memoized.
//
// Stages pull their dependencies by calling Outputs from inside a strategy.
// Evaluation is depth first: the requesting stage blocks until the dependency
// has resolved. Each stage resolves at most once per Run even when requested
// from several goroutines; a failure is remembered for the rest of the run.
package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"rbpack-tools/go/pkg/logbowl"
)

// StrategyKind is the closed set of ways a stage can produce its outputs.
type StrategyKind int

const (
	RestoreFromCache StrategyKind = iota
	BuildFromSource
	Skip
)

func (k StrategyKind) String() string {
	switch k {
	case RestoreFromCache:
		return "restore-from-cache"
	case BuildFromSource:
		return "build-from-source"
	case Skip:
		return "skip"
	}
	return fmt.Sprintf("strategy(%d)", int(k))
}

func (k StrategyKind) status() string {
	switch k {
	case RestoreFromCache:
		return "cached"
	case Skip:
		return "skip"
	}
	return "progress"
}

// Strategy produces a stage's outputs.
type Strategy[O any] func(ctx context.Context, run *Run) (O, error)

// Stage is a named step with a fixed output type O. Decide picks the strategy;
// every strategy must fill the same O so consumers never depend on which one ran.
type Stage[O any] struct {
	Name       string
	Decide     func(ctx context.Context, run *Run) (StrategyKind, error)
	Strategies map[StrategyKind]Strategy[O]
}

// Run holds the memoized state of one pipeline run.
type Run struct {
	ID  string
	log logbowl.Logger

	mu        sync.Mutex
	slots     map[string]*slot
	decisions map[string]StrategyKind
	resolved  []string
}

type slot struct {
	mu    sync.Mutex
	done  atomic.Bool
	value any
	err   error
}

// NewRun starts an empty run.
func NewRun(log logbowl.Logger) *Run {
	return &Run{
		ID:        uuid.NewString(),
		log:       log,
		slots:     map[string]*slot{},
		decisions: map[string]StrategyKind{},
	}
}

func (r *Run) slot(name string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[name]
	if !ok {
		s = &slot{}
		r.slots[name] = s
	}
	return s
}

// Strategy reports the strategy chosen for the named stage, if it has decided.
func (r *Run) Strategy(name string) (StrategyKind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind, ok := r.decisions[name]
	return kind, ok
}

// Resolved lists the stages that finished, successfully or not, in the order
// they finished.
func (r *Run) Resolved() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.resolved)
}

type chainKey struct{}

func chainFrom(ctx context.Context) []string {
	chain, _ := ctx.Value(chainKey{}).([]string)
	return chain
}

func withStage(ctx context.Context, name string) context.Context {
	chain := chainFrom(ctx)
	next := make([]string, len(chain), len(chain)+1)
	copy(next, chain)
	return context.WithValue(ctx, chainKey{}, append(next, name))
}

// Outputs returns the stage's outputs, resolving them on the first request of
// the run. Requesting a stage from inside its own evaluation returns a
// *CycleError.
func Outputs[O any](ctx context.Context, run *Run, stage *Stage[O]) (O, error) {
	var zero O
	chain := chainFrom(ctx)
	if slices.Contains(chain, stage.Name) {
		path := append(slices.Clone(chain), stage.Name)
		return zero, &CycleError{Path: path[slices.Index(path, stage.Name):]}
	}

	s := run.slot(stage.Name)
	if !s.done.Load() {
		run.once(stage.Name, s, func() (any, error) {
			return resolve(withStage(ctx, stage.Name), run, stage)
		})
	}

	if s.err != nil {
		return zero, s.err
	}
	out, ok := s.value.(O)
	if !ok {
		return zero, fmt.Errorf("stage %s: outputs are %T, not %T", stage.Name, s.value, zero)
	}
	return out, nil
}

func (r *Run) once(name string, s *slot, fn func() (any, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done.Load() {
		return
	}
	s.value, s.err = fn()
	s.done.Store(true)
	r.mu.Lock()
	r.resolved = append(r.resolved, name)
	r.mu.Unlock()
}

// resolve runs with the stage's slot locked.
func resolve[O any](ctx context.Context, run *Run, stage *Stage[O]) (any, error) {
	if stage.Decide == nil {
		return nil, &StageError{Stage: stage.Name, Err: fmt.Errorf("%w: stage has no decision", ErrNoStrategy)}
	}
	kind, err := stage.Decide(ctx, run)
	if err != nil {
		return nil, &StageError{Stage: stage.Name, Err: fmt.Errorf("deciding strategy: %w", err)}
	}
	run.mu.Lock()
	run.decisions[stage.Name] = kind
	run.mu.Unlock()

	strategy, ok := stage.Strategies[kind]
	if !ok {
		return nil, &StageError{Stage: stage.Name, Strategy: kind, Decided: true, Err: ErrNoStrategy}
	}
	run.log.Info("stage", "resolve", kind.status(), "Resolved stage strategy", "stage", stage.Name, "strategy", kind.String(), "run", run.ID)

	out, err := strategy(ctx, run)
	if err != nil {
		run.log.Error("stage", "execute", "failure", "Stage failed", "stage", stage.Name, "strategy", kind.String(), "error", err)
		return nil, &StageError{Stage: stage.Name, Strategy: kind, Decided: true, Err: err}
	}
	return out, nil
}
