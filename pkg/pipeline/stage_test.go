package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rbpack-tools/go/pkg/logbowl"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type paths struct {
	Root string
}

func decideAlways(kind StrategyKind) func(context.Context, *Run) (StrategyKind, error) {
	return func(context.Context, *Run) (StrategyKind, error) { return kind, nil }
}

func countingStage(name string, kind StrategyKind, calls *atomic.Int32, out paths) *Stage[paths] {
	return &Stage[paths]{
		Name:   name,
		Decide: decideAlways(kind),
		Strategies: map[StrategyKind]Strategy[paths]{
			kind: func(context.Context, *Run) (paths, error) {
				calls.Add(1)
				return out, nil
			},
		},
	}
}

func TestOutputsMemoized(t *testing.T) {
	var calls atomic.Int32
	stage := countingStage("runtime", BuildFromSource, &calls, paths{Root: "/w/rbpack-ruby"})
	run := NewRun(logbowl.Null())

	for i := 0; i < 3; i++ {
		out, err := Outputs(context.Background(), run, stage)
		require.NoError(t, err)
		assert.Equal(t, "/w/rbpack-ruby", out.Root)
	}
	assert.Equal(t, int32(1), calls.Load())

	kind, ok := run.Strategy("runtime")
	assert.True(t, ok)
	assert.Equal(t, BuildFromSource, kind)
	assert.Equal(t, []string{"runtime"}, run.Resolved())

	_, ok = run.Strategy("unknown")
	assert.False(t, ok)
}

func TestConcurrentRequestsBuildOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	stage := &Stage[paths]{
		Name:   "native",
		Decide: decideAlways(BuildFromSource),
		Strategies: map[StrategyKind]Strategy[paths]{
			BuildFromSource: func(context.Context, *Run) (paths, error) {
				calls.Add(1)
				<-release
				return paths{Root: "objects"}, nil
			},
		},
	}
	run := NewRun(logbowl.Null())

	const callers = 8
	var wg sync.WaitGroup
	results := make([]paths, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Outputs(context.Background(), run, stage)
		}(i)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "objects", results[i].Root)
	}
}

func TestRunsAreIndependent(t *testing.T) {
	var calls atomic.Int32
	stage := countingStage("bundle", RestoreFromCache, &calls, paths{Root: "bundle"})

	_, err := Outputs(context.Background(), NewRun(logbowl.Null()), stage)
	require.NoError(t, err)
	_, err = Outputs(context.Background(), NewRun(logbowl.Null()), stage)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDependenciesResolveDepthFirst(t *testing.T) {
	var runtimeCalls, bundleCalls atomic.Int32
	runtime := countingStage("runtime", RestoreFromCache, &runtimeCalls, paths{Root: "/w/rbpack-ruby"})
	bundle := &Stage[paths]{
		Name:   "bundle",
		Decide: decideAlways(BuildFromSource),
		Strategies: map[StrategyKind]Strategy[paths]{
			BuildFromSource: func(ctx context.Context, run *Run) (paths, error) {
				bundleCalls.Add(1)
				rt, err := Outputs(ctx, run, runtime)
				if err != nil {
					return paths{}, err
				}
				return paths{Root: rt.Root + "/bundle"}, nil
			},
		},
	}
	link := &Stage[paths]{
		Name:   "link",
		Decide: decideAlways(BuildFromSource),
		Strategies: map[StrategyKind]Strategy[paths]{
			BuildFromSource: func(ctx context.Context, run *Run) (paths, error) {
				if _, err := Outputs(ctx, run, runtime); err != nil {
					return paths{}, err
				}
				b, err := Outputs(ctx, run, bundle)
				return b, err
			},
		},
	}

	run := NewRun(logbowl.Null())
	out, err := Outputs(context.Background(), run, link)
	require.NoError(t, err)
	assert.Equal(t, "/w/rbpack-ruby/bundle", out.Root)
	assert.Equal(t, int32(1), runtimeCalls.Load())
	assert.Equal(t, int32(1), bundleCalls.Load())
	assert.Equal(t, []string{"runtime", "bundle", "link"}, run.Resolved())

	kind, _ := run.Strategy("runtime")
	assert.Equal(t, RestoreFromCache, kind)
}

func TestCycleDetected(t *testing.T) {
	var a, b *Stage[paths]
	a = &Stage[paths]{
		Name:   "a",
		Decide: decideAlways(BuildFromSource),
		Strategies: map[StrategyKind]Strategy[paths]{
			BuildFromSource: func(ctx context.Context, run *Run) (paths, error) { return Outputs(ctx, run, b) },
		},
	}
	b = &Stage[paths]{
		Name:   "b",
		Decide: decideAlways(BuildFromSource),
		Strategies: map[StrategyKind]Strategy[paths]{
			BuildFromSource: func(ctx context.Context, run *Run) (paths, error) { return Outputs(ctx, run, a) },
		},
	}

	_, err := Outputs(context.Background(), NewRun(logbowl.Null()), a)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycle)
	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "b", "a"}, cycle.Path)
	assert.Equal(t, "b", Origin(err))
}

func TestSelfCycle(t *testing.T) {
	var self *Stage[paths]
	self = &Stage[paths]{
		Name: "self",
		Decide: func(ctx context.Context, run *Run) (StrategyKind, error) {
			_, err := Outputs(ctx, run, self)
			return BuildFromSource, err
		},
	}
	_, err := Outputs(context.Background(), NewRun(logbowl.Null()), self)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestFailureIsPermanentForRun(t *testing.T) {
	var builds, restores atomic.Int32
	boom := errors.New("entry is missing objects")
	stage := &Stage[paths]{
		Name:   "native",
		Decide: decideAlways(RestoreFromCache),
		Strategies: map[StrategyKind]Strategy[paths]{
			RestoreFromCache: func(context.Context, *Run) (paths, error) {
				restores.Add(1)
				return paths{}, boom
			},
			BuildFromSource: func(context.Context, *Run) (paths, error) {
				builds.Add(1)
				return paths{Root: "fresh"}, nil
			},
		},
	}
	run := NewRun(logbowl.Null())

	_, err1 := Outputs(context.Background(), run, stage)
	_, err2 := Outputs(context.Background(), run, stage)
	require.ErrorIs(t, err1, boom)
	assert.Same(t, err1, err2)
	assert.Equal(t, int32(1), restores.Load())
	assert.Equal(t, int32(0), builds.Load())

	var se *StageError
	require.True(t, errors.As(err1, &se))
	assert.Equal(t, "native", se.Stage)
	assert.Equal(t, RestoreFromCache, se.Strategy)
	assert.True(t, se.Decided)
	assert.Equal(t, "stage native (restore-from-cache): entry is missing objects", se.Error())
}

func TestOriginNamesInnermostStage(t *testing.T) {
	linkErr := errors.New("cc exited with status 1")
	var calls atomic.Int32
	runtime := countingStage("runtime", BuildFromSource, &calls, paths{})
	linker := &Stage[paths]{
		Name:   "link",
		Decide: decideAlways(BuildFromSource),
		Strategies: map[StrategyKind]Strategy[paths]{
			BuildFromSource: func(ctx context.Context, run *Run) (paths, error) {
				if _, err := Outputs(ctx, run, runtime); err != nil {
					return paths{}, err
				}
				return paths{}, linkErr
			},
		},
	}
	top := &Stage[paths]{
		Name:   "package",
		Decide: decideAlways(BuildFromSource),
		Strategies: map[StrategyKind]Strategy[paths]{
			BuildFromSource: func(ctx context.Context, run *Run) (paths, error) { return Outputs(ctx, run, linker) },
		},
	}

	run := NewRun(logbowl.Null())
	_, err := Outputs(context.Background(), run, top)
	require.ErrorIs(t, err, linkErr)
	assert.Equal(t, "link", Origin(err))
	assert.Equal(t, "", Origin(linkErr))
	assert.Equal(t, "", Origin(nil))

	_, err = Outputs(context.Background(), run, runtime)
	assert.NoError(t, err, "earlier stages keep their outputs")
}

func TestMissingStrategy(t *testing.T) {
	stage := &Stage[paths]{Name: "bundle", Decide: decideAlways(Skip)}
	_, err := Outputs(context.Background(), NewRun(logbowl.Null()), stage)
	assert.ErrorIs(t, err, ErrNoStrategy)

	_, err = Outputs(context.Background(), NewRun(logbowl.Null()), &Stage[paths]{Name: "nodecide"})
	assert.ErrorIs(t, err, ErrNoStrategy)
}

func TestDecisionError(t *testing.T) {
	denied := errors.New("stat cache root: permission denied")
	var calls atomic.Int32
	stage := &Stage[paths]{
		Name: "runtime",
		Decide: func(context.Context, *Run) (StrategyKind, error) {
			return BuildFromSource, denied
		},
		Strategies: map[StrategyKind]Strategy[paths]{
			BuildFromSource: func(context.Context, *Run) (paths, error) {
				calls.Add(1)
				return paths{}, nil
			},
		},
	}
	run := NewRun(logbowl.Null())
	_, err := Outputs(context.Background(), run, stage)
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, "runtime", Origin(err))
	assert.Equal(t, int32(0), calls.Load())
	_, decided := run.Strategy("runtime")
	assert.False(t, decided)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.False(t, se.Decided)
	assert.Equal(t, "stage runtime: deciding strategy: stat cache root: permission denied", err.Error())
	assert.NotContains(t, err.Error(), RestoreFromCache.String())
}

func TestStrategyKindString(t *testing.T) {
	assert.Equal(t, "restore-from-cache", RestoreFromCache.String())
	assert.Equal(t, "build-from-source", BuildFromSource.String())
	assert.Equal(t, "skip", Skip.String())
	assert.Equal(t, "strategy(9)", StrategyKind(9).String())
}
