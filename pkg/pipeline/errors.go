package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCycle marks a stage that was requested again while its own outputs
	// were still being computed.
	ErrCycle = errors.New("stage dependency cycle")
	// ErrNoStrategy is returned when a stage's decision names a strategy the
	// stage does not register.
	ErrNoStrategy = errors.New("no strategy registered")
)

// CycleError carries the evaluation chain that closed the cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycle, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycle
}

// StageError is a failure of one stage. Err may itself be the StageError of a
// dependency the stage pulled. Strategy is meaningful only when Decided is
// set; a stage that failed before choosing a strategy leaves it zero.
type StageError struct {
	Stage    string
	Strategy StrategyKind
	Decided  bool
	Err      error
}

func (e *StageError) Error() string {
	if !e.Decided {
		return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s (%s): %v", e.Stage, e.Strategy, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Origin returns the name of the innermost failing stage in err's chain, or
// "" when err did not come from a stage.
func Origin(err error) string {
	origin := ""
	for {
		var se *StageError
		if !errors.As(err, &se) {
			return origin
		}
		origin = se.Stage
		err = se.Err
	}
}
