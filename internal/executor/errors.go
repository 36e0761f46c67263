package executor

import (
	"fmt"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/recipe"
)

// StepConfigError reports a step whose stored configuration cannot be
// executed: a valve step without a valve number, a loop without an
// iteration count. Purge steps are the one exception, they fall back to
// a default duration instead of failing.
type StepConfigError struct {
	Step   string
	Type   recipe.StepType
	Reason string
}

func (e *StepConfigError) Error() string {
	return fmt.Sprintf("step %q (%s): %s", e.Step, e.Type, e.Reason)
}
