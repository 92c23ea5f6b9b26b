package variable

import (
	"fmt"

	"github.com/giaosudau/sqlflow"
)

// Strategy controls what happens when a variable is missing and has no
// default (§4.2): fail raises, warn logs and falls back, ignore is silent.
type Strategy string

const (
	StrategyFail   Strategy = "fail"
	StrategyWarn   Strategy = "warn"
	StrategyIgnore Strategy = "ignore"
)

// Diagnostic is emitted for every substitution that hit a missing
// variable or had to coerce a value, regardless of strategy, so callers
// can log or collect them even under "ignore".
type Diagnostic struct {
	VariableName string
	Message      string
	Missing      bool
}

// Sink receives diagnostics as substitution proceeds. nil is valid and
// discards diagnostics.
type Sink func(Diagnostic)

// resolveMissing applies the strategy for a missing, default-less
// variable. fallback is the context-specific placeholder to use for
// warn/ignore (e.g. the literal "${name}" for plain text, "NULL" for
// SQL). It returns the string to emit and an error, set only under
// StrategyFail.
func resolveMissing(strategy Strategy, name, fallback string, sink Sink) (string, error) {
	diag := Diagnostic{VariableName: name, Missing: true, Message: "variable has no value and no default"}
	if sink != nil {
		sink(diag)
	}

	switch strategy {
	case StrategyFail, "":
		return "", fmt.Errorf("%w: %q", sqlflow.ErrMissingVariable, name)
	case StrategyWarn, StrategyIgnore:
		return fallback, nil
	default:
		return "", fmt.Errorf("unknown substitution strategy %q", strategy)
	}
}
