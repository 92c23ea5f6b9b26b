package sqlflow

import "errors"

// Error taxonomy shared across the engine, per the error handling
// design (§7). Each sentinel is wrapped with additional context via
// fmt.Errorf("%w: ...", ...) at the call site so errors.Is still
// matches the category while the message carries the offending detail.
var (
	// Validation errors.
	ErrUnknownConnectorType  = errors.New("unknown connector type")
	ErrMissingParameter      = errors.New("missing required connector parameter")
	ErrIncompatibleModeClause = errors.New("incompatible mode clause")

	// Planning errors.
	ErrUnknownSource       = errors.New("unknown source reference")
	ErrUnknownTable        = errors.New("unknown table reference")
	ErrDuplicateTable      = errors.New("duplicate table output without REPLACE")
	ErrCyclicDependency    = errors.New("cyclic dependency in operation graph")
	ErrMissingCursorField  = errors.New("INCREMENTAL mode requires a cursor column")
	ErrMergeWithoutKeys    = errors.New("MERGE/UPSERT mode requires declared keys")
	ErrIncludeCycle        = errors.New("circular INCLUDE")
	ErrUnevaluableCondition = errors.New("IF condition could not be evaluated")

	// Substitution errors.
	ErrMissingVariable      = errors.New("variable has no value and no default")
	ErrMalformedExpression  = errors.New("malformed variable expression")
	ErrNestedVariable       = errors.New("nested variable expressions are not supported")

	// Schema evolution errors.
	ErrSchemaIncompatible = errors.New("incompatible schema change")
	ErrMissingKeys        = errors.New("target table lacks declared merge/upsert keys")

	// Connector errors.
	ErrConnectorPermanent   = errors.New("permanent connector error")
	ErrConnectorTransient   = errors.New("transient connector error")
	ErrConnectorAuth        = errors.New("connector authentication error")
	ErrConnectorRateLimited = errors.New("connector rate limited")

	// Execution errors.
	ErrSwapFailed         = errors.New("stage-and-swap swap failed")
	ErrWatermarkUpdate    = errors.New("watermark update failed")

	// Resource errors.
	ErrCancelled = errors.New("operation cancelled")
	ErrTimeout   = errors.New("operation timed out")

	// Circuit breaker.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
