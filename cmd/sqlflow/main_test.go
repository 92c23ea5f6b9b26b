package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestExitCodeFor_UnwrapsCliError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", fail(exitValidationFailure, errors.New("bad pipeline")))
	assert.Equal(t, exitValidationFailure, exitCodeFor(err))
}

func TestExitCodeFor_DefaultsToPipelineFailure(t *testing.T) {
	assert.Equal(t, exitPipelineFailure, exitCodeFor(errors.New("plain error")))
}

func TestFail_NilErrorReturnsNil(t *testing.T) {
	assert.Equal(t, error(nil), fail(exitConfigFailure, nil))
}

func TestPipelineNameFromPath(t *testing.T) {
	assert.Equal(t, "daily", pipelineNameFromPath("pipelines/daily.sql"))
	assert.Equal(t, "daily", pipelineNameFromPath("daily.sql"))
}

func TestStrategyFromString(t *testing.T) {
	assert.Equal(t, "warn", string(strategyFromString("warn")))
	assert.Equal(t, "ignore", string(strategyFromString("ignore")))
	assert.Equal(t, "fail", string(strategyFromString("")))
	assert.Equal(t, "fail", string(strategyFromString("bogus")))
}

func TestCliOverridesAny(t *testing.T) {
	out := cliOverridesAny(map[string]string{"env": "prod"})
	assert.Equal(t, "prod", out["env"])
}
