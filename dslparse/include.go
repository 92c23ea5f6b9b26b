package dslparse

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/giaosudau/sqlflow"
	"github.com/giaosudau/sqlflow/ast"
)

// ParseFile parses the pipeline at path and recursively resolves
// INCLUDE statements (§4.1 "Include"), substituting each INCLUDE step
// with the included file's steps in place. Circular includes are
// detected by file identity (os.SameFile), not by path string equality,
// so two different paths that resolve to the same file are still
// caught.
func ParseFile(path string) (*ast.Pipeline, error) {
	return parseFileChain(path, nil)
}

func parseFileChain(path string, chain []*os.File) (*ast.Pipeline, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stating %s: %w", path, err)
	}

	for _, open := range chain {
		openInfo, err := open.Stat()
		if err != nil {
			continue
		}

		if os.SameFile(info, openInfo) {
			return nil, fmt.Errorf("%w: %s", sqlflow.ErrIncludeCycle, path)
		}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	pipeline, err := Parse(abs, string(data))
	if err != nil {
		return nil, err
	}

	chain = append(chain, f)
	dir := filepath.Dir(abs)

	resolved, err := resolveIncludes(pipeline.Steps, dir, chain)
	if err != nil {
		return nil, err
	}

	return &ast.Pipeline{Steps: resolved}, nil
}

func resolveIncludes(steps []ast.Step, dir string, chain []*os.File) ([]ast.Step, error) {
	out := make([]ast.Step, 0, len(steps))

	for _, step := range steps {
		switch s := step.(type) {
		case ast.Include:
			incPath := s.Path
			if !filepath.IsAbs(incPath) {
				incPath = filepath.Join(dir, incPath)
			}

			included, err := parseFileChain(incPath, chain)
			if err != nil {
				return nil, err
			}

			out = append(out, included.Steps...)

		case ast.IfBranch:
			thenSteps, err := resolveIncludes(s.Then, dir, chain)
			if err != nil {
				return nil, err
			}

			elseSteps, err := resolveIncludes(s.Else, dir, chain)
			if err != nil {
				return nil, err
			}

			s.Then = thenSteps
			s.Else = elseSteps
			out = append(out, s)

		default:
			out = append(out, step)
		}
	}

	return out, nil
}
