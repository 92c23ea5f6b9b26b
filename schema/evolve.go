// Package schema implements the schema-evolution policy (spec §4.3): a
// pure function from (target, staging) column snapshots to either a
// widened target snapshot or an incompatibility error. It is invoked by
// the transform executor before every swap.
package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/giaosudau/sqlflow"
)

// Result is the outcome of Evolve: Compatible is always true on a nil
// error return (an incompatible pair is reported as an error, not as
// Compatible == false, so callers cannot forget to check it).
type Result struct {
	Compatible bool
	Widened    sqlflow.Snapshot
}

// Evolve computes whether staging can be merged into target, and if so
// the widened target schema (§4.3 "Schema-evolution policy"). Rules:
//   - a staging column absent from target is a column addition: it is
//     appended, nullable, with no backfill for existing rows (NULL default).
//   - a target column absent from staging is left untouched.
//   - a column present in both with identical normalized types is unchanged.
//   - INT widens to BIGINT; VARCHAR(n) widens to VARCHAR(m) for m >= n.
//   - a staging type narrower than the target's (INT into BIGINT,
//     VARCHAR(m) into VARCHAR(n) with m <= n) leaves the target unchanged.
//   - any other type change is an incompatibility.
func Evolve(target, staging sqlflow.Snapshot) (Result, error) {
	widened := make([]sqlflow.Column, len(target.Columns))
	copy(widened, target.Columns)

	index := map[string]int{}
	for i, c := range widened {
		index[normalizeName(c.Name)] = i
	}

	for _, sc := range staging.Columns {
		key := normalizeName(sc.Name)

		i, ok := index[key]
		if !ok {
			widened = append(widened, sqlflow.Column{Name: sc.Name, Type: sc.Type, Nullable: true})
			index[key] = len(widened) - 1

			continue
		}

		tc := widened[i]

		merged, err := widen(tc.Type, sc.Type)
		if err != nil {
			return Result{}, fmt.Errorf("%w: column %q: %s", sqlflow.ErrSchemaIncompatible, tc.Name, err)
		}

		widened[i].Type = merged
	}

	return Result{Compatible: true, Widened: sqlflow.Snapshot{Table: target.Table, Columns: widened}}, nil
}

type parsedType struct {
	kind string // int, bigint, varchar, timestamp, bool, decimal, ...
	size int    // varchar length, 0 if not applicable
}

func parseType(t string) parsedType {
	t = strings.ToLower(strings.TrimSpace(t))

	open := strings.IndexByte(t, '(')
	if open < 0 {
		return parsedType{kind: t}
	}

	close := strings.IndexByte(t, ')')
	if close < open {
		return parsedType{kind: t}
	}

	kind := t[:open]
	size, _ := strconv.Atoi(strings.TrimSpace(t[open+1 : close]))

	return parsedType{kind: kind, size: size}
}

// widen returns the merged type for a (target, staging) type pair, or
// an error describing why they are incompatible.
func widen(targetType, stagingType string) (string, error) {
	tt := parseType(targetType)
	st := parseType(stagingType)

	if tt.kind == st.kind {
		if tt.kind != "varchar" {
			return targetType, nil
		}

		if st.size <= tt.size {
			return targetType, nil
		}

		return fmt.Sprintf("varchar(%d)", st.size), nil
	}

	if tt.kind == "int" && st.kind == "bigint" {
		return "bigint", nil
	}

	if tt.kind == "bigint" && st.kind == "int" {
		return targetType, nil
	}

	return "", fmt.Errorf("cannot reconcile %s with %s", targetType, stagingType)
}

func normalizeName(s string) string { return strings.ToLower(s) }
