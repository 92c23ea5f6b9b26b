package plan

import (
	"regexp"
	"strings"
)

// Dependency extraction from SQL text (§4.1): FROM <ident>, JOIN <ident>,
// and UDF_CALL("module.fn", <ident>, ...) table-valued UDF invocations.
// Identifier extraction is case-insensitive; UDF_CALL's "first non-string
// argument" is taken to be the first comma-separated argument after the
// literal function-name string.
var (
	fromRe    = regexp.MustCompile(`(?i)\bFROM\s+([A-Za-z_][A-Za-z0-9_.]*)`)
	joinRe    = regexp.MustCompile(`(?i)\bJOIN\s+([A-Za-z_][A-Za-z0-9_.]*)`)
	udfCallRe = regexp.MustCompile(`(?i)UDF_CALL\s*\(\s*"[^"]*"\s*,\s*([A-Za-z_][A-Za-z0-9_.]*)`)
)

// ExtractReferencedTables returns the set of table identifiers a
// transform's SQL text reads from, lower-cased for case-insensitive
// comparison against declared outputs. FROM/JOIN matches immediately
// followed by "(" are function calls (UDF_CALL(...), subqueries), not
// table references, and are skipped so they don't shadow the real
// dependency UDF_CALL's own submatch extracts.
func ExtractReferencedTables(sql string) map[string]bool {
	refs := map[string]bool{}

	for _, re := range []*regexp.Regexp{fromRe, joinRe} {
		for _, m := range re.FindAllStringSubmatchIndex(sql, -1) {
			name := sql[m[2]:m[3]]
			if followedByParen(sql, m[3]) {
				continue
			}

			refs[lower(name)] = true
		}
	}

	for _, m := range udfCallRe.FindAllStringSubmatch(sql, -1) {
		refs[lower(m[1])] = true
	}

	return refs
}

func followedByParen(sql string, idx int) bool {
	rest := strings.TrimLeft(sql[idx:], " \t\n\r")
	return strings.HasPrefix(rest, "(")
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}

	return string(b)
}
