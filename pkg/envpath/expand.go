// Package envpath expands environment variable references in filesystem
// allow-list paths.
//
// Every `$VAR` token (VAR matching [A-Za-z_][A-Za-z0-9_]*) produces two
// renderings: the resolved path, where the token is replaced by the
// variable's value, and the sanitized path, where the token is replaced by
// the bare variable name. The sanitized form is what a sandboxed module sees
// as the mount name, so it never leaks host-specific directory layout.
package envpath

import (
	"os"
	"regexp"
)

var tokenPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// LookupFunc resolves a variable name. It reports false when the variable is unset.
type LookupFunc func(name string) (string, bool)

// Expand expands pattern against the current process environment.
func Expand(pattern string) (resolved, sanitized string) {
	return ExpandWith(pattern, os.LookupEnv)
}

// ExpandWith expands pattern using lookup. Unset variables are left as the
// literal token in resolved. Expansion never fails.
func ExpandWith(pattern string, lookup LookupFunc) (resolved, sanitized string) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	resolved = tokenPattern.ReplaceAllStringFunc(pattern, func(token string) string {
		if value, ok := lookup(token[1:]); ok {
			return value
		}
		return token
	})
	sanitized = tokenPattern.ReplaceAllString(pattern, "$1")

	return resolved, sanitized
}

// HasVariables reports whether pattern contains at least one `$VAR` token.
func HasVariables(pattern string) bool {
	return tokenPattern.MatchString(pattern)
}
