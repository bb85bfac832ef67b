// Package envsubst expands ${VAR} and ${VAR:-default} placeholders in
// configuration values against the process environment. Expansion happens at
// connect time only, so persisted configs keep the literal placeholder and
// secrets are never written to disk in resolved form.
package envsubst

import (
	"os"
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\$\{(\w+)(:-([^}]*))?\}`)

// LookupFunc resolves a variable name to a value. The second return value
// reports whether the variable is set.
type LookupFunc func(name string) (string, bool)

// Resolver expands placeholders using a variable lookup.
type Resolver struct {
	lookup LookupFunc
}

// New creates a Resolver backed by os.LookupEnv.
func New() *Resolver {
	return &Resolver{lookup: os.LookupEnv}
}

// NewWithLookup creates a Resolver with a custom lookup, used in tests.
func NewWithLookup(lookup LookupFunc) *Resolver {
	return &Resolver{lookup: lookup}
}

// ExpandString replaces every ${VAR} and ${VAR:-default} in s. An unset
// variable with a default expands to the default; an unset variable without
// one is left as the literal placeholder so the failure surfaces at the
// provider instead of as an empty string.
func (r *Resolver) ExpandString(s string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderRe.FindStringSubmatch(match)
		name := groups[1]
		if val, ok := r.lookup(name); ok {
			return val
		}
		if groups[2] != "" {
			return groups[3]
		}
		return match
	})
}

// ExpandStringMap returns a copy of m with every value expanded. Keys are
// left untouched. A nil map expands to nil.
func (r *Resolver) ExpandStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = r.ExpandString(v)
	}
	return out
}

// ExpandSlice returns a copy of s with every element expanded.
func (r *Resolver) ExpandSlice(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = r.ExpandString(v)
	}
	return out
}

// Expand walks an arbitrary JSON-shaped value (strings, maps, slices) and
// expands every string it finds.
func (r *Resolver) Expand(x any) any {
	switch v := x.(type) {
	case string:
		return r.ExpandString(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = r.Expand(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = r.Expand(e)
		}
		return out
	default:
		return x
	}
}
