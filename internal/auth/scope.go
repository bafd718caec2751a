package auth

import "sort"

// Scope comparison is exact-string based: a scope either matches or it does
// not. No wildcard or hierarchy inference is applied, which keeps the granted
// set auditable against what Google actually reports back.

// UnionScopes merges two scope lists into a sorted, de-duplicated set.
// Empty strings are dropped. The inputs are not modified.
func UnionScopes(granted, requested []string) []string {
	seen := make(map[string]struct{}, len(granted)+len(requested))
	out := make([]string, 0, len(granted)+len(requested))
	for _, list := range [][]string{granted, requested} {
		for _, scope := range list {
			if scope == "" {
				continue
			}
			if _, ok := seen[scope]; ok {
				continue
			}
			seen[scope] = struct{}{}
			out = append(out, scope)
		}
	}
	sort.Strings(out)
	return out
}

// ScopesSatisfied reports whether every requested scope is present in the
// granted set. An empty request is always satisfied.
func ScopesSatisfied(granted, requested []string) bool {
	if len(requested) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, scope := range granted {
		set[scope] = struct{}{}
	}
	for _, scope := range requested {
		if scope == "" {
			continue
		}
		if _, ok := set[scope]; !ok {
			return false
		}
	}
	return true
}
