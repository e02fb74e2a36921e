package models

import "strings"

// Well-known scope values.
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
)

// SplitScopes splits a space-separated scope string, dropping empty entries.
func SplitScopes(scope string) []string {
	var out []string
	for _, s := range strings.Fields(scope) {
		out = append(out, s)
	}
	return out
}

// JoinScopes joins scopes with single spaces.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ContainsScope reports whether scopes contains s.
func ContainsScope(scopes []string, s string) bool {
	for _, v := range scopes {
		if v == s {
			return true
		}
	}
	return false
}
