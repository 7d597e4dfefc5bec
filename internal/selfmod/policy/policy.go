// internal/selfmod/policy/policy.go
package policy

import (
	"path"
	"path/filepath"
	"strings"
)

// DefaultProtectedPatterns lists files an automated change must never touch
// without a human: secrets, manifests, lockfiles and the modifier's own source.
var DefaultProtectedPatterns = []string{
	".env",
	".env.*",
	"*.env",
	"package.json",
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"go.mod",
	"go.sum",
	"internal/selfmod/**",
}

// DefaultProtectedDirs are directory names the edit engine refuses to enter.
var DefaultProtectedDirs = []string{".git", "node_modules"}

// Matcher matches workspace-relative paths against glob patterns.
//
// A pattern without a slash matches the base name (".env.*", "*.lock"). A
// pattern with a slash matches the whole relative path. A trailing "/**"
// matches everything below that directory at any depth.
type Matcher struct {
	patterns []string
}

// NewMatcher normalizes and stores patterns. Empty entries are dropped.
func NewMatcher(patterns []string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		p = toSlash(strings.TrimSpace(p))
		p = strings.TrimPrefix(p, "./")
		if p == "" {
			continue
		}
		m.patterns = append(m.patterns, strings.ToLower(p))
	}
	return m
}

// Patterns returns the normalized patterns.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// Match returns the first pattern matching p.
func (m *Matcher) Match(p string) (string, bool) {
	rel := Normalize(p)
	if rel == "" {
		return "", false
	}
	base := path.Base(rel)

	for _, pattern := range m.patterns {
		if dir, ok := strings.CutSuffix(pattern, "/**"); ok {
			if rel == dir || strings.HasPrefix(rel, dir+"/") || strings.Contains("/"+rel, "/"+dir+"/") {
				return pattern, true
			}
			continue
		}
		if strings.Contains(pattern, "/") {
			if ok, _ := path.Match(pattern, rel); ok {
				return pattern, true
			}
			continue
		}
		if ok, _ := path.Match(pattern, base); ok {
			return pattern, true
		}
	}
	return "", false
}

// Normalize lowercases p, converts it to forward slashes and strips any
// leading "./" or "/".
func Normalize(p string) string {
	p = toSlash(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	p = strings.TrimLeft(strings.TrimPrefix(p, "./"), "/")
	if p == "." {
		return ""
	}
	return strings.ToLower(p)
}

// toSlash also converts backslashes, since suggestions may come from any OS.
func toSlash(p string) string {
	return strings.ReplaceAll(filepath.ToSlash(p), `\`, "/")
}
