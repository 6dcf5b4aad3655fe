// Package scope names branches and filters directory manifests for the two ownership scopes
// (frontend and backend) a project is split into.
package scope

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Scope is an ownership tag.
type Scope string

const (
	Frontend Scope = "FE"
	Backend  Scope = "BE"
)

// RootPrefix is stripped from manifest paths before scope rules apply.
const RootPrefix = "repo/"

// ErrUnknownScope is returned for any scope other than FE or BE.
var ErrUnknownScope = errors.New("unknown scope")

// ParseScope accepts FE/BE in any case and the long forms frontend/backend.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fe", "frontend":
		return Frontend, nil
	case "be", "backend":
		return Backend, nil
	default:
		return "", fmt.Errorf("%w %q: expected FE or BE", ErrUnknownScope, s)
	}
}

// Validate reports whether s is one of the two known scopes.
func (s Scope) Validate() error {
	if s != Frontend && s != Backend {
		return fmt.Errorf("%w %q: expected FE or BE", ErrUnknownScope, string(s))
	}
	return nil
}

// Marker is the directory segment that holds this scope's files.
func (s Scope) Marker() string {
	if s == Backend {
		return "backend"
	}
	return "frontend"
}

// Opposite returns the other scope.
func (s Scope) Opposite() Scope {
	if s == Backend {
		return Frontend
	}
	return Backend
}

// Slugify lowercases name and collapses every run of non-alphanumeric characters into one hyphen,
// trimming hyphens at both ends.
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pendingHyphen := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	return b.String()
}

// BranchName returns the branch a scope's work lands on, e.g. "shop_FE".
func BranchName(project string, s Scope) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	slug := Slugify(project)
	if slug == "" {
		return "", fmt.Errorf("project name %q has no usable characters", project)
	}
	return slug + "_" + string(s), nil
}

// FilterTree keeps the manifest entries owned by s, relative to the scope root. The RootPrefix is
// stripped, paths under the scope's marker segment are rewritten to start after it, and paths under
// the opposite marker are dropped. Paths under neither marker are shared and kept as is. Output
// order follows input order without duplicates.
func FilterTree(paths []string, s Scope) ([]string, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	own, other := s.Marker(), s.Opposite().Marker()

	out := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		rel, ok := filterPath(p, own, other)
		if !ok || seen[rel] {
			continue
		}
		seen[rel] = true
		out = append(out, rel)
	}
	return out, nil
}

func filterPath(p, own, other string) (string, bool) {
	p = strings.TrimPrefix(strings.TrimSpace(strings.ReplaceAll(p, "\\", "/")), "./")
	p = strings.TrimPrefix(p, RootPrefix)
	if p == "" {
		return "", false
	}

	segments := strings.Split(p, "/")
	for i, seg := range segments {
		switch seg {
		case other:
			return "", false
		case own:
			rest := strings.Join(segments[i+1:], "/")
			return rest, rest != ""
		}
	}
	return p, true
}
