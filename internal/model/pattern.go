package model

import (
	"strings"

	"github.com/gobwas/glob"
)

// Patterns is a case-insensitive set of wildcard patterns ("sys_*", "com.acme.*Mapper.*").
type Patterns struct {
	raw   []string
	globs []glob.Glob
}

func CompilePatterns(patterns []string) (Patterns, error) {
	p := Patterns{}
	for _, raw := range patterns {
		raw = strings.ToLower(strings.TrimSpace(raw))
		if raw == "" {
			continue
		}
		g, err := glob.Compile(raw)
		if err != nil {
			return Patterns{}, err
		}
		p.raw = append(p.raw, raw)
		p.globs = append(p.globs, g)
	}
	return p, nil
}

// MustCompilePatterns panics on an invalid pattern.
func MustCompilePatterns(patterns ...string) Patterns {
	p, err := CompilePatterns(patterns)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Patterns) Match(s string) bool {
	if len(p.globs) == 0 {
		return false
	}
	s = strings.ToLower(s)
	for _, g := range p.globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// MatchingPattern returns the first pattern that matches s.
func (p Patterns) MatchingPattern(s string) (string, bool) {
	s = strings.ToLower(s)
	for i, g := range p.globs {
		if g.Match(s) {
			return p.raw[i], true
		}
	}
	return "", false
}

func (p Patterns) Empty() bool {
	return len(p.globs) == 0
}
