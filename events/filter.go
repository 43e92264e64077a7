package events

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters transitions using glob patterns over "SOURCE->TARGET".
type GlobFilter struct {
	globs []glob.Glob
}

// NewGlobFilter compiles the given patterns.
// Empty patterns match everything.
func NewGlobFilter(patterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{globs: make([]glob.Glob, 0, len(patterns))}

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid transition pattern %q: %w", pattern, err)
		}
		filter.globs = append(filter.globs, g)
	}
	return filter, nil
}

// Match returns true if the transition matches any configured pattern.
// With no patterns configured, all transitions match.
func (f *GlobFilter) Match(source, target string) bool {
	if len(f.globs) == 0 {
		return true
	}

	key := source + "->" + target
	for _, g := range f.globs {
		if g.Match(key) {
			return true
		}
	}
	return false
}
