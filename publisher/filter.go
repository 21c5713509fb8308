package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter selects collections by glob patterns on database and collection
// names. An empty pattern list matches everything.
type GlobFilter struct {
	collectionGlobs []glob.Glob
	databaseGlobs   []glob.Glob
}

// NewGlobFilter compiles the collection and database patterns
func NewGlobFilter(collectionPatterns, dbPatterns []string) (*GlobFilter, error) {
	collections, err := compileGlobs("collection", collectionPatterns)
	if err != nil {
		return nil, err
	}
	databases, err := compileGlobs("database", dbPatterns)
	if err != nil {
		return nil, err
	}
	return &GlobFilter{collectionGlobs: collections, databaseGlobs: databases}, nil
}

func compileGlobs(kind string, patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Match reports whether both names match at least one of their patterns
func (f *GlobFilter) Match(database, collection string) bool {
	return matchAny(f.databaseGlobs, database) && matchAny(f.collectionGlobs, collection)
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
