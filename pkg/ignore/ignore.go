// Package ignore decides which files a directory upload skips.
package ignore

import (
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName is the per-directory ignore file, in .gitignore syntax.
const FileName = ".kacheryignore"

// defaultRules always apply, after any user rules.
var defaultRules = []string{
	".kachery",
	".git",
	".env",
	".DS_Store",
	"Thumbs.db",
	FileName,
}

type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// NewMatcher compiles <root>/.kacheryignore, if present, plus the defaults.
func NewMatcher(root string) (*Matcher, error) {
	path := filepath.Join(root, FileName)
	if _, err := os.Stat(path); err != nil {
		return &Matcher{ignorer: gitignore.CompileIgnoreLines(defaultRules...)}, nil
	}
	ignorer, err := gitignore.CompileIgnoreFileAndLines(path, defaultRules...)
	if err != nil {
		return nil, err
	}
	return &Matcher{ignorer: ignorer}, nil
}

// Matches reports whether path, relative to the root and slash-separated,
// should be skipped.
func (m *Matcher) Matches(path string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	return m.ignorer.MatchesPath(path)
}
