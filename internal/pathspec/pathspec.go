// Package pathspec selects files by glob patterns relative to a root
// directory. Patterns use doublestar syntax; a path is selected when it
// matches at least one include pattern and no exclude pattern.
package pathspec

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

// PathSpec is an include/exclude pattern set rooted at Root.
type PathSpec struct {
	Root    string
	Include []string
	Exclude []string
}

// Match is one selected file.
type Match struct {
	// Path is the file's location on the filesystem, Root joined with the
	// pattern-relative path.
	Path string
	// Rel is the path relative to the static base of the include pattern
	// that selected it, slash separated. Outputs keep this structure.
	Rel string
}

// New builds a PathSpec.
func New(root string, include []string, exclude ...string) PathSpec {
	return PathSpec{Root: root, Include: include, Exclude: exclude}
}

// Validate checks every pattern for syntax errors.
func (p PathSpec) Validate() error {
	if len(p.Include) == 0 {
		return fmt.Errorf("pathspec rooted at %q has no include patterns", p.Root)
	}

	for _, group := range [][]string{p.Include, p.Exclude} {
		for _, pattern := range group {
			if !doublestar.ValidatePattern(pattern) {
				return fmt.Errorf("invalid pattern %q: %w", pattern, doublestar.ErrBadPattern)
			}
		}
	}

	return nil
}

// Glob returns every file under Root selected by the PathSpec, sorted by path.
// A file selected by several include patterns is returned once, attributed
// to the first pattern that selected it.
func (p PathSpec) Glob(fsys afero.Fs) ([]Match, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	exists, err := afero.DirExists(fsys, p.Root)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p.Root, err)
	}
	if !exists {
		return nil, nil
	}

	rooted := afero.NewIOFS(afero.NewBasePathFs(fsys, p.Root))

	seen := make(map[string]bool)
	var matches []Match

	for _, pattern := range p.Include {
		base := StaticBase(pattern)

		found, err := doublestar.Glob(rooted, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}

		for _, rel := range found {
			if seen[rel] || p.excluded(rel) {
				continue
			}
			seen[rel] = true

			matches = append(matches, Match{
				Path: filepath.Join(p.Root, filepath.FromSlash(rel)),
				Rel:  relativeTo(base, rel),
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Path < matches[j].Path })

	return matches, nil
}

// Matches reports whether the filesystem path name is selected by the PathSpec.
// name may be absolute or relative to the working directory; Root is
// interpreted the same way.
func (p PathSpec) Matches(name string) bool {
	rel, ok := p.relToRoot(name)
	if !ok {
		return false
	}

	return p.MatchesRel(rel)
}

// MatchesRel reports whether a slash separated path relative to Root is
// selected by the PathSpec.
func (p PathSpec) MatchesRel(rel string) bool {
	if p.excluded(rel) {
		return false
	}

	for _, pattern := range p.Include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}

	return false
}

// Bases returns the static base directory of every include pattern joined
// onto Root, deduplicated. Watchers subscribe to these directories.
func (p PathSpec) Bases() []string {
	seen := make(map[string]bool)
	var dirs []string

	for _, pattern := range p.Include {
		dir := filepath.Join(p.Root, filepath.FromSlash(StaticBase(pattern)))
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}

	return dirs
}

func (p PathSpec) excluded(rel string) bool {
	for _, pattern := range p.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}

	return false
}

func (p PathSpec) relToRoot(name string) (string, bool) {
	root := filepath.Clean(p.Root)
	target := filepath.Clean(name)

	if filepath.IsAbs(root) != filepath.IsAbs(target) {
		var err error
		if root, err = filepath.Abs(root); err != nil {
			return "", false
		}
		if target, err = filepath.Abs(target); err != nil {
			return "", false
		}
	}

	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", false
	}

	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}

	return rel, true
}

// StaticBase returns the leading directories of pattern that contain no
// glob metacharacters. For a pattern without metacharacters it is the
// pattern's directory.
func StaticBase(pattern string) string {
	segments := strings.Split(pattern, "/")

	for i, segment := range segments {
		if strings.ContainsAny(segment, "*?[{\\") {
			return path.Join(segments[:i]...)
		}
	}

	dir := path.Dir(pattern)
	if dir == "." {
		return ""
	}

	return dir
}

func relativeTo(base, rel string) string {
	if base == "" {
		return rel
	}

	return strings.TrimPrefix(rel, base+"/")
}
