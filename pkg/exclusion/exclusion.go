// Package exclusion decides which source entries take part in mirroring.
//
// Patterns are analyzed once and split into categories so the hot path can use
// map lookups for literals and cheap prefix/suffix checks for the common
// wildcard forms, falling back to filepath.Match only for real globs.
// Matching is case-insensitive and works on forward-slash relative keys.
package exclusion

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// SystemPatterns are always excluded: editor lock files, executables, logs,
// ini files and hidden entries.
var SystemPatterns = []string{
	"~$*",
	".~*",
	"*.exe",
	"*.log",
	"*.ini",
	".*",
}

type matchType int

const (
	literalMatch matchType = iota
	prefixMatch
	suffixMatch
	globMatch
)

// Set holds the categorized exclusion patterns for efficient matching.
// A Set is immutable after New and safe for concurrent use.
type Set struct {
	// literals are for exact full-path matches, which are the fastest to check.
	literals map[string]struct{}
	// basenameLiterals are for exact basename matches (e.g., "node_modules").
	basenameLiterals map[string]struct{}
	// nonLiterals are for patterns requiring more complex logic.
	nonLiterals []pattern
	patterns    []string
}

type pattern struct {
	raw           string    // The normalized pattern for logging/debugging.
	clean         string    // The pattern without wildcards for prefix/suffix matching.
	kind          matchType // The type of match to perform.
	matchBasename bool      // If true, the match is against the basename; otherwise, the full relative path.
	dirPrefix     bool      // Directory prefixes only match on a path component boundary.
}

// New analyzes and categorizes patterns. Empty patterns are ignored.
func New(patterns ...[]string) *Set {
	set := &Set{
		literals:         make(map[string]struct{}),
		basenameLiterals: make(map[string]struct{}),
	}

	// A pattern matches against the basename if it does NOT contain a path separator.
	// This aligns with .gitignore behavior (e.g., "node_modules" matches anywhere).
	shouldMatchBasename := func(p string) bool { return !strings.Contains(strings.TrimSuffix(p, "/"), "/") }

	for _, group := range patterns {
		for _, p := range group {
			p = normalize(strings.TrimSpace(p))
			if p == "" {
				continue
			}
			set.patterns = append(set.patterns, p)

			if strings.ContainsAny(p, "*?[]") {
				switch {
				case strings.HasSuffix(p, "/*") && !strings.ContainsAny(p[:len(p)-2], "*?[]"):
					// `build/*` excludes everything below build.
					set.nonLiterals = append(set.nonLiterals, pattern{
						raw: p, clean: strings.TrimSuffix(p, "/*"), kind: prefixMatch, dirPrefix: true,
					})
				case strings.HasSuffix(p, "*") && !strings.ContainsAny(p[:len(p)-1], "*?[]"):
					// `~$*` or `temp_*`.
					set.nonLiterals = append(set.nonLiterals, pattern{
						raw: p, clean: strings.TrimSuffix(p, "*"), kind: prefixMatch, matchBasename: shouldMatchBasename(p),
					})
				case strings.HasPrefix(p, "*") && !strings.ContainsAny(p[1:], "*?[]"):
					// `*.log` or `*.tmp`.
					set.nonLiterals = append(set.nonLiterals, pattern{
						raw: p, clean: p[1:], kind: suffixMatch, matchBasename: shouldMatchBasename(p),
					})
				default:
					set.nonLiterals = append(set.nonLiterals, pattern{
						raw: p, clean: p, kind: globMatch, matchBasename: shouldMatchBasename(p),
					})
				}
				continue
			}

			switch {
			case strings.HasSuffix(p, "/"):
				// `build/` is a directory prefix relative to the root.
				set.nonLiterals = append(set.nonLiterals, pattern{
					raw: p, clean: strings.TrimSuffix(p, "/"), kind: prefixMatch, dirPrefix: true,
				})
			case shouldMatchBasename(p):
				set.basenameLiterals[p] = struct{}{}
			default:
				set.literals[p] = struct{}{}
			}
		}
	}
	return set
}

// Patterns returns the normalized patterns in the order they were added.
func (s *Set) Patterns() []string {
	out := make([]string, len(s.patterns))
	copy(out, s.patterns)
	return out
}

// Matches checks if a single entry, given by its relative path key and
// basename, matches any of the exclusion patterns. The root itself (empty key)
// never matches.
func (s *Set) Matches(relPathKey, basename string) bool {
	if s == nil || relPathKey == "" {
		return false
	}
	normalizedPath := normalize(relPathKey)
	normalizedBasename := normalize(basename)

	if _, ok := s.literals[normalizedPath]; ok {
		return true
	}
	if _, ok := s.basenameLiterals[normalizedBasename]; ok {
		return true
	}

	for _, p := range s.nonLiterals {
		pathToCheck := normalizedPath
		if p.matchBasename {
			pathToCheck = normalizedBasename
		}

		switch p.kind {
		case prefixMatch:
			if !strings.HasPrefix(pathToCheck, p.clean) {
				continue
			}
			// Full-path directory prefixes must not match "build-tools" for "build/".
			if p.dirPrefix && pathToCheck != p.clean && !strings.HasPrefix(pathToCheck, p.clean+"/") {
				continue
			}
			return true
		case suffixMatch:
			if strings.HasSuffix(pathToCheck, p.clean) {
				return true
			}
		case globMatch:
			match, err := filepath.Match(p.clean, pathToCheck)
			if err != nil {
				plog.Warn("Invalid exclusion pattern", "pattern", p.raw, "error", err)
				continue
			}
			if match {
				return true
			}
		}
	}
	return false
}

// MatchesPath reports whether relPathKey or any of its parent directories is
// excluded. Event paths arrive without the walk's pruning, so a file below a
// hidden directory has to be rejected by looking at every component.
func (s *Set) MatchesPath(relPathKey string) bool {
	if s == nil || relPathKey == "" {
		return false
	}
	parts := strings.Split(relPathKey, "/")
	for i := range parts {
		if s.Matches(strings.Join(parts[:i+1], "/"), parts[i]) {
			return true
		}
	}
	return false
}

// Validate reports the first malformed glob among patterns.
func Validate(patterns []string) error {
	for _, p := range patterns {
		if _, err := filepath.Match(normalize(p), ""); err != nil {
			return fmt.Errorf("invalid exclusion pattern %q: %w", p, err)
		}
	}
	return nil
}

// normalize converts a path or pattern into a standardized,
// case-insensitive key format (forward slashes, lowercase).
func normalize(p string) string {
	return strings.ToLower(filepath.ToSlash(p))
}
