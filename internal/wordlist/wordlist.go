// Package wordlist implements the case-insensitive, word-boundary profile
// matcher (spec.md §4.B) and the plain-text word-file loader (spec.md §6).
//
// Open question (spec.md §9): words are not pre-escaped before being spliced
// into a regular expression. A word containing regex metacharacters (e.g.
// "c++", "a.b*") behaves as a regex fragment, not a literal substring. This
// mirrors the Ruby original's documented behavior and is a deliberate
// release-note decision, not an oversight.
package wordlist

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
)

// Profile is the subset of a profile snapshot the matcher reads.
// Kept minimal and decoupled from internal/cache's Profile type so this
// package has no dependency on the cache.
type Profile struct {
	Handle         string
	DisplayName    string
	Description    string
	HasDescription bool
}

// Load reads a newline-delimited word file, trimming leading/trailing
// whitespace from each line and skipping blank lines. A missing file yields
// an empty list (no error) — spec.md §6: "Missing file ⇒ empty list (no
// matches)."
func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open word list %q: %w", path, err)
	}
	defer f.Close()

	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		w := strings.TrimSpace(scanner.Text())
		if w == "" {
			continue
		}
		words = append(words, w)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read word list %q: %w", path, err)
	}
	return words, nil
}

// Matcher holds compiled word-boundary patterns for one word list. Building
// it once up front avoids recompiling a regexp per profile classified.
type Matcher struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

// NewMatcher compiles one `\b<word>\b` pattern (case-insensitive) per word.
// A word that fails to compile as a regex fragment is skipped with its error
// recorded in the returned slice so the caller can log it; compilation never
// panics on attacker-adjacent input (list operators are trusted, but a typo
// in a word file should not crash the daemon).
func NewMatcher(words []string) (*Matcher, []error) {
	m := &Matcher{}
	var errs []error
	for _, w := range words {
		re, err := compileWord(w)
		if err != nil {
			errs = append(errs, fmt.Errorf("word %q: %w", w, err))
			continue
		}
		m.patterns = append(m.patterns, re)
	}
	return m, errs
}

func compileWord(word string) (*regexp.Regexp, error) {
	// Per the package doc: word is spliced in verbatim, not escaped.
	return regexp.Compile(`(?i)\b` + word + `\b`)
}

// Match returns true iff any compiled pattern matches description, handle,
// or displayName (spec.md §4.B). A profile lacking a description
// (HasDescription == false) is excluded from the description check only;
// handle and displayName always participate.
func (m *Matcher) Match(p Profile) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fields := make([]string, 0, 3)
	if p.HasDescription {
		fields = append(fields, p.Description)
	}
	fields = append(fields, p.Handle, p.DisplayName)

	for _, re := range m.patterns {
		for _, f := range fields {
			if re.MatchString(f) {
				return true
			}
		}
	}
	return false
}

// Match is a convenience one-shot entry point for callers that don't want to
// hold onto a compiled Matcher (e.g. tests). Prefer NewMatcher for hot paths.
func Match(p Profile, words []string) bool {
	m, _ := NewMatcher(words)
	return m.Match(p)
}
