// Package rules loads the moderation list configuration (thresholds,
// descriptions, exception files, word-list files) from a YAML file and
// compiles it into the rule set the reconciler classifies profiles against
// (spec.md §4.H).
package rules

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/klppl/modbot/internal/wordlist"
)

// ThresholdList describes one follow-count, unverified-follow-count, or
// follower-count list (spec.md §3 "List descriptor").
type ThresholdList struct {
	Key           string `yaml:"key"`
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	Threshold     int    `yaml:"threshold"`
	ExceptionFile string `yaml:"exception_file"`
}

// WordList describes one lexical-match list (MAGA, hate, porn, ...).
type WordList struct {
	Key           string `yaml:"key"`
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	WordsFile     string `yaml:"words_file"`
	ExceptionFile string `yaml:"exception_file"`
}

// FileConfig is the on-disk YAML shape.
type FileConfig struct {
	DefaultDomainSuffix        string          `yaml:"default_domain_suffix"`
	FollowCountLists           []ThresholdList `yaml:"follow_count_lists"`
	UnverifiedFollowCountLists []ThresholdList `yaml:"unverified_follow_count_lists"`
	FollowerCountLists         []ThresholdList `yaml:"follower_count_lists"`
	WordLists                  []WordList      `yaml:"word_lists"`
}

// CompiledWordList is a WordList with its word file loaded and compiled.
type CompiledWordList struct {
	WordList
	Matcher    *wordlist.Matcher
	Exceptions map[string]struct{} // DID -> member
}

// CompiledThresholdList is a ThresholdList with its exception file loaded.
type CompiledThresholdList struct {
	ThresholdList
	Exceptions map[string]struct{}
}

// RuleSet is the fully loaded, ready-to-classify-against configuration.
type RuleSet struct {
	DefaultDomainSuffix        string
	FollowCountLists           []CompiledThresholdList
	UnverifiedFollowCountLists []CompiledThresholdList
	FollowerCountLists         []CompiledThresholdList
	WordLists                  []CompiledWordList
}

// Load reads the list config YAML at path, loads every referenced
// exception/word file, and compiles the word-list matchers. Lists within
// each threshold category are sorted ascending by threshold so the
// reconciler can walk them in the order spec.md §4.H requires.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read list config %q: %w", path, err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse list config %q: %w", path, err)
	}
	if fc.DefaultDomainSuffix == "" {
		fc.DefaultDomainSuffix = "bsky.social"
	}

	rs := &RuleSet{DefaultDomainSuffix: fc.DefaultDomainSuffix}

	rs.FollowCountLists, err = compileThresholdLists(fc.FollowCountLists)
	if err != nil {
		return nil, err
	}
	rs.UnverifiedFollowCountLists, err = compileThresholdLists(fc.UnverifiedFollowCountLists)
	if err != nil {
		return nil, err
	}
	rs.FollowerCountLists, err = compileThresholdLists(fc.FollowerCountLists)
	if err != nil {
		return nil, err
	}

	for _, wl := range fc.WordLists {
		words, err := wordlist.Load(wl.WordsFile)
		if err != nil {
			return nil, fmt.Errorf("word list %q: %w", wl.Key, err)
		}
		matcher, compileErrs := wordlist.NewMatcher(words)
		for _, e := range compileErrs {
			// Operator error in a word file shouldn't block startup; the
			// offending word is simply dropped from the matcher.
			fmt.Fprintf(os.Stderr, "word list %s: %v\n", wl.Key, e)
		}
		exceptions, err := loadExceptions(wl.ExceptionFile)
		if err != nil {
			return nil, err
		}
		rs.WordLists = append(rs.WordLists, CompiledWordList{
			WordList:   wl,
			Matcher:    matcher,
			Exceptions: exceptions,
		})
	}

	return rs, nil
}

func compileThresholdLists(in []ThresholdList) ([]CompiledThresholdList, error) {
	out := make([]CompiledThresholdList, 0, len(in))
	for _, tl := range in {
		exceptions, err := loadExceptions(tl.ExceptionFile)
		if err != nil {
			return nil, err
		}
		out = append(out, CompiledThresholdList{ThresholdList: tl, Exceptions: exceptions})
	}
	// Ascending threshold order (spec.md §4.H point 1: "in ascending
	// threshold order"). A simple insertion sort is plenty for the handful
	// of lists a deployment configures.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Threshold < out[j-1].Threshold; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// loadExceptions reads a newline-delimited DID file. A missing or empty path
// yields an empty (non-nil) set so callers never need a nil check.
func loadExceptions(path string) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	if path == "" {
		return set, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, fmt.Errorf("open exception file %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		did := strings.TrimSpace(scanner.Text())
		if did == "" {
			continue
		}
		set[did] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read exception file %q: %w", path, err)
	}
	return set, nil
}
