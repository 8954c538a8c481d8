// Package scanner detects and redacts sensitive substrings before content
// is persisted or embedded. The pattern set is data, not code: an ordered
// list of {kind, rule} entries, loadable from YAML and hot-reloadable.
package scanner

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Pattern maps a secret kind to its matching rule. Rules must capture the
// matched span only, never surrounding context.
type Pattern struct {
	Kind string
	Rule *regexp.Regexp
}

// Match is a detected span over the original (unredacted) text.
type Match struct {
	Kind  string `json:"kind"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Scanner redacts secret spans from text. Scan is total: an internal
// pattern-engine failure degrades to "no matches" for that rule, counted
// on a side channel rather than blocking the write.
type Scanner struct {
	mu       sync.RWMutex
	patterns []Pattern

	// failures counts degraded rule evaluations. Observable by callers so
	// the degradation is never silent.
	failures atomic.Int64

	logger *zap.Logger
}

// New creates a scanner with the given pattern set. A nil or empty set
// falls back to DefaultPatterns.
func New(patterns []Pattern, logger *zap.Logger) *Scanner {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		patterns: patterns,
		logger:   logger.With(zap.String("component", "secret_scanner")),
	}
}

// placeholder encodes the kind into the redaction token. The '<' is
// deliberately excluded from every default rule's value class so that
// re-scanning redacted text finds nothing.
func placeholder(kind string) string {
	return fmt.Sprintf("<REDACTED:%s>", kind)
}

// Scan returns the redacted text and the matched spans over the original
// text, ordered by start offset. Overlapping matches are resolved
// first-start-wins; a longer match beats a shorter one at the same start.
func (s *Scanner) Scan(text string) (string, []Match) {
	s.mu.RLock()
	patterns := s.patterns
	s.mu.RUnlock()

	var matches []Match
	for _, p := range patterns {
		locs := s.findAll(p, text)
		for _, loc := range locs {
			matches = append(matches, Match{Kind: p.Kind, Start: loc[0], End: loc[1]})
		}
	}
	if len(matches) == 0 {
		return text, nil
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Start != matches[j].Start {
			return matches[i].Start < matches[j].Start
		}
		return matches[i].End > matches[j].End
	})

	// Drop spans overlapping an already-accepted one.
	kept := matches[:0]
	lastEnd := 0
	for _, m := range matches {
		if m.Start < lastEnd {
			continue
		}
		kept = append(kept, m)
		lastEnd = m.End
	}

	var b strings.Builder
	prev := 0
	for _, m := range kept {
		b.WriteString(text[prev:m.Start])
		b.WriteString(placeholder(m.Kind))
		prev = m.End
	}
	b.WriteString(text[prev:])

	return b.String(), kept
}

// findAll runs one rule, degrading to no matches if the engine panics.
func (s *Scanner) findAll(p Pattern, text string) (locs [][]int) {
	defer func() {
		if r := recover(); r != nil {
			s.failures.Add(1)
			s.logger.Warn("pattern engine failure, degrading to no matches",
				zap.String("kind", p.Kind),
				zap.Any("panic", r))
			locs = nil
		}
	}()
	if p.Rule == nil {
		s.failures.Add(1)
		s.logger.Warn("nil rule, degrading to no matches", zap.String("kind", p.Kind))
		return nil
	}
	return p.Rule.FindAllStringIndex(text, -1)
}

// EngineFailures returns the number of degraded rule evaluations since
// construction. Callers log or export this; it is never an error.
func (s *Scanner) EngineFailures() int64 {
	return s.failures.Load()
}

// SetPatterns atomically replaces the pattern set (hot reload path).
func (s *Scanner) SetPatterns(patterns []Pattern) {
	s.mu.Lock()
	s.patterns = patterns
	s.mu.Unlock()
	s.logger.Info("pattern set replaced", zap.Int("patterns", len(patterns)))
}

// Patterns returns a copy of the active pattern set.
func (s *Scanner) Patterns() []Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pattern, len(s.patterns))
	copy(out, s.patterns)
	return out
}
