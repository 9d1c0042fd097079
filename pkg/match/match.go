// Package match implements fuzzy matching of spoken text against a set of
// candidate choices.
//
// The algorithm proceeds in priority order, first qualifying rule wins:
//
//  1. Keyword containment: if the lower-cased spoken text contains any of a
//     candidate's keywords as a substring, that candidate wins immediately
//     with a fixed confidence of 0.9. Keyword matches are considered
//     near-certain and short-circuit all further scoring.
//
//  2. Otherwise every candidate is scored as the maximum of: the normalized
//     edit-distance similarity between the spoken text and the candidate's
//     full text, the similarity between the spoken text and each individual
//     keyword, and a word-overlap ratio — the fraction of the candidate's
//     words longer than three characters that have some spoken word with
//     similarity above 0.7.
//
//  3. The single highest-scoring candidate is returned if its score reaches
//     the threshold; otherwise there is no match. On exact score ties the
//     earlier candidate is kept.
//
// Matching is deterministic and side-effect free.
package match

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	// DefaultThreshold is the minimum confidence required for a non-keyword
	// match to be accepted.
	DefaultThreshold = 0.3

	// KeywordConfidence is the fixed confidence assigned to keyword
	// containment matches.
	KeywordConfidence = 0.9

	// significantWordLen is the minimum length (exclusive) for a candidate
	// word to participate in word-overlap scoring.
	significantWordLen = 3

	// wordSimilarityFloor is the per-word similarity a spoken word must
	// exceed to count as overlapping a candidate word.
	wordSimilarityFloor = 0.7
)

// Candidate is one matchable choice: its display text plus its recognition
// keywords.
type Candidate struct {
	// Text is the candidate's full display text.
	Text string

	// Keywords are exact-containment boosting hints.
	Keywords []string
}

// Result identifies the best-matching candidate.
type Result struct {
	// Index is the candidate's position in the slice passed to Match.
	Index int

	// Confidence is the match score in [0, 1].
	Confidence float64
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithThreshold sets the minimum confidence required for a match to be
// accepted. Default: [DefaultThreshold].
func WithThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.threshold = threshold
	}
}

// Matcher matches spoken text against candidates. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	threshold float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{threshold: DefaultThreshold}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match finds the candidate best matching spoken. The boolean is false when
// no candidate reaches the matcher's threshold.
func (m *Matcher) Match(spoken string, candidates []Candidate) (Result, bool) {
	return Find(spoken, candidates, m.threshold)
}

// Find is the package-level form of [Matcher.Match] with an explicit
// threshold.
func Find(spoken string, candidates []Candidate, threshold float64) (Result, bool) {
	spokenLower := strings.ToLower(strings.TrimSpace(spoken))
	if spokenLower == "" || len(candidates) == 0 {
		return Result{}, false
	}

	// Rule 1: keyword containment short-circuits everything else.
	for i, c := range candidates {
		for _, kw := range c.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(spokenLower, kw) {
				return Result{Index: i, Confidence: KeywordConfidence}, true
			}
		}
	}

	spokenWords := strings.Fields(spokenLower)

	best := Result{Index: -1}
	for i, c := range candidates {
		score := scoreCandidate(spokenLower, spokenWords, c)
		if score > best.Confidence {
			best = Result{Index: i, Confidence: score}
		}
	}

	if best.Index < 0 || best.Confidence < threshold {
		return Result{}, false
	}
	return best, true
}

// scoreCandidate computes the candidate's best sub-score: full-text
// similarity, per-keyword similarity, and word-overlap ratio.
func scoreCandidate(spoken string, spokenWords []string, c Candidate) float64 {
	text := strings.ToLower(strings.TrimSpace(c.Text))

	score := Similarity(spoken, text)

	for _, kw := range c.Keywords {
		if s := Similarity(spoken, strings.ToLower(kw)); s > score {
			score = s
		}
	}

	// Word overlap: fraction of the candidate's significant words that some
	// spoken word resembles.
	var significant, matched int
	for _, w := range strings.Fields(text) {
		if len(w) <= significantWordLen {
			continue
		}
		significant++
		for _, sw := range spokenWords {
			if Similarity(w, sw) > wordSimilarityFloor {
				matched++
				break
			}
		}
	}
	if matched > 0 {
		if overlap := float64(matched) / float64(significant); overlap > score {
			score = overlap
		}
	}

	return score
}

// Similarity is the normalized edit-distance similarity between a and b:
// 1 − distance/max(len), computed case-insensitively on the trimmed inputs.
// Equal strings score 1; if either (but not both) is empty the score is 0.
// Similarity is symmetric.
func Similarity(a, b string) float64 {
	s1 := strings.ToLower(strings.TrimSpace(a))
	s2 := strings.ToLower(strings.TrimSpace(b))

	if s1 == s2 {
		return 1
	}
	if s1 == "" || s2 == "" {
		return 0
	}

	dist := matchr.Levenshtein(s1, s2)
	maxLen := len([]rune(s1))
	if l := len([]rune(s2)); l > maxLen {
		maxLen = l
	}
	return 1 - float64(dist)/float64(maxLen)
}
