package study

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// ErrEmptyQuery is returned by [Library.Search] for a blank query.
var ErrEmptyQuery = errors.New("study: empty search query")

const (
	// fuzzyThreshold is the Jaro-Winkler score a query word needs to match
	// a material word by spelling alone.
	fuzzyThreshold = 0.88

	// phoneticThreshold is the lower score accepted when both words share
	// a Double Metaphone code ("mitocondria" for "mitochondria").
	phoneticThreshold = 0.70

	// minHitScore is the mean word score a material needs to be returned.
	minHitScore = 0.5

	// titleBoost is added to a word score when the word is in the title.
	titleBoost = 0.05

	snippetRadius = 60
)

// SearchHit is one material matching a search query.
type SearchHit struct {
	ID      string       `json:"id"`
	Title   string       `json:"title"`
	Type    MaterialType `json:"type"`
	Score   float64      `json:"score"`
	Snippet string       `json:"snippet"`
}

// Search ranks materials against query by fuzzy and phonetic word matching,
// so misspelled or misheard terms still find their material. At most limit
// hits are returned, best first; limit <= 0 means no limit. Each search is
// logged as a Search activity.
func (l *Library) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	query = strings.TrimSpace(query)
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil, ErrEmptyQuery
	}

	ms, err := l.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("study: search: %w", err)
	}

	queryCodes := make([]map[string]struct{}, len(queryTokens))
	for i, t := range queryTokens {
		queryCodes[i] = codesForTokens([]string{t})
	}

	hits := make([]SearchHit, 0)
	for _, m := range ms {
		titleWords := wordSet(tokenize(m.Title))
		words := wordSet(tokenize(m.Content))
		for w := range titleWords {
			words[w] = struct{}{}
		}

		var total float64
		best, bestWord := 0.0, ""
		for i, qt := range queryTokens {
			score, word := bestWordScore(qt, queryCodes[i], words)
			if _, ok := titleWords[word]; ok && score > 0 {
				score = min(score+titleBoost, 1)
			}
			total += score
			if score > best {
				best, bestWord = score, word
			}
		}
		mean := total / float64(len(queryTokens))
		if mean < minHitScore {
			continue
		}
		hits = append(hits, SearchHit{
			ID:      m.ID,
			Title:   m.Title,
			Type:    m.Type,
			Score:   mean,
			Snippet: snippet(m.Content, bestWord),
		})
	}

	slices.SortStableFunc(hits, func(a, b SearchHit) int { return cmp.Compare(b.Score, a.Score) })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	l.LogActivity(fmt.Sprintf("Searched for: %s", query), ActivitySearch)
	l.log.Debug("study: search", "query", query, "hits", len(hits))
	return hits, nil
}

// bestWordScore returns the best score of token against words and the word
// that produced it. Scores below the thresholds count as zero.
func bestWordScore(token string, codes map[string]struct{}, words map[string]struct{}) (float64, string) {
	best, bestWord := 0.0, ""
	for w := range words {
		s := matchr.JaroWinkler(token, w, false)
		if s <= best {
			continue
		}
		switch {
		case s >= fuzzyThreshold:
		case s >= phoneticThreshold && codesOverlap(codes, codesForTokens([]string{w})):
		default:
			continue
		}
		best, bestWord = s, w
	}
	return best, bestWord
}

// tokenize lowercases s and splits it into words of at least two letters or
// digits.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

func wordSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// snippet returns the text around the first occurrence of word in content,
// or the start of content when word is not found.
func snippet(content, word string) string {
	lower := strings.ToLower(content)
	idx := -1
	if word != "" && len(lower) == len(content) {
		idx = strings.Index(lower, word)
	}
	start, end := 0, min(len(content), 2*snippetRadius)
	if idx >= 0 {
		start = max(0, idx-snippetRadius)
		end = min(len(content), idx+len(word)+snippetRadius)
	}
	for start > 0 && !utf8.RuneStart(content[start]) {
		start--
	}
	for end < len(content) && !utf8.RuneStart(content[end]) {
		end++
	}

	s := strings.Join(strings.Fields(content[start:end]), " ")
	if start > 0 {
		s = "…" + s
	}
	if end < len(content) {
		s += "…"
	}
	return s
}
