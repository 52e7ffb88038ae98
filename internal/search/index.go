// Package search provides a small, deterministic in-memory index over the
// coaching FAQ. General chat replies are grounded on its top-ranked entries.
//
// The index is immutable after construction and safe for concurrent use.
// Scoring is Jaccard similarity between the query token set and each entry's
// token set: score = |Q ∩ E| / |Q ∪ E|. Ties are broken by shorter entry, then
// lexical order, so results are stable.
package search

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Result is a ranked FAQ entry with its similarity score.
type Result struct {
	Topic   string
	Snippet string
	Score   float64
}

// Index ranks FAQ entries against a query.
type Index interface {
	TopK(query string, k int) []Result
	Len() int
}

// Option customises index construction.
type Option func(*config)

type config struct {
	minEntryRunes int
	stopwords     map[string]struct{}
	minScore      float64
}

func defaultConfig() config {
	return config{
		minEntryRunes: 20,
		stopwords:     toSet(defaultStopwords),
		minScore:      0.02,
	}
}

// WithMinEntryRunes drops entries shorter than n runes.
func WithMinEntryRunes(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.minEntryRunes = n
		}
	}
}

// WithStopwords replaces the default stopword list. An empty list disables
// stopword removal.
func WithStopwords(words []string) Option {
	return func(c *config) {
		c.stopwords = toSet(words)
	}
}

// WithMinScore drops results scoring below s.
func WithMinScore(s float64) Option {
	return func(c *config) {
		if s >= 0 {
			c.minScore = s
		}
	}
}

var defaultStopwords = []string{
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "can", "do", "does",
	"for", "from", "how", "i", "if", "in", "is", "it", "me", "my", "of", "on",
	"or", "should", "so", "that", "the", "to", "what", "when", "with", "you", "your",
}

type doc struct {
	entry  Entry
	text   string
	tokens map[string]struct{}
}

type index struct {
	cfg  config
	docs []doc
}

// New builds an Index from parsed FAQ entries.
func New(entries []Entry, opts ...Option) Index {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	docs := make([]doc, 0, len(entries))
	for _, e := range entries {
		text := e.Text()
		if text == "" {
			continue
		}
		if cfg.minEntryRunes > 0 && utf8.RuneCountInString(text) < cfg.minEntryRunes {
			continue
		}
		toks := tokenize(text, cfg.stopwords)
		if len(toks) == 0 {
			continue
		}
		docs = append(docs, doc{entry: e, text: text, tokens: toks})
	}
	return &index{cfg: cfg, docs: docs}
}

func (i *index) Len() int { return len(i.docs) }

// TopK returns up to k best-matching entries. k <= 0 means 3.
func (i *index) TopK(q string, k int) []Result {
	if len(i.docs) == 0 || strings.TrimSpace(q) == "" {
		return nil
	}
	if k <= 0 {
		k = 3
	}
	qTokens := tokenize(q, i.cfg.stopwords)
	if len(qTokens) == 0 {
		return nil
	}

	type scored struct {
		doc   *doc
		score float64
	}
	var buf []scored
	for n := range i.docs {
		d := &i.docs[n]
		over := overlap(qTokens, d.tokens)
		if over == 0 {
			continue
		}
		score := float64(over) / float64(len(qTokens)+len(d.tokens)-over)
		if score < i.cfg.minScore {
			continue
		}
		buf = append(buf, scored{doc: d, score: score})
	}
	if len(buf) == 0 {
		return nil
	}

	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].score != buf[b].score {
			return buf[a].score > buf[b].score
		}
		la, lb := len(buf[a].doc.text), len(buf[b].doc.text)
		if la != lb {
			return la < lb
		}
		return buf[a].doc.text < buf[b].doc.text
	})

	k = min(k, len(buf))
	out := make([]Result, k)
	for n := 0; n < k; n++ {
		out[n] = Result{
			Topic:   buf[n].doc.entry.Topic,
			Snippet: buf[n].doc.text,
			Score:   buf[n].score,
		}
	}
	return out
}

var wordRE = regexp.MustCompile(`\p{L}+\p{N}*|\p{N}+`)

func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	words := wordRE.FindAllString(strings.ToLower(s), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, skip := stop[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

func toSet(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			m[w] = struct{}{}
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
