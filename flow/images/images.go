// Package images finds product photos for drafted line items. A Source
// returns ranked candidates for a text query; the Finder builds one query
// per product, scores candidate URLs with cheap heuristics, and keeps the
// best few.
package images

import (
	"context"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Candidate is one image returned by a Source.
type Candidate struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Scored pairs a candidate with its heuristic score in [0,1].
type Scored struct {
	Candidate
	Score float64 `json:"score"`
}

// Source searches for product images. Implementations wrap whatever search
// backend is configured; the workflow only depends on this interface.
type Source interface {
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
}

// DefaultKeep is how many images are attached per product.
const DefaultKeep = 3

// searchLimit is how many raw candidates to pull before scoring.
const searchLimit = 10

// Finder runs one search per product and scores the results.
type Finder struct {
	source Source
	keep   int
	log    *logrus.Entry
}

// NewFinder creates a Finder keeping the top keep candidates per product.
func NewFinder(source Source, keep int, log *logrus.Entry) *Finder {
	if keep <= 0 {
		keep = DefaultKeep
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Finder{source: source, keep: keep, log: log}
}

// Find searches for the product described by description and returns the
// top candidates by score, best first.
func (f *Finder) Find(ctx context.Context, description string) ([]Scored, error) {
	query := BuildQuery(description)
	if query == "" {
		return nil, nil
	}

	candidates, err := f.source.Search(ctx, query, searchLimit)
	if err != nil {
		return nil, err
	}

	brand := DetectBrand(description)
	keywords := queryKeywords(description)

	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		if c.URL == "" {
			continue
		}
		scored = append(scored, Scored{Candidate: c, Score: ScoreURL(c.URL, brand, keywords)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if len(scored) > f.keep {
		scored = scored[:f.keep]
	}
	f.log.WithFields(logrus.Fields{
		"query": query,
		"found": len(candidates),
		"kept":  len(scored),
	}).Debug("image search complete")
	return scored, nil
}

// BuildQuery is "{brand} {specific product}": the detected brand followed by
// the description's keywords with the brand's own words removed.
func BuildQuery(description string) string {
	keywords := queryKeywords(description)
	if len(keywords) == 0 {
		return ""
	}
	brand := DetectBrand(description)
	if brand == "" {
		return strings.Join(keywords, " ")
	}

	brandWords := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(brand)) {
		brandWords[w] = true
	}
	rest := make([]string, 0, len(keywords))
	for _, w := range keywords {
		if !brandWords[strings.ToLower(w)] {
			rest = append(rest, w)
		}
	}
	if len(rest) == 0 {
		return brand
	}
	return brand + " " + strings.Join(rest, " ")
}

// queryKeywords strips punctuation and quantity noise ("Case of 12") from
// the description, leaving the words worth searching on.
func queryKeywords(description string) []string {
	var out []string
	for _, w := range strings.FieldsFunc(description, func(r rune) bool {
		return r == ' ' || r == ',' || r == '(' || r == ')' || r == '/' || r == ';'
	}) {
		w = strings.Trim(w, ".-")
		if w == "" || isNoiseWord(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func isNoiseWord(w string) bool {
	lw := strings.ToLower(w)
	switch lw {
	case "of", "the", "a", "an", "case", "pack", "ct", "count", "x":
		return true
	}
	// Bare numbers are pack sizes and SKU fragments, not search terms.
	for _, r := range lw {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
