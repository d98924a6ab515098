package images

import (
	"strings"
	"unicode"
)

// knownBrands is the recognition dictionary, checked before the capitalized
// word fallback. Multi-word entries match as a prefix of the description.
var knownBrands = []string{
	"Coca-Cola",
	"Pepsi",
	"Nestle",
	"Kraft Heinz",
	"Kraft",
	"Heinz",
	"Unilever",
	"Procter & Gamble",
	"Kellogg's",
	"General Mills",
	"Frito-Lay",
	"Mondelez",
	"Danone",
	"Tyson",
	"Conagra",
	"Campbell's",
	"Hershey's",
	"Mars",
	"Red Bull",
	"Monster",
	"Gatorade",
	"Tropicana",
	"Quaker",
	"Nabisco",
	"Oreo",
	"Doritos",
	"Lay's",
	"Cheetos",
	"Pringles",
	"Clorox",
	"Lysol",
	"Tide",
	"Dawn",
	"Bounty",
	"Charmin",
	"Scott",
	"Kleenex",
	"Dove",
	"Colgate",
	"Crest",
	"Gillette",
	"3M",
	"Duracell",
	"Energizer",
	"Sharpie",
	"Post-it",
	"Scotch",
	"Rubbermaid",
	"Ziploc",
	"Reynolds",
	"Dixie",
	"Solo",
}

// DetectBrand finds the product's brand in the description: the known-brand
// dictionary first, then the first capitalized word as a fallback. Returns
// "" when neither yields anything.
func DetectBrand(description string) string {
	lower := strings.ToLower(description)
	for _, b := range knownBrands {
		if containsWord(lower, strings.ToLower(b)) {
			return b
		}
	}

	for _, w := range strings.Fields(description) {
		w = strings.Trim(w, ".,()-/;")
		if w == "" {
			continue
		}
		r := []rune(w)[0]
		if unicode.IsUpper(r) {
			return w
		}
	}
	return ""
}

// containsWord reports whether needle appears in haystack on word
// boundaries, so "scott" never fires inside "scottish".
func containsWord(haystack, needle string) bool {
	for start := 0; ; {
		i := strings.Index(haystack[start:], needle)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(needle)
		beforeOK := i == 0 || !isWordRune(rune(haystack[i-1]))
		afterOK := end == len(haystack) || !isWordRune(rune(haystack[end]))
		if beforeOK && afterOK {
			return true
		}
		start = i + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
