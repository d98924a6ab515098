package persist

import (
	"regexp"
	"strconv"
)

// Recognized pack patterns in line-item descriptions: "Case of 12",
// "24 ct", "6-Pack", "Pack of 4".
var packPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcase of (\d+)\b`),
	regexp.MustCompile(`(?i)\bpack of (\d+)\b`),
	regexp.MustCompile(`(?i)\b(\d+)\s*ct\b`),
	regexp.MustCompile(`(?i)\b(\d+)[\s-]pack\b`),
}

// PackQuantity extracts the pack size from a description, if any pattern
// matches. Sizes below 2 are ignored; "1-Pack" carries no information.
func PackQuantity(description string) (int, bool) {
	for _, re := range packPatterns {
		m := re.FindStringSubmatch(description)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 2 {
			continue
		}
		return n, true
	}
	return 0, false
}

// applyPackRule rewrites quantity and unit price when the description names
// a pack size and the extractor supplied no usable quantity (null or 1).
// The quantity becomes the pack size, the unit price becomes per-unit, and
// the line total is unchanged.
func applyPackRule(description string, aiQuantity *int, quantity int, unitPrice float64) (int, float64) {
	n, ok := PackQuantity(description)
	if !ok {
		return quantity, unitPrice
	}
	if aiQuantity != nil && *aiQuantity != 1 {
		return quantity, unitPrice
	}
	return n, unitPrice / float64(n)
}
