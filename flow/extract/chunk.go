package extract

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// Chunking constants. Inputs beyond chunkThreshold are split into chunkSize
// pieces with adaptive overlap so line items straddling a cut survive in at
// least one chunk.
const (
	chunkThreshold = 8000
	chunkSize      = 6000

	// Overlap adapts to boundary quality: a clean line boundary needs
	// little overlap, a mid-word cut needs a lot.
	overlapMin     = 30
	overlapDefault = 100
	overlapMax     = 180

	// dedupeSimilarity is the fuzzy match floor for treating two line-item
	// descriptions as the same overlap duplicate.
	dedupeSimilarity = 0.85
)

// NeedsChunking reports whether the text exceeds the single-call threshold.
func NeedsChunking(text string) bool {
	return len(text) > chunkThreshold
}

// ChunkText splits text into overlapping chunks. The overlap preceding each
// cut grows when the cut lands mid-word and shrinks when it lands on a line
// boundary.
func ChunkText(text string) []string {
	if len(text) <= chunkThreshold {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + chunkSize
		if end >= len(text) {
			chunks = append(chunks, text[start:])
			break
		}
		chunks = append(chunks, text[start:end])
		start = end - overlapFor(text, end)
	}
	return chunks
}

// overlapFor sizes the overlap by inspecting the characters around the cut.
func overlapFor(text string, cut int) int {
	switch {
	case cut >= len(text):
		return overlapMin
	case text[cut-1] == '\n' || text[cut] == '\n':
		return overlapMin
	case text[cut-1] == ' ' || text[cut] == ' ':
		return overlapDefault
	default:
		// Mid-word cut: take the maximum overlap so the severed token is
		// whole in the next chunk.
		return overlapMax
	}
}

// MergeChunkResults combines per-chunk extraction results into one,
// deduplicating the overlap region by exact then fuzzy description match.
//
// Scalar fields (PO number, supplier, totals) come from the first chunk
// that produced them; chunking only fragments the line-item table.
func MergeChunkResults(results []Result) Result {
	var merged Result
	for _, r := range results {
		if merged.Data.PONumber == "" {
			merged.Data.PONumber = r.Data.PONumber
		}
		if merged.Data.Supplier.Name == "" {
			merged.Data.Supplier = r.Data.Supplier
		}
		if merged.Data.TotalAmount == 0 {
			merged.Data.TotalAmount = r.Data.TotalAmount
		}
		if merged.Data.Currency == "" {
			merged.Data.Currency = r.Data.Currency
		}
		if merged.Data.OrderDate == "" {
			merged.Data.OrderDate = r.Data.OrderDate
		}
		merged.Data.LineItems = append(merged.Data.LineItems, r.Data.LineItems...)

		// Overall confidence is the minimum across chunks: one bad chunk
		// taints the whole parse.
		if merged.Confidence.Overall == 0 || r.Confidence.Overall < merged.Confidence.Overall {
			merged.Confidence.Overall = r.Confidence.Overall
		}
	}
	merged.Data.LineItems = DedupeLineItems(merged.Data.LineItems)
	return merged
}

// DedupeLineItems removes overlap duplicates: exact description matches
// first, then fuzzy matches at or above dedupeSimilarity. The first
// occurrence wins.
func DedupeLineItems(items []ParsedLineItem) []ParsedLineItem {
	kept := make([]ParsedLineItem, 0, len(items))
	seen := make(map[string]bool)

	for _, item := range items {
		key := normalizeDescription(item.Description)
		if seen[key] {
			continue
		}
		if fuzzyDuplicate(kept, item) {
			continue
		}
		seen[key] = true
		kept = append(kept, item)
	}
	return kept
}

func fuzzyDuplicate(kept []ParsedLineItem, item ParsedLineItem) bool {
	cand := normalizeDescription(item.Description)
	for _, k := range kept {
		if DescriptionSimilarity(normalizeDescription(k.Description), cand) >= dedupeSimilarity {
			return true
		}
	}
	return false
}

// DescriptionSimilarity returns a 0..1 similarity ratio between two strings
// based on Levenshtein distance over the longer length.
func DescriptionSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

func normalizeDescription(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
