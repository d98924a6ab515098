package extract

import (
	"fmt"
	"strings"
	"testing"
)

func intp(n int) *int          { return &n }
func fp(f float64) *float64    { return &f }
func item(desc string) ParsedLineItem {
	return ParsedLineItem{Description: desc, Quantity: intp(1), UnitPrice: fp(1)}
}

func TestChunkText(t *testing.T) {
	t.Run("small input is a single chunk", func(t *testing.T) {
		chunks := ChunkText("short document")
		if len(chunks) != 1 {
			t.Fatalf("expected 1 chunk, got %d", len(chunks))
		}
	})

	t.Run("large input splits with overlap", func(t *testing.T) {
		text := strings.Repeat("line of purchase order data\n", 1000) // ~28k chars
		chunks := ChunkText(text)
		if len(chunks) < 4 {
			t.Fatalf("expected >= 4 chunks for %d chars, got %d", len(text), len(chunks))
		}

		// Consecutive chunks must share an overlap region.
		for i := 1; i < len(chunks); i++ {
			tail := chunks[i-1][len(chunks[i-1])-overlapMin:]
			if !strings.Contains(chunks[i][:overlapMax*2], tail[:overlapMin]) {
				t.Errorf("chunk %d does not overlap its predecessor", i)
			}
		}

		// Nothing may be lost: every chunk body is present in the source.
		for i, c := range chunks {
			if !strings.Contains(text, c) {
				t.Errorf("chunk %d is not a substring of the source", i)
			}
		}
	})

	t.Run("overlap adapts to boundary quality", func(t *testing.T) {
		// Newline boundary at the cut: minimal overlap.
		newlines := strings.Repeat(strings.Repeat("x", 99)+"\n", 200)
		// Unbroken run: cut is mid-word, maximal overlap.
		solid := strings.Repeat("y", chunkThreshold+chunkSize)

		nlChunks := ChunkText(newlines)
		solidChunks := ChunkText(solid)
		if len(nlChunks) < 2 || len(solidChunks) < 2 {
			t.Fatal("expected multiple chunks in both cases")
		}

		nlOverlap := overlapFor(newlines, chunkSize)
		solidOverlap := overlapFor(solid, chunkSize)
		if nlOverlap >= solidOverlap {
			t.Errorf("newline-boundary overlap (%d) should be smaller than mid-word overlap (%d)", nlOverlap, solidOverlap)
		}
		if nlOverlap < overlapMin || solidOverlap > overlapMax {
			t.Errorf("overlaps out of bounds: %d, %d", nlOverlap, solidOverlap)
		}
	})
}

func TestDedupeLineItems(t *testing.T) {
	t.Run("exact duplicates removed", func(t *testing.T) {
		items := []ParsedLineItem{item("Widget Alpha"), item("Widget Bravo"), item("Widget Alpha")}
		got := DedupeLineItems(items)
		if len(got) != 2 {
			t.Fatalf("expected 2 items, got %d", len(got))
		}
	})

	t.Run("case and whitespace insensitive", func(t *testing.T) {
		items := []ParsedLineItem{item("Widget  A"), item("widget a")}
		if got := DedupeLineItems(items); len(got) != 1 {
			t.Fatalf("expected 1 item, got %d", len(got))
		}
	})

	t.Run("fuzzy duplicates above 85 percent removed", func(t *testing.T) {
		items := []ParsedLineItem{
			item("Stainless Steel Water Bottle 32oz"),
			item("Stainless Steel Water Bottle 32 oz"), // one-char drift
			item("Aluminum Water Bottle 16oz"),         // genuinely different
		}
		got := DedupeLineItems(items)
		if len(got) != 2 {
			t.Fatalf("expected 2 items after fuzzy dedupe, got %d: %+v", len(got), got)
		}
	})

	t.Run("first occurrence wins", func(t *testing.T) {
		first := item("Widget A")
		first.SKU = "FIRST"
		second := item("Widget A")
		second.SKU = "SECOND"
		got := DedupeLineItems([]ParsedLineItem{first, second})
		if got[0].SKU != "FIRST" {
			t.Errorf("expected first occurrence kept, got SKU %q", got[0].SKU)
		}
	})
}

func TestMergeChunkResults(t *testing.T) {
	t.Run("five chunks with 73 overlap duplicates", func(t *testing.T) {
		// 100 distinct items spread over 5 chunks, plus 73 duplicated
		// spillovers from overlap regions. Names are built from word pairs
		// so distinct items stay well below the fuzzy-match floor.
		words := []string{"crimson", "walnut", "harbor", "stellar", "quartz", "meadow", "falcon", "timber", "copper", "island"}
		name := func(n int) string {
			return fmt.Sprintf("%s %s widget", words[n/10], words[n%10])
		}
		var results []Result
		dupes := 0
		for c := 0; c < 5; c++ {
			var r Result
			r.Confidence.Overall = 90
			for i := 0; i < 20; i++ {
				r.Data.LineItems = append(r.Data.LineItems, item(name(c*20+i)))
			}
			// Duplicate items from earlier chunks.
			for i := 0; i < 15 && dupes < 73; i++ {
				r.Data.LineItems = append(r.Data.LineItems, item(name((c*7+i)%100)))
				dupes++
			}
			results = append(results, r)
		}
		if dupes != 73 {
			t.Fatalf("test setup: expected 73 duplicates, produced %d", dupes)
		}

		merged := MergeChunkResults(results)
		raw := 100 + 73
		if got := len(merged.Data.LineItems); got != raw-73 {
			t.Errorf("merged count = %d, want %d (raw %d - 73 duplicates)", got, raw-73, raw)
		}

		// No item appears twice.
		seen := map[string]bool{}
		for _, li := range merged.Data.LineItems {
			if seen[li.Description] {
				t.Errorf("item %q appears twice", li.Description)
			}
			seen[li.Description] = true
		}
	})

	t.Run("scalar fields come from first chunk that has them", func(t *testing.T) {
		results := []Result{
			{Data: Data{LineItems: []ParsedLineItem{item("A")}}, Confidence: Confidence{Overall: 95}},
			{Data: Data{PONumber: "PO-7", Supplier: ParsedSupplier{Name: "Acme"}, Currency: "USD"}, Confidence: Confidence{Overall: 80}},
		}
		merged := MergeChunkResults(results)
		if merged.Data.PONumber != "PO-7" || merged.Data.Supplier.Name != "Acme" {
			t.Errorf("scalar fields not merged: %+v", merged.Data)
		}
		if merged.Confidence.Overall != 80 {
			t.Errorf("confidence should be the chunk minimum, got %v", merged.Confidence.Overall)
		}
	})
}

func TestDescriptionSimilarity(t *testing.T) {
	if s := DescriptionSimilarity("abc", "abc"); s != 1 {
		t.Errorf("identical strings: %v", s)
	}
	if s := DescriptionSimilarity("abc", "xyz"); s != 0 {
		t.Errorf("disjoint strings: %v", s)
	}
	if s := DescriptionSimilarity("", ""); s != 1 {
		t.Errorf("empty strings: %v", s)
	}
}
