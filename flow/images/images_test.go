package images

import (
	"context"
	"errors"
	"testing"
)

func TestDetectBrand(t *testing.T) {
	cases := []struct {
		desc string
		want string
	}{
		{"Doritos Nacho Cheese, Case of 12", "Doritos"},
		{"coca-cola zero sugar 12oz cans", "Coca-Cola"},
		{"KRAFT Mac and Cheese", "Kraft"},
		{"Red Bull Energy Drink 8.4oz", "Red Bull"},
		{"Acme Widget Deluxe", "Acme"},
		{"generic paper towels", ""},
		{"scottish shortbread biscuits", ""},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			if got := DetectBrand(tc.desc); got != tc.want {
				t.Errorf("DetectBrand(%q) = %q, want %q", tc.desc, got, tc.want)
			}
		})
	}
}

func TestBuildQuery(t *testing.T) {
	t.Run("brand leads, noise words dropped", func(t *testing.T) {
		got := BuildQuery("Doritos Nacho Cheese, Case of 12")
		if got != "Doritos Nacho Cheese" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("no brand keeps the keywords", func(t *testing.T) {
		got := BuildQuery("stainless steel mixing bowl")
		if got != "stainless steel mixing bowl" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("empty description yields empty query", func(t *testing.T) {
		if got := BuildQuery("  "); got != "" {
			t.Errorf("got %q", got)
		}
	})
}

func TestScoreURL(t *testing.T) {
	keywords := []string{"Doritos", "Nacho", "Cheese"}

	t.Run("brand, keywords and trusted host max out", func(t *testing.T) {
		got := ScoreURL("https://m.media-amazon.com/images/doritos-nacho-cheese.jpg", "Doritos", keywords)
		if got != 1.0 {
			t.Errorf("score = %v, want 1.0", got)
		}
	})

	t.Run("unrelated url scores zero", func(t *testing.T) {
		if got := ScoreURL("https://example.com/logo.png", "Doritos", keywords); got != 0 {
			t.Errorf("score = %v, want 0", got)
		}
	})

	t.Run("trusted host alone scores the domain weight", func(t *testing.T) {
		got := ScoreURL("https://www.walmart.com/ip/123456", "Doritos", keywords)
		if got != weightDomain {
			t.Errorf("score = %v, want %v", got, weightDomain)
		}
	})

	t.Run("hyphen and squeezed brand forms both match", func(t *testing.T) {
		a := ScoreURL("https://example.com/coca-cola-zero.jpg", "Coca-Cola", nil)
		b := ScoreURL("https://example.com/cocacola-zero.jpg", "Coca-Cola", nil)
		if a != weightBrand || b != weightBrand {
			t.Errorf("scores = %v, %v, want %v for both", a, b, weightBrand)
		}
	})
}

func TestFinder_Find(t *testing.T) {
	ctx := context.Background()

	t.Run("keeps top three by score", func(t *testing.T) {
		src := NewMockSource(
			Candidate{URL: "https://example.com/unrelated.jpg"},
			Candidate{URL: "https://m.media-amazon.com/images/doritos-nacho-cheese.jpg"},
			Candidate{URL: "https://www.walmart.com/ip/doritos-chips"},
			Candidate{URL: "https://example.com/doritos.png"},
		)
		f := NewFinder(src, 0, nil)

		got, err := f.Find(ctx, "Doritos Nacho Cheese, Case of 12")
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("kept %d, want 3", len(got))
		}
		if got[0].URL != "https://m.media-amazon.com/images/doritos-nacho-cheese.jpg" {
			t.Errorf("best = %q", got[0].URL)
		}
		for i := 1; i < len(got); i++ {
			if got[i].Score > got[i-1].Score {
				t.Errorf("results not sorted: %v", got)
			}
		}
	})

	t.Run("one search per product", func(t *testing.T) {
		src := NewMockSource(Candidate{URL: "https://example.com/a.jpg"})
		f := NewFinder(src, 3, nil)
		if _, err := f.Find(ctx, "Sharpie Fine Point Markers"); err != nil {
			t.Fatalf("Find: %v", err)
		}
		qs := src.Queries()
		if len(qs) != 1 {
			t.Fatalf("searches = %d, want 1", len(qs))
		}
		if qs[0] != "Sharpie Fine Point Markers" {
			t.Errorf("query = %q", qs[0])
		}
	})

	t.Run("source error propagates", func(t *testing.T) {
		src := &MockSource{Err: errors.New("rate limited")}
		f := NewFinder(src, 3, nil)
		if _, err := f.Find(ctx, "Sharpie Markers"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("empty description searches nothing", func(t *testing.T) {
		src := NewMockSource()
		f := NewFinder(src, 3, nil)
		got, err := f.Find(ctx, "")
		if err != nil || got != nil {
			t.Fatalf("got %v, %v", got, err)
		}
		if len(src.Queries()) != 0 {
			t.Error("searched on empty description")
		}
	})
}
