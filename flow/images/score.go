package images

import (
	"net/url"
	"strings"
)

// Scoring weights. Brand presence in the URL is the strongest signal,
// keyword coverage next, a trusted host rounds it out.
const (
	weightBrand    = 0.4
	weightKeywords = 0.4
	weightDomain   = 0.2
)

// trustedDomains are hosts whose product imagery is usually clean catalog
// photography rather than lifestyle shots or thumbnails.
var trustedDomains = []string{
	"amazon.com",
	"media-amazon.com",
	"walmart.com",
	"walmartimages.com",
	"target.com",
	"homedepot.com",
	"costco.com",
	"webstaurantstore.com",
	"uline.com",
	"grainger.com",
	"shopify.com",
	"cdn.shopify.com",
}

// ScoreURL rates a candidate URL in [0,1] against the product's brand and
// keywords. Pure string heuristics; the image itself is never fetched.
func ScoreURL(rawURL, brand string, keywords []string) float64 {
	lower := strings.ToLower(rawURL)
	score := 0.0

	if brand != "" && containsToken(lower, brand) {
		score += weightBrand
	}

	if len(keywords) > 0 {
		hits := 0
		for _, kw := range keywords {
			if containsToken(lower, kw) {
				hits++
			}
		}
		score += weightKeywords * float64(hits) / float64(len(keywords))
	}

	if host := hostOf(rawURL); host != "" {
		for _, d := range trustedDomains {
			if host == d || strings.HasSuffix(host, "."+d) {
				score += weightDomain
				break
			}
		}
	}

	if score > 1 {
		score = 1
	}
	return score
}

// containsToken reports whether the lowercased URL contains the term in any
// of the forms it takes inside a path: "Coca-Cola" matches "coca-cola",
// "coca_cola" and "cocacola".
func containsToken(lowerURL, term string) bool {
	t := strings.ToLower(term)
	t = strings.ReplaceAll(t, " ", "-")
	for _, variant := range []string{
		t,
		strings.ReplaceAll(t, "-", "_"),
		strings.ReplaceAll(t, "-", ""),
	} {
		if strings.Contains(lowerURL, variant) {
			return true
		}
	}
	return false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
