package persist

import (
	"context"
	"hash/fnv"
	"net/url"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/sirupsen/logrus"

	"github.com/wrenlabs/poflow/flow/extract"
)

// Fuzzy match engines.
type Engine string

const (
	EngineAuto        Engine = "auto"
	EngineLevenshtein Engine = "levenshtein" // in-process O(N) scan
	EngineTrigram     Engine = "trigram"     // indexed pg_trgm query
)

// Blend weights and acceptance threshold for supplier matching.
const (
	matchThreshold = 0.7

	weightName    = 0.5
	weightEmail   = 0.2
	weightPhone   = 0.15
	weightWebsite = 0.15
)

// SupplierCatalog is the store surface the matcher needs.
type SupplierCatalog interface {
	// ListSuppliers returns every supplier for the merchant. Backs the
	// in-process engine.
	ListSuppliers(ctx context.Context, merchantID string) ([]Supplier, error)

	// TrigramCandidates returns suppliers ranked by indexed name similarity.
	// Backs the database engine.
	TrigramCandidates(ctx context.Context, merchantID, name string, limit int) ([]ScoredSupplier, error)
}

// MatcherConfig selects the engine. Precedence at match time:
// request override > merchant setting > global engine > rollout percentage >
// in-process default.
type MatcherConfig struct {
	// GlobalEngine forces one engine for every merchant when not auto.
	GlobalEngine Engine

	// RolloutPercent routes a deterministic slice of merchants (by hash)
	// to the trigram engine when GlobalEngine is auto.
	RolloutPercent int

	// MerchantEngine returns a per-merchant setting, or auto when the
	// merchant has none. Nil means no per-merchant settings exist.
	MerchantEngine func(merchantID string) Engine
}

// Matcher resolves parsed supplier data against the merchant's existing
// suppliers. A score at or above the threshold is a match.
type Matcher struct {
	catalog SupplierCatalog
	cfg     MatcherConfig
	log     *logrus.Entry
}

// NewMatcher creates a Matcher over the catalog.
func NewMatcher(catalog SupplierCatalog, cfg MatcherConfig, log *logrus.Entry) *Matcher {
	if cfg.GlobalEngine == "" {
		cfg.GlobalEngine = EngineAuto
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Matcher{catalog: catalog, cfg: cfg, log: log}
}

// Match returns the best existing supplier scoring at or above the
// threshold, or nil when none does. The trigram engine falls back to the
// in-process engine on error.
func (m *Matcher) Match(ctx context.Context, merchantID string, parsed extract.ParsedSupplier, override Engine) (*Supplier, float64, error) {
	if strings.TrimSpace(parsed.Name) == "" {
		return nil, 0, nil
	}

	engine := m.selectEngine(merchantID, override)
	if engine == EngineTrigram {
		sup, score, err := m.matchTrigram(ctx, merchantID, parsed)
		if err == nil {
			return sup, score, nil
		}
		m.log.WithError(err).WithFields(logrus.Fields{
			"merchant": merchantID,
			"engine":   EngineTrigram,
		}).Warn("trigram match failed, falling back to in-process engine")
	}

	return m.matchLevenshtein(ctx, merchantID, parsed)
}

// selectEngine applies the precedence chain.
func (m *Matcher) selectEngine(merchantID string, override Engine) Engine {
	if override == EngineLevenshtein || override == EngineTrigram {
		return override
	}
	if m.cfg.MerchantEngine != nil {
		if e := m.cfg.MerchantEngine(merchantID); e == EngineLevenshtein || e == EngineTrigram {
			return e
		}
	}
	if m.cfg.GlobalEngine == EngineLevenshtein || m.cfg.GlobalEngine == EngineTrigram {
		return m.cfg.GlobalEngine
	}
	if m.cfg.RolloutPercent > 0 && rolloutBucket(merchantID) < m.cfg.RolloutPercent {
		return EngineTrigram
	}
	return EngineLevenshtein
}

func (m *Matcher) matchLevenshtein(ctx context.Context, merchantID string, parsed extract.ParsedSupplier) (*Supplier, float64, error) {
	suppliers, err := m.catalog.ListSuppliers(ctx, merchantID)
	if err != nil {
		return nil, 0, err
	}

	var best *Supplier
	bestScore := 0.0
	for i := range suppliers {
		score := blendScore(suppliers[i], parsed, nameSimilarity(suppliers[i].Name, parsed.Name))
		if score > bestScore {
			best = &suppliers[i]
			bestScore = score
		}
	}
	if best == nil || bestScore < matchThreshold {
		return nil, bestScore, nil
	}
	return best, bestScore, nil
}

func (m *Matcher) matchTrigram(ctx context.Context, merchantID string, parsed extract.ParsedSupplier) (*Supplier, float64, error) {
	candidates, err := m.catalog.TrigramCandidates(ctx, merchantID, parsed.Name, 10)
	if err != nil {
		return nil, 0, err
	}

	var best *Supplier
	bestScore := 0.0
	for i := range candidates {
		score := blendScore(candidates[i].Supplier, parsed, candidates[i].NameScore)
		if score > bestScore {
			best = &candidates[i].Supplier
			bestScore = score
		}
	}
	if best == nil || bestScore < matchThreshold {
		return nil, bestScore, nil
	}
	return best, bestScore, nil
}

// blendScore weighs name similarity against exact secondary-signal matches,
// normalized over the signals the parsed record actually carries so a
// name-only record can still reach the threshold.
func blendScore(s Supplier, p extract.ParsedSupplier, nameScore float64) float64 {
	score := weightName * nameScore
	total := weightName
	if p.Email != "" {
		total += weightEmail
		if s.Email != "" && strings.EqualFold(strings.TrimSpace(p.Email), strings.TrimSpace(s.Email)) {
			score += weightEmail
		}
	}
	if p.Phone != "" {
		total += weightPhone
		if s.Phone != "" && normalizePhone(p.Phone) == normalizePhone(s.Phone) {
			score += weightPhone
		}
	}
	if p.Website != "" {
		total += weightWebsite
		if s.Website != "" && hostnameOf(p.Website) == hostnameOf(s.Website) {
			score += weightWebsite
		}
	}
	return score / total
}

// nameSimilarity is a 0..1 Levenshtein ratio over normalized names.
func nameSimilarity(a, b string) float64 {
	a = normalizeName(a)
	b = normalizeName(b)
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, suffix := range []string{" inc.", " inc", " llc", " ltd.", " ltd", " co.", " co", " corp.", " corp"} {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}
	return strings.Join(strings.Fields(s), " ")
}

func normalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	// Compare national significant numbers; "+1 (555) 123-4567" and
	// "555-123-4567" are the same line.
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return digits
}

func hostnameOf(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Hostname() == "" {
		return strings.TrimPrefix(strings.ToLower(raw), "www.")
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// rolloutBucket maps a merchant deterministically onto 0..99.
func rolloutBucket(merchantID string) int {
	h := fnv.New32a()
	h.Write([]byte(merchantID))
	return int(h.Sum32() % 100)
}
