package market

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/infomarkets/marketbot/internal/domain"
)

// Score weights and acceptance thresholds of the fuzzy matcher.
const (
	weightText     = 0.4
	weightSemantic = 0.4
	weightDate     = 0.2

	minTextScore     = 0.6
	minSemanticScore = 0.7
	minCombinedScore = 0.65
)

// Matcher pairs Polymarket listings with Kalshi listings describing the same
// event. It is greedy: each Polymarket listing takes its best Kalshi
// candidate independently, so one Kalshi listing may appear in several pairs.
type Matcher struct {
	embedder      Embedder
	semantic      bool
	toleranceDays int
}

// NewMatcher creates a Matcher. A nil or no-op embedder disables semantic
// scoring.
func NewMatcher(embedder Embedder, toleranceDays int) *Matcher {
	if embedder == nil {
		embedder = NoopEmbedder{}
	}
	_, noop := embedder.(NoopEmbedder)
	return &Matcher{embedder: embedder, semantic: !noop, toleranceDays: toleranceDays}
}

// kalshiIndex keeps normalized titles in first-seen order; a later listing
// with the same title replaces the earlier one in place.
type kalshiIndex struct {
	order  []string
	byName map[string]domain.MarketRecord
}

func newKalshiIndex(markets []domain.MarketRecord) kalshiIndex {
	idx := kalshiIndex{byName: make(map[string]domain.MarketRecord, len(markets))}
	for _, m := range markets {
		n := NormalizeTitle(m.Title)
		if _, seen := idx.byName[n]; !seen {
			idx.order = append(idx.order, n)
		}
		idx.byName[n] = m
	}
	return idx
}

// Match returns the accepted pairs in Polymarket listing order.
func (mt *Matcher) Match(kalshi, poly []domain.MarketRecord) []domain.MatchedPair {
	if len(kalshi) == 0 || len(poly) == 0 {
		return nil
	}
	idx := newKalshiIndex(kalshi)

	var out []domain.MatchedPair
	for _, pm := range poly {
		pn := NormalizeTitle(pm.Title)

		if km, ok := idx.byName[pn]; ok {
			semantic := 1.0
			if mt.semantic {
				semantic = mt.similarity(pm.Title, km.Title)
			}
			dateOK, diff := EndDatesMatch(pm.EndDate, km.EndDate, mt.toleranceDays)
			out = append(out, domain.MatchedPair{
				Kalshi:             km,
				Polymarket:         pm,
				NormalizedTitle:    pn,
				TextSimilarity:     1.0,
				SemanticSimilarity: semantic,
				EndDateMatches:     dateOK,
				EndDateDiffDays:    diff,
				CombinedScore:      min(1.0, combine(1.0, semantic, dateOK)),
			})
			continue
		}

		var (
			best  domain.MatchedPair
			found bool
		)
		pChars := chars(pn)
		for _, kn := range idx.order {
			km := idx.byName[kn]
			text := difflib.NewMatcher(pChars, chars(kn)).Ratio()
			var semantic float64
			if mt.semantic {
				semantic = mt.similarity(pm.Title, km.Title)
			}
			dateOK, diff := EndDatesMatch(pm.EndDate, km.EndDate, mt.toleranceDays)
			combined := combine(text, semantic, dateOK)

			if (text > minTextScore || semantic > minSemanticScore) && combined > minCombinedScore {
				if !found || combined > best.CombinedScore {
					found = true
					best = domain.MatchedPair{
						Kalshi:             km,
						Polymarket:         pm,
						NormalizedTitle:    pn,
						TextSimilarity:     text,
						SemanticSimilarity: semantic,
						EndDateMatches:     dateOK,
						EndDateDiffDays:    diff,
						CombinedScore:      combined,
					}
				}
			}
		}
		if found {
			best.CombinedScore = min(1.0, best.CombinedScore)
			out = append(out, best)
		}
	}
	return out
}

func (mt *Matcher) similarity(a, b string) float64 {
	va, ok := mt.embedder.Embed(a)
	if !ok {
		return 0
	}
	vb, ok := mt.embedder.Embed(b)
	if !ok {
		return 0
	}
	return Cosine(va, vb)
}

func combine(text, semantic float64, dateOK bool) float64 {
	s := weightText*text + weightSemantic*semantic
	if dateOK {
		s += weightDate
	}
	return s
}

// chars splits s into its characters for sequence matching.
func chars(s string) []string {
	return strings.Split(s, "")
}
