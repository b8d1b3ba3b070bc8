package kyc

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/Aidin1998/fincore/pkg/models"
)

// Score contributions, out of 100.
const (
	considerPenalty  = 30
	watchlistPenalty = 60
	lowRiskBelow     = 30
	highRiskFrom     = 70
	// minSimilarity is the fraction of characters two normalized names
	// must share for a watchlist hit.
	minSimilarity = 0.85
)

// Assessment is the AML screening outcome for one decision.
type Assessment struct {
	Score        int
	Level        models.RiskLevel
	WatchlistHit bool
	MatchedName  string
	Passed       bool
}

// RiskScorer combines a vendor decision with watchlist screening.
type RiskScorer struct {
	watchlist []string
}

func NewRiskScorer(watchlist []string) *RiskScorer {
	names := make([]string, 0, len(watchlist))
	for _, n := range watchlist {
		if n = normalizeName(n); n != "" {
			names = append(names, n)
		}
	}
	return &RiskScorer{watchlist: names}
}

// Assess scores fullName against d. Only a clear verdict with no watchlist
// hit and a non-HIGH level passes.
func (r *RiskScorer) Assess(fullName string, d *Decision) Assessment {
	a := Assessment{}
	a.MatchedName, a.WatchlistHit = r.Screen(fullName)

	fraud := d.FraudScore
	if fraud < 0 {
		fraud = 0
	}
	if fraud > 1 {
		fraud = 1
	}
	a.Score = int(fraud*100 + 0.5)
	switch d.Outcome {
	case OutcomeConsider:
		a.Score += considerPenalty
	case OutcomeRejected:
		a.Score = 100
	}
	if a.WatchlistHit {
		a.Score += watchlistPenalty
	}
	if a.Score > 100 {
		a.Score = 100
	}

	switch {
	case a.Score < lowRiskBelow:
		a.Level = models.RiskLow
	case a.Score < highRiskFrom:
		a.Level = models.RiskMedium
	default:
		a.Level = models.RiskHigh
	}
	a.Passed = d.Outcome == OutcomeClear && !a.WatchlistHit && a.Level != models.RiskHigh
	return a
}

// Screen returns the closest watchlist entry when it is similar enough.
func (r *RiskScorer) Screen(fullName string) (string, bool) {
	name := normalizeName(fullName)
	if name == "" {
		return "", false
	}
	best, bestScore := "", 0.0
	for _, entry := range r.watchlist {
		longest := utf8.RuneCountInString(entry)
		if n := utf8.RuneCountInString(name); n > longest {
			longest = n
		}
		score := 1 - float64(levenshtein.ComputeDistance(name, entry))/float64(longest)
		if score > bestScore {
			best, bestScore = entry, score
		}
	}
	if bestScore >= minSimilarity {
		return best, true
	}
	return "", false
}

// normalizeName lowercases, drops punctuation and collapses whitespace.
func normalizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '-':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
