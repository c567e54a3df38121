package explain

import (
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/features"
)

// MaxReasons caps the length of an explanation.
const MaxReasons = 3

// MagnitudeFloor is the smallest |contribution| RankByMagnitude reports.
const MagnitudeFloor = 0.01

// Strategy decides which contributions are reported and in what order.
type Strategy struct {
	Name string
	keep func(phi float64) bool
	key  func(phi float64) float64
}

// Ranking strategies.
var (
	// RankBySignedContribution reports features that pushed the score up,
	// largest first.
	RankBySignedContribution = Strategy{
		Name: "signed",
		keep: func(phi float64) bool { return phi > 0 },
		key:  func(phi float64) float64 { return phi },
	}

	// RankByMagnitude reports features with a material effect in either
	// direction, largest absolute effect first.
	RankByMagnitude = Strategy{
		Name: "magnitude",
		keep: func(phi float64) bool { return math.Abs(phi) > MagnitudeFloor },
		key:  math.Abs,
	}
)

// ParseStrategy resolves a strategy by name.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case RankBySignedContribution.Name:
		return RankBySignedContribution, nil
	case RankByMagnitude.Name:
		return RankByMagnitude, nil
	default:
		return Strategy{}, fmt.Errorf("unknown ranking strategy %q", name)
	}
}

func (s Strategy) valid() bool {
	return s.keep != nil && s.key != nil
}

type candidate struct {
	reason string
	key    float64
	order  int
	column int
}

// Rank turns contributions into at most limit reasons. Features absent
// from the table are skipped. Ties fall back to table order, then column
// order.
func Rank(phi []float64, columns features.Columns, table *ReasonTable, s Strategy, limit int) []string {
	n := min(len(phi), len(columns))
	cands := make([]candidate, 0, n)
	for i := 0; i < n; i++ {
		if !s.keep(phi[i]) {
			continue
		}
		reason, order, ok := table.Lookup(columns[i])
		if !ok {
			continue
		}
		cands = append(cands, candidate{reason: reason, key: s.key(phi[i]), order: order, column: i})
	}

	sort.Slice(cands, func(a, b int) bool {
		ca, cb := cands[a], cands[b]
		if ca.key != cb.key {
			return ca.key > cb.key
		}
		if ca.order != cb.order {
			return ca.order < cb.order
		}
		return ca.column < cb.column
	})

	out := make([]string, 0, limit)
	seen := make(map[string]bool, limit)
	for _, c := range cands {
		if len(out) == limit {
			break
		}
		if seen[c.reason] {
			continue
		}
		seen[c.reason] = true
		out = append(out, c.reason)
	}
	return out
}
