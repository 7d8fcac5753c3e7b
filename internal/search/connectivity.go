package search

import (
	"math"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
)

// connectivityScore turns inbound reference counts into a [0,1] signal.
// Responses weigh double, every inbound supersession halves the raw count,
// and the log compression keeps a heavily referenced record from drowning
// out textual relevance.
func connectivityScore(c discovery.EdgeCounts) float64 {
	raw := float64(c.RelatedIn) + 2*float64(c.RespondsIn)
	raw *= math.Pow(0.5, float64(c.SupersededBy))
	if raw > 50 {
		raw = 50
	}
	score := math.Log1p(raw) / math.Log1p(100)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// temporalDecay is 1 at age zero and halves around the configured
// half-life.
func temporalDecay(ageDays, halfLifeDays float64) float64 {
	if ageDays < 0 {
		ageDays = 0
	}
	return 1 / (1 + ageDays/halfLifeDays)
}
