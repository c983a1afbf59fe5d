// Package retrieve implements hierarchical retrieval over the context
// index: global seeding, best-first directory expansion with score
// propagation, optional reranking, and a hotness boost for frequently
// used, recently touched contexts.
package retrieve

import (
	"math"
	"time"
)

const (
	// hotnessCountWeight and hotnessRecencyWeight split the hotness
	// score between usage frequency and recency.
	hotnessCountWeight   = 0.6
	hotnessRecencyWeight = 0.4

	// hotnessCountSaturation is the active_count at which the
	// frequency component reaches 1.
	hotnessCountSaturation = 100

	// hotnessHalfLife halves the recency component per week idle.
	hotnessHalfLife = 7 * 24 * time.Hour
)

// HotnessScore rates how alive a context is, in [0,1]: a log-scaled
// usage count blended with an exponential recency decay. Monotone in
// both inputs. updatedAt is RFC3339; unparseable or empty timestamps
// contribute no recency.
func HotnessScore(activeCount int64, updatedAt string) float64 {
	return hotnessScoreAt(activeCount, updatedAt, time.Now().UTC())
}

func hotnessScoreAt(activeCount int64, updatedAt string, now time.Time) float64 {
	var countScore float64
	if activeCount > 0 {
		countScore = math.Log1p(float64(activeCount)) / math.Log1p(hotnessCountSaturation)
		if countScore > 1 {
			countScore = 1
		}
	}

	var recencyScore float64
	if ts, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		age := now.Sub(ts)
		if age < 0 {
			age = 0
		}
		recencyScore = math.Exp(-math.Ln2 * age.Hours() / hotnessHalfLife.Hours())
	}

	score := hotnessCountWeight*countScore + hotnessRecencyWeight*recencyScore
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
