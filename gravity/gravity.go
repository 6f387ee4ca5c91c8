// Package gravity implements time-decay ranking. A memory's gravity is
// its importance decayed by a half-life over age, never below a floor,
// so old high-importance memories stay reachable but rank behind fresh
// material of equal importance.
package gravity

import (
	"math"
	"time"
)

// Params holds the decay curve knobs.
type Params struct {
	// HalfLifeDays is how long it takes importance to halve.
	HalfLifeDays float64
	// Floor is the minimum gravity; memories never decay to zero.
	Floor float64
}

// Score computes the gravity of a memory with the given importance and
// timestamp, as seen at now.
func Score(importance float64, timestamp, now time.Time, p Params) float64 {
	if p.HalfLifeDays <= 0 {
		return math.Max(importance, p.Floor)
	}
	ageDays := now.Sub(timestamp).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	decayed := importance * math.Pow(0.5, ageDays/p.HalfLifeDays)
	return math.Max(decayed, p.Floor)
}
