package gravity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

var testParams = Params{HalfLifeDays: 30, Floor: 0.1}

func TestScoreFreshMemoryKeepsImportance(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	assert.InDelta(t, 8.0, Score(8, now, now, testParams), 1e-9)
}

func TestScoreHalvesAtHalfLife(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	ts := now.AddDate(0, 0, -30)
	assert.InDelta(t, 4.0, Score(8, ts, now, testParams), 1e-9)
}

func TestScoreNeverBelowFloor(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	ts := now.AddDate(-10, 0, 0)
	assert.InDelta(t, testParams.Floor, Score(8, ts, now, testParams), 1e-9)
}

func TestScoreFutureTimestampClampedToNow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	ts := now.Add(48 * time.Hour)
	assert.InDelta(t, 8.0, Score(8, ts, now, testParams), 1e-9)
}

func TestScoreProperties(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)

	rapid.Check(t, func(t *rapid.T) {
		importance := rapid.Float64Range(1, 10).Draw(t, "importance")
		ageHoursA := rapid.Float64Range(0, 24*365*5).Draw(t, "ageHoursA")
		ageHoursB := rapid.Float64Range(0, 24*365*5).Draw(t, "ageHoursB")

		tsA := now.Add(-time.Duration(ageHoursA * float64(time.Hour)))
		tsB := now.Add(-time.Duration(ageHoursB * float64(time.Hour)))

		scoreA := Score(importance, tsA, now, testParams)
		scoreB := Score(importance, tsB, now, testParams)

		// Never exceeds importance, never sinks below the floor.
		if scoreA > importance+1e-9 {
			t.Fatalf("score %v exceeds importance %v", scoreA, importance)
		}
		if scoreA < testParams.Floor-1e-9 {
			t.Fatalf("score %v below floor %v", scoreA, testParams.Floor)
		}

		// Monotonic in recency: the newer memory never ranks lower.
		if ageHoursA <= ageHoursB && scoreA < scoreB-1e-9 {
			t.Fatalf("newer memory scored lower: age %vh => %v, age %vh => %v",
				ageHoursA, scoreA, ageHoursB, scoreB)
		}
	})
}

func TestScoreMonotonicInImportance(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	ts := now.AddDate(0, 0, -15)

	rapid.Check(t, func(t *rapid.T) {
		lo := rapid.Float64Range(1, 10).Draw(t, "lo")
		hi := rapid.Float64Range(lo, 10).Draw(t, "hi")
		if Score(hi, ts, now, testParams) < Score(lo, ts, now, testParams)-1e-9 {
			t.Fatalf("higher importance scored lower")
		}
	})
}
