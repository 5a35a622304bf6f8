package domain

import (
	"strconv"
	"time"
)

// PriorityMultiplier separates priority bands in a score. It must exceed the largest creation
// time gap (in seconds) between same-priority deployments that should not cross into the next band.
const PriorityMultiplier = 10000

// scoreScale gives scores millisecond resolution.
const scoreScale = 1000

// Score is a signed fixed-point number with three decimal places, ordered descending:
// priority*10000 - createdAtEpochSeconds.
type Score int64

func CalculateScore(priority int, created time.Time) Score {
	return Score(int64(priority)*PriorityMultiplier*scoreScale - created.UnixMilli())
}

// PriorityFromScore inverts CalculateScore given the creation time of the entry.
func PriorityFromScore(score Score, created time.Time) int {
	return int((int64(score) + created.UnixMilli()) / (PriorityMultiplier * scoreScale))
}

// Float returns the score as stored in a sorted set.
func (s Score) Float() float64 {
	return float64(s)
}

func ScoreFromFloat(f float64) Score {
	if f < 0 {
		return Score(f - 0.5)
	}
	return Score(f + 0.5)
}

func (s Score) String() string {
	return strconv.FormatFloat(float64(s)/scoreScale, 'f', 3, 64)
}

// PriorityBand is the coarse bucket a priority falls into for queue metrics.
type PriorityBand string

const (
	Critical PriorityBand = "critical"
	High     PriorityBand = "high"
	Medium   PriorityBand = "medium"
	Low      PriorityBand = "low"
)

var PriorityBands = []PriorityBand{Critical, High, Medium, Low}

func BandForPriority(priority int) PriorityBand {
	switch {
	case priority >= 9:
		return Critical
	case priority >= 7:
		return High
	case priority >= 4:
		return Medium
	default:
		return Low
	}
}
