package main

import (
	"database/sql"
	"math"
	"time"
)

// Confidence penalty caps: correction volume can shave at most 30% and
// correction magnitude at most 20% off a raw confidence.
const (
	volumePenaltyPerCorrection = 0.05
	volumePenaltyCap           = 0.3
	magnitudePenaltyPerPoint   = 0.15
	magnitudePenaltyCap        = 0.2
	minAdjustedConfidence      = 0.1
)

// AdjustConfidence derives an adjusted confidence for an element from
// its recent correction history. Pure read: the caller decides what to
// do with the result. Output is always within [0.1, 1.0].
func AdjustConfidence(db *sql.DB, cfg Config, elementID string, currentConfidence float64, windowDays int) (float64, error) {
	if windowDays <= 0 {
		windowDays = cfg.ConfidenceWindowDays
	}
	since := time.Now().UTC().AddDate(0, 0, -windowDays)

	var recentCount int
	var avgAbsDelta float64
	err := db.QueryRow(
		`SELECT COUNT(*), COALESCE(AVG(ABS(delta)), 0)
		 FROM corrections WHERE element_id = ? AND created_at >= ?`,
		elementID, since,
	).Scan(&recentCount, &avgAbsDelta)
	if err != nil {
		return 0, &TransientError{Op: "confidence window query", Err: err}
	}

	volumePenalty := math.Min(volumePenaltyCap, float64(recentCount)*volumePenaltyPerCorrection)
	magnitudePenalty := math.Min(magnitudePenaltyCap, avgAbsDelta*magnitudePenaltyPerPoint)
	totalPenalty := (volumePenalty + magnitudePenalty) * cfg.ConfidenceDecayFactor

	return clampFloat(currentConfidence*(1-totalPenalty), minAdjustedConfidence, 1.0), nil
}
