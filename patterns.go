package main

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
)

type ElementPattern struct {
	ElementID             string
	SampleCount           int
	MeanDelta             float64
	StdDevDelta           float64
	ConfidenceCorrelation float64 // Pearson r of aiConfidence vs |delta|
	BiasDirection         string  // "low", "high", or "neutral"
	RecommendedAdjustment float64
}

// Bias classification thresholds on mean delta. A positive mean delta
// means reviewers keep raising scores, i.e. the AI scores too low.
const biasThreshold = 0.3

// Dampening: an element's recommended adjustment ramps linearly up to
// full weight at 20 samples, then is halved so a single analysis pass
// can never swing the model by the full observed bias.
const (
	patternFullWeightSamples = 20
	patternDampingFactor     = 0.5
)

// AnalyzeElement aggregates an element's correction history into bias
// and variance statistics. Returns NotFoundError when fewer than
// minSamples corrections exist.
func AnalyzeElement(db *sql.DB, elementID string, minSamples int) (ElementPattern, error) {
	corrections, err := GetCorrectionsByElement(db, elementID, 1000)
	if err != nil {
		return ElementPattern{}, &TransientError{Op: "pattern fetch", Err: err}
	}
	if len(corrections) < minSamples {
		return ElementPattern{}, &NotFoundError{
			Entity: "element pattern",
			ID:     fmt.Sprintf("%s (have %d of %d samples)", elementID, len(corrections), minSamples),
		}
	}

	n := float64(len(corrections))
	var sum float64
	for _, c := range corrections {
		sum += c.Delta
	}
	mean := sum / n

	var sqSum float64
	for _, c := range corrections {
		d := c.Delta - mean
		sqSum += d * d
	}
	stdDev := math.Sqrt(sqSum / n)

	confidences := make([]float64, len(corrections))
	magnitudes := make([]float64, len(corrections))
	for i, c := range corrections {
		confidences[i] = c.AIConfidence
		magnitudes[i] = math.Abs(c.Delta)
	}

	p := ElementPattern{
		ElementID:             elementID,
		SampleCount:           len(corrections),
		MeanDelta:             mean,
		StdDevDelta:           stdDev,
		ConfidenceCorrelation: pearson(confidences, magnitudes),
		BiasDirection:         biasDirectionFor(mean),
		RecommendedAdjustment: mean * math.Min(1, n/patternFullWeightSamples) * patternDampingFactor,
	}
	return p, nil
}

// AnalyzeAllElements runs AnalyzeElement over every element with enough
// history, in sorted element order so output is deterministic.
func AnalyzeAllElements(db *sql.DB, minSamples int) ([]ElementPattern, error) {
	rows, err := db.Query(
		`SELECT element_id FROM corrections GROUP BY element_id HAVING COUNT(*) >= ?`,
		minSamples,
	)
	if err != nil {
		return nil, &TransientError{Op: "pattern element scan", Err: err}
	}
	var elementIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		elementIDs = append(elementIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(elementIDs)

	var out []ElementPattern
	for _, id := range elementIDs {
		p, err := AnalyzeElement(db, id, minSamples)
		if err != nil {
			if _, ok := err.(*NotFoundError); ok {
				continue
			}
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func biasDirectionFor(meanDelta float64) string {
	switch {
	case meanDelta > biasThreshold:
		return "low"
	case meanDelta < -biasThreshold:
		return "high"
	default:
		return "neutral"
	}
}

// pearson returns the Pearson correlation coefficient of two equal
// length series, or 0 when either series has no variance.
func pearson(xs, ys []float64) float64 {
	n := float64(len(xs))
	if n < 2 {
		return 0
	}
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / n
	meanY := sumY / n

	var cov, varX, varY float64
	for i := range xs {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}
