package main

import (
	"database/sql"
	"math"
	"testing"
	"time"
)

// insertCorrectionRow bypasses RecordCorrection so tests can control
// deltas, confidences and timestamps directly.
func insertCorrectionRow(t *testing.T, db *sql.DB, teacherID, elementID string, delta, confidence float64, createdAt time.Time) int64 {
	t.Helper()
	res, err := db.Exec(
		`INSERT INTO corrections
		 (teacher_id, element_id, original_score, corrected_score, delta, ai_confidence,
		  correction_type, framework_type, reviewer_id, reviewer_role, expertise_weight,
		  cumulative_corrections, average_delta, created_at)
		 VALUES (?, ?, 70, ?, ?, ?, ?, 'danielson', 'rev-1', 'admin', 1.5, 1, ?, ?)`,
		teacherID, elementID, 70+delta, delta, confidence, InferCorrectionType(delta), delta, createdAt,
	)
	if err != nil {
		t.Fatalf("correction insert failed: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func TestAnalyzeElementStatistics(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	deltas := []float64{4, 6, 8, 2, 10}
	for i, d := range deltas {
		insertCorrectionRow(t, db, "t1", "d3c", d, 0.8, now.Add(time.Duration(-i)*time.Hour))
	}

	p, err := AnalyzeElement(db, "d3c", 5)
	if err != nil {
		t.Fatalf("AnalyzeElement failed: %v", err)
	}
	if p.SampleCount != 5 {
		t.Errorf("samples = %d, want 5", p.SampleCount)
	}
	if math.Abs(p.MeanDelta-6) > 1e-9 {
		t.Errorf("mean delta = %v, want 6", p.MeanDelta)
	}
	// Population stddev of {4,6,8,2,10} around 6 is sqrt(8).
	if math.Abs(p.StdDevDelta-math.Sqrt(8)) > 1e-9 {
		t.Errorf("stddev = %v, want %v", p.StdDevDelta, math.Sqrt(8))
	}
	if p.BiasDirection != "low" {
		t.Errorf("bias = %s, want low (AI under-scores)", p.BiasDirection)
	}
	// 5 of 20 samples at half damping: 6 * 0.25 * 0.5.
	want := 6 * (5.0 / 20.0) * 0.5
	if math.Abs(p.RecommendedAdjustment-want) > 1e-9 {
		t.Errorf("adjustment = %v, want %v", p.RecommendedAdjustment, want)
	}
}

func TestAnalyzeElementNeedsMinSamples(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		insertCorrectionRow(t, db, "t1", "d1a", 5, 0.8, now)
	}

	_, err := AnalyzeElement(db, "d1a", 5)
	if _, ok := err.(*NotFoundError); !ok {
		t.Errorf("expected NotFoundError below min samples, got %v", err)
	}
}

func TestAnalyzeElementBiasDirections(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	// d2a: strongly negative deltas, AI scores too high.
	// d2b: deltas hovering at zero, neutral.
	for i := 0; i < 5; i++ {
		insertCorrectionRow(t, db, "t1", "d2a", -8, 0.8, now)
		neutral := 0.1
		if i%2 == 0 {
			neutral = -0.1
		}
		insertCorrectionRow(t, db, "t1", "d2b", neutral, 0.8, now)
	}

	high, err := AnalyzeElement(db, "d2a", 5)
	if err != nil {
		t.Fatalf("AnalyzeElement failed: %v", err)
	}
	if high.BiasDirection != "high" {
		t.Errorf("bias = %s, want high", high.BiasDirection)
	}

	neutral, err := AnalyzeElement(db, "d2b", 5)
	if err != nil {
		t.Fatalf("AnalyzeElement failed: %v", err)
	}
	if neutral.BiasDirection != "neutral" {
		t.Errorf("bias = %s, want neutral", neutral.BiasDirection)
	}
}

func TestAnalyzeAllElementsSortedAndFiltered(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		insertCorrectionRow(t, db, "t1", "d3a", 5, 0.8, now)
		insertCorrectionRow(t, db, "t1", "d1b", -5, 0.8, now)
	}
	// Too few samples, must be skipped.
	insertCorrectionRow(t, db, "t1", "d4a", 3, 0.8, now)

	patterns, err := AnalyzeAllElements(db, 5)
	if err != nil {
		t.Fatalf("AnalyzeAllElements failed: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("patterns = %d, want 2", len(patterns))
	}
	if patterns[0].ElementID != "d1b" || patterns[1].ElementID != "d3a" {
		t.Errorf("order = [%s, %s], want [d1b, d3a]", patterns[0].ElementID, patterns[1].ElementID)
	}
}

func TestPearson(t *testing.T) {
	xs := []float64{1, 2, 3, 4}
	if r := pearson(xs, []float64{2, 4, 6, 8}); math.Abs(r-1) > 1e-9 {
		t.Errorf("perfect positive r = %v, want 1", r)
	}
	if r := pearson(xs, []float64{8, 6, 4, 2}); math.Abs(r+1) > 1e-9 {
		t.Errorf("perfect negative r = %v, want -1", r)
	}
	if r := pearson(xs, []float64{5, 5, 5, 5}); r != 0 {
		t.Errorf("zero-variance r = %v, want 0", r)
	}
	if r := pearson([]float64{1}, []float64{2}); r != 0 {
		t.Errorf("single sample r = %v, want 0", r)
	}
}

func TestConfidenceCorrelationTracksOverconfidence(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	// Higher AI confidence paired with bigger correction magnitude:
	// the correlation must come out positive.
	cases := []struct{ conf, delta float64 }{
		{0.6, 2}, {0.7, 5}, {0.8, 8}, {0.9, 12}, {0.95, 15},
	}
	for _, c := range cases {
		insertCorrectionRow(t, db, "t1", "d3d", c.delta, c.conf, now)
	}

	p, err := AnalyzeElement(db, "d3d", 5)
	if err != nil {
		t.Fatalf("AnalyzeElement failed: %v", err)
	}
	if p.ConfidenceCorrelation <= 0.9 {
		t.Errorf("correlation = %v, want strongly positive", p.ConfidenceCorrelation)
	}
}
