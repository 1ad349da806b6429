package main

import (
	"database/sql"
	"fmt"
	"math"
	"testing"
	"time"
)

func insertVersionCorrection(t *testing.T, db *sql.DB, version string, delta float64) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO corrections
		 (teacher_id, element_id, original_score, corrected_score, delta, correction_type,
		  framework_type, reviewer_id, reviewer_role, expertise_weight,
		  cumulative_corrections, average_delta, model_version, applied_to_model)
		 VALUES ('t1', 'd1a', 70, ?, ?, ?, 'danielson', 'rev-1', 'admin', 1.5, 1, ?, ?, 1)`,
		70+delta, delta, InferCorrectionType(delta), delta, version,
	)
	if err != nil {
		t.Fatalf("version correction insert failed: %v", err)
	}
}

func insertPredictions(t *testing.T, db *sql.DB, version string, n int) {
	t.Helper()
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		obs := ObservationScore{
			ID:            fmt.Sprintf("obs-%s-%d", version, i),
			TeacherID:     "t1",
			ElementID:     "d1a",
			FrameworkType: FrameworkDanielson,
			Score:         70,
			AIConfidence:  0.8,
			ModelVersion:  version,
			Status:        "accepted",
			ObservedAt:    now,
		}
		if err := InsertObservationScore(db, obs); err != nil {
			t.Fatalf("prediction insert failed: %v", err)
		}
	}
}

func TestMaybeCreateVersionBelowThreshold(t *testing.T) {
	db := newTestDB(t)
	cfg := testConfig()
	now := time.Now().UTC()

	for i := 0; i < cfg.MinCorrectionsForNewVersion-1; i++ {
		insertCorrectionRow(t, db, "t1", "d1a", 5, 0.8, now)
	}

	version, err := MaybeCreateVersion(db, cfg)
	if err != nil {
		t.Fatalf("MaybeCreateVersion failed: %v", err)
	}
	if version != "" {
		t.Errorf("created %q below threshold", version)
	}
}

func TestMaybeCreateVersionAggregatesCorrections(t *testing.T) {
	db := newTestDB(t)
	cfg := testConfig()
	now := time.Now().UTC()

	// Three d1a corrections all +6, two d2a all -4, all weight 1.5.
	for i := 0; i < 3; i++ {
		insertCorrectionRow(t, db, "t1", "d1a", 6, 0.8, now)
	}
	for i := 0; i < 2; i++ {
		insertCorrectionRow(t, db, "t1", "d2a", -4, 0.8, now)
	}

	version, err := MaybeCreateVersion(db, cfg)
	if err != nil {
		t.Fatalf("MaybeCreateVersion failed: %v", err)
	}
	if version != "1.0.0" {
		t.Errorf("version = %q, want 1.0.0", version)
	}

	v, err := GetVersion(db, version)
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if v.Status != VersionTesting {
		t.Errorf("status = %s, want testing", v.Status)
	}

	d1a := v.Config.ElementAdjustments["d1a"]
	if math.Abs(d1a.Bias-6) > 1e-9 || d1a.SampleCount != 3 || d1a.StdDev != 0 {
		t.Errorf("d1a adjustment = %+v", d1a)
	}
	d2a := v.Config.ElementAdjustments["d2a"]
	if math.Abs(d2a.Bias+4) > 1e-9 || d2a.SampleCount != 2 {
		t.Errorf("d2a adjustment = %+v", d2a)
	}
	// Sample-weighted global bias: (6*3 + -4*2) / 5 = 2.
	if math.Abs(v.Config.GlobalBias-2) > 1e-9 {
		t.Errorf("global bias = %v, want 2", v.Config.GlobalBias)
	}

	// All folded corrections must now be marked applied.
	count, err := CountUnappliedCorrectionsSince(db, time.Time{})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("unapplied after fold = %d, want 0", count)
	}

	// Re-running without new corrections creates nothing.
	again, err := MaybeCreateVersion(db, cfg)
	if err != nil {
		t.Fatalf("MaybeCreateVersion failed: %v", err)
	}
	if again != "" {
		t.Errorf("second run created %q", again)
	}
}

func TestPromoteVersionEnforcesSingleActive(t *testing.T) {
	db := newTestDB(t)
	cfg := testConfig()
	seedActiveVersion(t, db, "1.0.0")

	if _, err := db.Exec(
		`INSERT INTO model_versions (version, status, config) VALUES ('1.0.1', 'testing', '{"elementAdjustments":{},"globalBias":0}')`,
	); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	insertPredictions(t, db, "1.0.1", minEvalPredictions)

	// Active accuracy 0.5 (one in tolerance, one out); candidate 1.0.
	insertVersionCorrection(t, db, "1.0.0", 5)
	insertVersionCorrection(t, db, "1.0.0", 30)
	insertVersionCorrection(t, db, "1.0.1", 2)

	if err := PromoteVersion(db, cfg, "1.0.1"); err != nil {
		t.Fatalf("PromoteVersion failed: %v", err)
	}

	active, err := GetActiveVersion(db)
	if err != nil {
		t.Fatalf("GetActiveVersion failed: %v", err)
	}
	if active.Version != "1.0.1" {
		t.Errorf("active = %s, want 1.0.1", active.Version)
	}
	old, err := GetVersion(db, "1.0.0")
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if old.Status != VersionDeprecated {
		t.Errorf("old status = %s, want deprecated", old.Status)
	}
	count, err := CountActiveVersions(db)
	if err != nil || count != 1 {
		t.Errorf("active count = %d, %v; want 1", count, err)
	}
}

func TestPromoteVersionRejections(t *testing.T) {
	db := newTestDB(t)
	cfg := testConfig()
	seedActiveVersion(t, db, "1.0.0")

	if err := PromoteVersion(db, cfg, "1.0.0"); err == nil {
		t.Error("promoting the active version must fail")
	} else if _, ok := err.(*ValidationError); !ok {
		t.Errorf("expected ValidationError, got %T", err)
	}

	if _, err := db.Exec(
		`INSERT INTO model_versions (version, status, config) VALUES ('1.0.1', 'testing', '{"elementAdjustments":{},"globalBias":0}')`,
	); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	// Too few predictions.
	insertPredictions(t, db, "1.0.1", minEvalPredictions-1)
	if err := PromoteVersion(db, cfg, "1.0.1"); err == nil {
		t.Error("promotion below the evaluation floor must fail")
	}

	// Enough predictions but accuracy does not beat the active version.
	if _, err := db.Exec(
		`INSERT INTO observation_scores (id, teacher_id, element_id, framework_type, score, model_version, status, observed_at)
		 VALUES ('one-more', 't1', 'd1a', 'danielson', 70, '1.0.1', 'accepted', CURRENT_TIMESTAMP)`,
	); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	insertVersionCorrection(t, db, "1.0.0", 2) // active accuracy 1.0
	insertVersionCorrection(t, db, "1.0.1", 30)
	if err := PromoteVersion(db, cfg, "1.0.1"); err == nil {
		t.Error("promotion without an accuracy gain must fail")
	}

	count, _ := CountActiveVersions(db)
	if count != 1 {
		t.Errorf("active count = %d, want 1", count)
	}
	active, _ := GetActiveVersion(db)
	if active.Version != "1.0.0" {
		t.Errorf("active = %s, want 1.0.0", active.Version)
	}
}

func TestRunVersionCheckAbandonsNonImprovingVersion(t *testing.T) {
	db := newTestDB(t)
	cfg := testConfig()
	seedActiveVersion(t, db, "1.0.0")

	if _, err := db.Exec(
		`INSERT INTO model_versions (version, status, config) VALUES ('1.0.1', 'testing', '{"elementAdjustments":{},"globalBias":0}')`,
	); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	insertPredictions(t, db, "1.0.1", 600)

	// Active version is accurate, the testing one is far off.
	insertVersionCorrection(t, db, "1.0.0", 2)
	insertVersionCorrection(t, db, "1.0.1", 40)
	insertVersionCorrection(t, db, "1.0.1", 35)

	if err := RunVersionCheck(db, cfg); err != nil {
		t.Fatalf("RunVersionCheck failed: %v", err)
	}

	v, err := GetVersion(db, "1.0.1")
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if v.Status != VersionDeprecated {
		t.Errorf("status = %s, want deprecated (never active)", v.Status)
	}
	active, err := GetActiveVersion(db)
	if err != nil || active.Version != "1.0.0" {
		t.Errorf("active = %v, %v; want 1.0.0", active.Version, err)
	}
}

func TestRunVersionCheckAutoPromotes(t *testing.T) {
	db := newTestDB(t)
	cfg := testConfig()
	seedActiveVersion(t, db, "1.0.0")

	if _, err := db.Exec(
		`INSERT INTO model_versions (version, status, config) VALUES ('1.0.1', 'testing', '{"elementAdjustments":{},"globalBias":0}')`,
	); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	insertPredictions(t, db, "1.0.1", autoPromotePredictions)

	insertVersionCorrection(t, db, "1.0.0", 30) // active accuracy 0
	insertVersionCorrection(t, db, "1.0.1", 2)  // candidate accuracy 1

	if err := RunVersionCheck(db, cfg); err != nil {
		t.Fatalf("RunVersionCheck failed: %v", err)
	}

	active, err := GetActiveVersion(db)
	if err != nil {
		t.Fatalf("GetActiveVersion failed: %v", err)
	}
	if active.Version != "1.0.1" {
		t.Errorf("active = %s, want auto-promoted 1.0.1", active.Version)
	}
}

func TestAccuracyScoreForVersion(t *testing.T) {
	db := newTestDB(t)
	cfg := testConfig()

	insertVersionCorrection(t, db, "2.0.0", 5)   // within tolerance 10
	insertVersionCorrection(t, db, "2.0.0", -10) // boundary, within
	insertVersionCorrection(t, db, "2.0.0", 11)  // out
	insertVersionCorrection(t, db, "2.0.0", -25) // out

	acc, sample, err := AccuracyScoreForVersion(db, cfg, "2.0.0")
	if err != nil {
		t.Fatalf("AccuracyScoreForVersion failed: %v", err)
	}
	if sample != 4 {
		t.Errorf("sample = %d, want 4", sample)
	}
	if math.Abs(acc-0.5) > 1e-9 {
		t.Errorf("accuracy = %v, want 0.5", acc)
	}

	acc, sample, err = AccuracyScoreForVersion(db, cfg, "9.9.9")
	if err != nil || acc != 0 || sample != 0 {
		t.Errorf("empty version accuracy = (%v, %d, %v); want zeros", acc, sample, err)
	}
}

func TestElementAccuracyForVersion(t *testing.T) {
	db := newTestDB(t)

	insertVersionCorrection(t, db, "2.0.0", 10)
	insertVersionCorrection(t, db, "2.0.0", -30)

	accs, err := ElementAccuracyForVersion(db, "2.0.0")
	if err != nil {
		t.Fatalf("ElementAccuracyForVersion failed: %v", err)
	}
	// avg |delta| = 20 so accuracy = 1 - 20/100.
	if got := accs["d1a"]; math.Abs(got-0.8) > 1e-9 {
		t.Errorf("d1a accuracy = %v, want 0.8", got)
	}
}

func TestArchiveOldVersions(t *testing.T) {
	db := newTestDB(t)
	cfg := testConfig()

	if _, err := db.Exec(
		`INSERT INTO model_versions (version, status, config, deprecated_at) VALUES
		 ('1.0.0', 'deprecated', '{}', datetime('now', '-120 days')),
		 ('1.0.1', 'deprecated', '{}', datetime('now', '-5 days')),
		 ('1.0.2', 'testing', '{}', NULL)`,
	); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	archived, err := ArchiveOldVersions(db, cfg)
	if err != nil {
		t.Fatalf("ArchiveOldVersions failed: %v", err)
	}
	if archived != 1 {
		t.Errorf("archived = %d, want 1", archived)
	}

	old, _ := GetVersion(db, "1.0.0")
	if old.Status != VersionArchived {
		t.Errorf("1.0.0 status = %s, want archived", old.Status)
	}
	recent, _ := GetVersion(db, "1.0.1")
	if recent.Status != VersionDeprecated {
		t.Errorf("1.0.1 status = %s, want deprecated", recent.Status)
	}
}

func TestMergeAdjustmentPoolsStatistics(t *testing.T) {
	merged := mergeAdjustment(ElementAdjustment{}, 4, 1, 3)
	if merged.Bias != 4 || merged.SampleCount != 3 || merged.StdDev != 1 {
		t.Errorf("merge into empty = %+v", merged)
	}

	// Equal-size groups with means 2 and 6 pool to mean 4; pooled
	// variance includes the between-group shift.
	merged = mergeAdjustment(ElementAdjustment{Bias: 2, SampleCount: 5, StdDev: 0}, 6, 0, 5)
	if math.Abs(merged.Bias-4) > 1e-9 || merged.SampleCount != 10 {
		t.Errorf("pooled = %+v", merged)
	}
	if math.Abs(merged.StdDev-2) > 1e-9 {
		t.Errorf("pooled stddev = %v, want 2", merged.StdDev)
	}
}

func TestFoldPatternIntoActiveConfig(t *testing.T) {
	db := newTestDB(t)
	seedActiveVersion(t, db, "1.0.0")

	if err := FoldPatternIntoActiveConfig(db, "d1a", 5, 1.5, 4); err != nil {
		t.Fatalf("FoldPatternIntoActiveConfig failed: %v", err)
	}
	if err := FoldPatternIntoActiveConfig(db, "d2a", -3, 0.5, 2); err != nil {
		t.Fatalf("FoldPatternIntoActiveConfig failed: %v", err)
	}

	active, err := GetActiveVersion(db)
	if err != nil {
		t.Fatalf("GetActiveVersion failed: %v", err)
	}
	d1a := active.Config.ElementAdjustments["d1a"]
	if math.Abs(d1a.Bias-5) > 1e-9 || d1a.SampleCount != 4 {
		t.Errorf("d1a = %+v", d1a)
	}
	// Global bias is sample weighted: (5*4 + -3*2) / 6.
	want := (5.0*4 - 3.0*2) / 6.0
	if math.Abs(active.Config.GlobalBias-want) > 1e-9 {
		t.Errorf("global bias = %v, want %v", active.Config.GlobalBias, want)
	}
}

func TestFoldPatternWithoutActiveVersion(t *testing.T) {
	db := newTestDB(t)

	err := FoldPatternIntoActiveConfig(db, "d1a", 5, 1, 3)
	if _, ok := err.(*NotFoundError); !ok {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}
