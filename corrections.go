package main

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

// RecordCorrection validates and persists one human correction to an
// AI-generated score, maintaining the running per-(teacher, element)
// correction average, and enqueues it for model training when the
// reviewer carries enough expertise weight.
func RecordCorrection(db *sql.DB, cfg Config, input CorrectionInput) (CorrectionRecord, error) {
	var rec CorrectionRecord

	if input.TeacherID == "" {
		return rec, &ValidationError{Field: "teacher_id", Msg: "must not be empty"}
	}
	if input.ReviewerID == "" {
		return rec, &ValidationError{Field: "reviewer_id", Msg: "must not be empty"}
	}
	if input.OriginalScore < 0 || input.OriginalScore > 100 {
		return rec, &ValidationError{Field: "original_score", Msg: fmt.Sprintf("%.2f out of range [0, 100]", input.OriginalScore)}
	}
	if input.CorrectedScore < 0 || input.CorrectedScore > 100 {
		return rec, &ValidationError{Field: "corrected_score", Msg: fmt.Sprintf("%.2f out of range [0, 100]", input.CorrectedScore)}
	}
	if input.AIConfidence < 0 || input.AIConfidence > 1 {
		return rec, &ValidationError{Field: "ai_confidence", Msg: fmt.Sprintf("%.2f out of range [0, 1]", input.AIConfidence)}
	}
	if input.QualityScore < 0 || input.QualityScore > 1 {
		return rec, &ValidationError{Field: "quality_score", Msg: fmt.Sprintf("%.2f out of range [0, 1]", input.QualityScore)}
	}

	weight, err := ExpertiseWeightForRole(input.ReviewerRole)
	if err != nil {
		return rec, err
	}

	exists, err := TeacherExists(db, input.TeacherID)
	if err != nil {
		return rec, &TransientError{Op: "teacher lookup", Err: err}
	}
	if !exists {
		return rec, &NotFoundError{Entity: "teacher", ID: input.TeacherID}
	}

	element, err := GetFrameworkElement(db, input.ElementID)
	if err != nil {
		return rec, err
	}

	delta := input.CorrectedScore - input.OriginalScore

	activeVersion := ""
	if v, err := GetActiveVersion(db); err == nil {
		activeVersion = v.Version
	} else if _, ok := err.(*NotFoundError); !ok {
		return rec, err
	}

	// Running correction mean for this (teacher, element). The next
	// record stores count n and newAvg = (oldAvg*(n-1) + delta) / n.
	var prevCount int
	var prevAvg float64
	err = db.QueryRow(
		`SELECT cumulative_corrections, average_delta FROM corrections
		 WHERE teacher_id = ? AND element_id = ?
		 ORDER BY id DESC LIMIT 1`,
		input.TeacherID, input.ElementID,
	).Scan(&prevCount, &prevAvg)
	if err != nil && err != sql.ErrNoRows {
		return rec, &TransientError{Op: "cumulative stats lookup", Err: err}
	}
	count := prevCount + 1
	avg := (prevAvg*float64(count-1) + delta) / float64(count)

	rec = CorrectionRecord{
		TeacherID:             input.TeacherID,
		ElementID:             input.ElementID,
		ObservationID:         input.ObservationID,
		OriginalScore:         input.OriginalScore,
		CorrectedScore:        input.CorrectedScore,
		Delta:                 delta,
		AIConfidence:          input.AIConfidence,
		CorrectionType:        InferCorrectionType(delta),
		FrameworkType:         element.FrameworkType,
		DomainName:            element.DomainName,
		ReviewerID:            input.ReviewerID,
		ReviewerRole:          input.ReviewerRole,
		ExpertiseWeight:       weight,
		CumulativeCorrections: count,
		AverageDelta:          avg,
		ModelVersion:          activeVersion,
		CreatedAt:             time.Now().UTC(),
	}

	res, err := db.Exec(
		`INSERT INTO corrections
		 (teacher_id, element_id, observation_id, original_score, corrected_score, delta,
		  ai_confidence, correction_type, framework_type, domain_name, reviewer_id, reviewer_role,
		  expertise_weight, cumulative_corrections, average_delta, model_version, applied_to_model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		rec.TeacherID, rec.ElementID, rec.ObservationID, rec.OriginalScore, rec.CorrectedScore, rec.Delta,
		rec.AIConfidence, rec.CorrectionType, rec.FrameworkType, rec.DomainName, rec.ReviewerID, rec.ReviewerRole,
		rec.ExpertiseWeight, rec.CumulativeCorrections, rec.AverageDelta, rec.ModelVersion, rec.CreatedAt,
	)
	if err != nil {
		return rec, &TransientError{Op: "correction insert", Err: err}
	}
	rec.ID, _ = res.LastInsertId()

	if err := InsertAuditEntry(db, "correction.recorded", "correction", fmt.Sprintf("%d", rec.ID), input.ReviewerID,
		fmt.Sprintf("element=%s delta=%.2f type=%s", rec.ElementID, rec.Delta, rec.CorrectionType)); err != nil {
		log.Printf("correction audit error id=%d: %v", rec.ID, err)
	}

	if weight >= cfg.MinExpertiseWeight {
		if _, err := Enqueue(db, rec.ID, input.QualityScore); err != nil {
			return rec, err
		}
	} else {
		log.Printf("correction stored unqueued id=%d weight=%.2f floor=%.2f", rec.ID, weight, cfg.MinExpertiseWeight)
	}

	return rec, nil
}

func GetCorrectionByID(db *sql.DB, id int64) (CorrectionRecord, error) {
	var rec CorrectionRecord
	err := db.QueryRow(
		`SELECT id, teacher_id, element_id, observation_id, original_score, corrected_score, delta,
		        ai_confidence, correction_type, framework_type, domain_name, reviewer_id, reviewer_role,
		        expertise_weight, cumulative_corrections, average_delta, model_version, applied_to_model, created_at
		 FROM corrections WHERE id = ?`,
		id,
	).Scan(
		&rec.ID, &rec.TeacherID, &rec.ElementID, &rec.ObservationID, &rec.OriginalScore, &rec.CorrectedScore, &rec.Delta,
		&rec.AIConfidence, &rec.CorrectionType, &rec.FrameworkType, &rec.DomainName, &rec.ReviewerID, &rec.ReviewerRole,
		&rec.ExpertiseWeight, &rec.CumulativeCorrections, &rec.AverageDelta, &rec.ModelVersion, &rec.AppliedToModel, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return rec, &NotFoundError{Entity: "correction", ID: fmt.Sprintf("%d", id)}
	}
	return rec, err
}

func scanCorrections(rows *sql.Rows) ([]CorrectionRecord, error) {
	defer rows.Close()
	var out []CorrectionRecord
	for rows.Next() {
		var rec CorrectionRecord
		if err := rows.Scan(
			&rec.ID, &rec.TeacherID, &rec.ElementID, &rec.ObservationID, &rec.OriginalScore, &rec.CorrectedScore, &rec.Delta,
			&rec.AIConfidence, &rec.CorrectionType, &rec.FrameworkType, &rec.DomainName, &rec.ReviewerID, &rec.ReviewerRole,
			&rec.ExpertiseWeight, &rec.CumulativeCorrections, &rec.AverageDelta, &rec.ModelVersion, &rec.AppliedToModel, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const correctionColumns = `id, teacher_id, element_id, observation_id, original_score, corrected_score, delta,
	        ai_confidence, correction_type, framework_type, domain_name, reviewer_id, reviewer_role,
	        expertise_weight, cumulative_corrections, average_delta, model_version, applied_to_model, created_at`

func GetCorrectionsByElement(db *sql.DB, elementID string, limit int) ([]CorrectionRecord, error) {
	rows, err := db.Query(
		`SELECT `+correctionColumns+` FROM corrections
		 WHERE element_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		elementID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanCorrections(rows)
}

func GetCorrectionsByElementSince(db *sql.DB, elementID string, since time.Time) ([]CorrectionRecord, error) {
	rows, err := db.Query(
		`SELECT `+correctionColumns+` FROM corrections
		 WHERE element_id = ? AND created_at >= ? ORDER BY created_at DESC, id DESC`,
		elementID, since,
	)
	if err != nil {
		return nil, err
	}
	return scanCorrections(rows)
}

func GetCorrectionsForVersion(db *sql.DB, version string) ([]CorrectionRecord, error) {
	rows, err := db.Query(
		`SELECT `+correctionColumns+` FROM corrections
		 WHERE model_version = ? ORDER BY id`,
		version,
	)
	if err != nil {
		return nil, err
	}
	return scanCorrections(rows)
}

// GetUnappliedCorrectionsSince returns corrections not yet folded into
// a model version, created at or after the given time, in insertion
// order so aggregation output is deterministic.
func GetUnappliedCorrectionsSince(db *sql.DB, since time.Time) ([]CorrectionRecord, error) {
	rows, err := db.Query(
		`SELECT `+correctionColumns+` FROM corrections
		 WHERE applied_to_model = 0 AND created_at >= ? ORDER BY id`,
		since,
	)
	if err != nil {
		return nil, err
	}
	return scanCorrections(rows)
}

func CountUnappliedCorrectionsSince(db *sql.DB, since time.Time) (int, error) {
	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM corrections WHERE applied_to_model = 0 AND created_at >= ?`,
		since,
	).Scan(&count)
	return count, err
}

// markCorrectionsApplied flips applied_to_model within an existing
// transaction. The flag moves false to true exactly once; rows already
// applied are not touched.
func markCorrectionsApplied(tx *sql.Tx, ids []int64) error {
	stmt, err := tx.Prepare(`UPDATE corrections SET applied_to_model = 1 WHERE id = ? AND applied_to_model = 0`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return err
		}
	}
	return nil
}

// UpdateTeacherStats folds a batch of deltas for one teacher into the
// cumulative teacher_stats row using the incremental mean formula.
func UpdateTeacherStats(db *sql.DB, teacherID string, deltas []float64) error {
	if len(deltas) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	var avg float64
	err = tx.QueryRow(
		`SELECT correction_count, average_delta FROM teacher_stats WHERE teacher_id = ?`,
		teacherID,
	).Scan(&count, &avg)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	for _, d := range deltas {
		count++
		avg = (avg*float64(count-1) + d) / float64(count)
	}

	_, err = tx.Exec(
		`INSERT INTO teacher_stats (teacher_id, correction_count, average_delta, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(teacher_id) DO UPDATE SET
		   correction_count = excluded.correction_count,
		   average_delta = excluded.average_delta,
		   updated_at = CURRENT_TIMESTAMP`,
		teacherID, count, avg,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func GetTeacherStats(db *sql.DB, teacherID string) (count int, avgDelta float64, err error) {
	err = db.QueryRow(
		`SELECT correction_count, average_delta FROM teacher_stats WHERE teacher_id = ?`,
		teacherID,
	).Scan(&count, &avgDelta)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	return count, avgDelta, err
}
