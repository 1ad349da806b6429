package main

import (
	"database/sql"
	"log"
	"math"
	"sort"
)

type batchGroup struct {
	frameworkType string
	elementID     string
	deltas        []float64
	weights       []float64
}

// ProcessBatch claims one batch off the training queue and folds it
// into the active model version. Entries below the expertise floor are
// completed without folding so they never recirculate. Returns the
// number of entries processed (0 when the queue was empty).
func ProcessBatch(db *sql.DB, cfg Config) (int, error) {
	batchID, entries, err := DequeueBatch(db, cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	corrections := make([]CorrectionRecord, 0, len(entries))
	entryIDs := make([]int64, 0, len(entries))
	skipped := 0
	for _, e := range entries {
		entryIDs = append(entryIDs, e.ID)
		c, err := GetCorrectionByID(db, e.CorrectionID)
		if err != nil {
			// A missing correction is unrecoverable for this
			// entry; completing it keeps the queue draining.
			log.Printf("batch correction missing batch=%s entry=%d correction=%d: %v",
				batchID, e.ID, e.CorrectionID, err)
			skipped++
			continue
		}
		if c.ExpertiseWeight < cfg.MinExpertiseWeight {
			log.Printf("batch entry below expertise floor batch=%s correction=%d weight=%.2f floor=%.2f",
				batchID, c.ID, c.ExpertiseWeight, cfg.MinExpertiseWeight)
			skipped++
			continue
		}
		corrections = append(corrections, c)
	}

	for _, g := range groupBatch(corrections) {
		mean, stddev := weightedGroupStats(g.deltas, g.weights)
		err := FoldPatternIntoActiveConfig(db, g.elementID, mean, stddev, len(g.deltas))
		if _, ok := err.(*NotFoundError); ok {
			log.Printf("batch fold skipped, no active version batch=%s element=%s samples=%d",
				batchID, g.elementID, len(g.deltas))
			continue
		}
		if err != nil {
			return 0, err
		}
	}

	byTeacher := map[string][]float64{}
	for _, c := range corrections {
		byTeacher[c.TeacherID] = append(byTeacher[c.TeacherID], c.Delta)
	}
	teacherIDs := make([]string, 0, len(byTeacher))
	for id := range byTeacher {
		teacherIDs = append(teacherIDs, id)
	}
	sort.Strings(teacherIDs)
	for _, id := range teacherIDs {
		if err := UpdateTeacherStats(db, id, byTeacher[id]); err != nil {
			return 0, &TransientError{Op: "teacher stats update", Err: err}
		}
	}

	if err := CompleteEntries(db, entryIDs); err != nil {
		return 0, err
	}

	log.Printf("batch processed batch=%s entries=%d folded=%d skipped=%d teachers=%d",
		batchID, len(entries), len(corrections), skipped, len(teacherIDs))
	return len(entries), nil
}

// groupBatch buckets corrections by (framework, element), sorted so
// folding order is deterministic.
func groupBatch(corrections []CorrectionRecord) []batchGroup {
	byKey := map[string]*batchGroup{}
	for _, c := range corrections {
		key := c.FrameworkType + "/" + c.ElementID
		g, ok := byKey[key]
		if !ok {
			g = &batchGroup{frameworkType: c.FrameworkType, elementID: c.ElementID}
			byKey[key] = g
		}
		g.deltas = append(g.deltas, c.Delta)
		g.weights = append(g.weights, c.ExpertiseWeight)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]batchGroup, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byKey[k])
	}
	return out
}

// weightedGroupStats returns the expertise-weighted mean delta and the
// unweighted population stddev of a group.
func weightedGroupStats(deltas, weights []float64) (float64, float64) {
	var weightedSum, weightSum float64
	for i, d := range deltas {
		weightedSum += d * weights[i]
		weightSum += weights[i]
	}
	mean := weightedSum / weightSum

	var plainSum float64
	for _, d := range deltas {
		plainSum += d
	}
	plainMean := plainSum / float64(len(deltas))
	var sqSum float64
	for _, d := range deltas {
		diff := d - plainMean
		sqSum += diff * diff
	}
	return mean, math.Sqrt(sqSum / float64(len(deltas)))
}

// RunBatchWorker is one tick of the worker loop: sweep stuck entries
// back to pending, then drain one batch.
func RunBatchWorker(db *sql.DB, cfg Config) error {
	reset, failed, err := ResetStuckEntries(db, cfg.StaleEntryWindow(), cfg.MaxBatchRetries)
	if err != nil {
		return err
	}
	if reset > 0 || failed > 0 {
		log.Printf("stuck sweep reset=%d failed=%d", reset, failed)
	}
	_, err = ProcessBatch(db, cfg)
	return err
}
