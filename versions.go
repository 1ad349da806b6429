package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Evaluation sample thresholds for the version lifecycle.
const (
	minEvalPredictions     = 50  // below this a testing version cannot be judged
	autoPromotePredictions = 200 // sustained improvement at this volume promotes automatically
	abandonPredictions     = 500 // a testing version still not improving here is abandoned
)

// ElementAdjustment is one element's learned bias entry in a model
// version's config.
type ElementAdjustment struct {
	Bias        float64 `json:"bias"`
	SampleCount int     `json:"sampleCount"`
	StdDev      float64 `json:"stddev"`
}

// ModelConfig is the closed schema stored in model_versions.config.
type ModelConfig struct {
	ElementAdjustments map[string]ElementAdjustment `json:"elementAdjustments"`
	GlobalBias         float64                      `json:"globalBias"`
}

type ModelVersion struct {
	Version      string
	Status       string
	Config       ModelConfig
	CreatedAt    time.Time
	ActivatedAt  time.Time
	DeprecatedAt time.Time
}

func scanVersion(row *sql.Row) (ModelVersion, error) {
	var v ModelVersion
	var configJSON string
	var activatedAt, deprecatedAt sql.NullTime
	err := row.Scan(&v.Version, &v.Status, &configJSON, &v.CreatedAt, &activatedAt, &deprecatedAt)
	if err != nil {
		return v, err
	}
	v.ActivatedAt = activatedAt.Time
	v.DeprecatedAt = deprecatedAt.Time
	if err := json.Unmarshal([]byte(configJSON), &v.Config); err != nil {
		return v, fmt.Errorf("decoding config for version %s: %w", v.Version, err)
	}
	if v.Config.ElementAdjustments == nil {
		v.Config.ElementAdjustments = map[string]ElementAdjustment{}
	}
	return v, nil
}

func GetVersion(db *sql.DB, version string) (ModelVersion, error) {
	v, err := scanVersion(db.QueryRow(
		`SELECT version, status, config, created_at, activated_at, deprecated_at
		 FROM model_versions WHERE version = ?`, version))
	if err == sql.ErrNoRows {
		return v, &NotFoundError{Entity: "model version", ID: version}
	}
	return v, err
}

func GetActiveVersion(db *sql.DB) (ModelVersion, error) {
	v, err := scanVersion(db.QueryRow(
		`SELECT version, status, config, created_at, activated_at, deprecated_at
		 FROM model_versions WHERE status = 'active' LIMIT 1`))
	if err == sql.ErrNoRows {
		return v, &NotFoundError{Entity: "model version", ID: "active"}
	}
	return v, err
}

func GetVersionsByStatus(db *sql.DB, status string) ([]ModelVersion, error) {
	rows, err := db.Query(
		`SELECT version, status, config, created_at, activated_at, deprecated_at
		 FROM model_versions WHERE status = ? ORDER BY created_at, version`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelVersion
	for rows.Next() {
		var v ModelVersion
		var configJSON string
		var activatedAt, deprecatedAt sql.NullTime
		if err := rows.Scan(&v.Version, &v.Status, &configJSON, &v.CreatedAt, &activatedAt, &deprecatedAt); err != nil {
			return nil, err
		}
		v.ActivatedAt = activatedAt.Time
		v.DeprecatedAt = deprecatedAt.Time
		if err := json.Unmarshal([]byte(configJSON), &v.Config); err != nil {
			return nil, fmt.Errorf("decoding config for version %s: %w", v.Version, err)
		}
		if v.Config.ElementAdjustments == nil {
			v.Config.ElementAdjustments = map[string]ElementAdjustment{}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// nextVersionString bumps the patch of the highest existing version.
// Versions are semantic "1.0.N" with a monotonically increasing patch.
func nextVersionString(db *sql.DB) (string, error) {
	rows, err := db.Query(`SELECT version FROM model_versions`)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	maxPatch := -1
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return "", err
		}
		parts := strings.Split(v, ".")
		if len(parts) != 3 {
			continue
		}
		patch, err := strconv.Atoi(parts[2])
		if err != nil {
			continue
		}
		if patch > maxPatch {
			maxPatch = patch
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("1.0.%d", maxPatch+1), nil
}

// MaybeCreateVersion creates a new testing version once enough
// unapplied corrections have accumulated since the active version was
// created. Folded corrections are marked applied in the same
// transaction as the insert. Returns the new version string, or ""
// when the trigger threshold has not been reached.
func MaybeCreateVersion(db *sql.DB, cfg Config) (string, error) {
	baseline := time.Time{}
	if active, err := GetActiveVersion(db); err == nil {
		baseline = active.CreatedAt
	} else if _, ok := err.(*NotFoundError); !ok {
		return "", err
	}

	count, err := CountUnappliedCorrectionsSince(db, baseline)
	if err != nil {
		return "", &TransientError{Op: "unapplied count", Err: err}
	}
	if count < cfg.MinCorrectionsForNewVersion {
		return "", nil
	}

	corrections, err := GetUnappliedCorrectionsSince(db, baseline)
	if err != nil {
		return "", &TransientError{Op: "unapplied fetch", Err: err}
	}

	config := buildConfigFromCorrections(corrections)

	version, err := nextVersionString(db)
	if err != nil {
		return "", &TransientError{Op: "version numbering", Err: err}
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return "", err
	}

	ids := make([]int64, len(corrections))
	for i, c := range corrections {
		ids[i] = c.ID
	}

	tx, err := db.Begin()
	if err != nil {
		return "", &TransientError{Op: "version create begin", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO model_versions (version, status, config) VALUES (?, 'testing', ?)`,
		version, string(configJSON),
	); err != nil {
		return "", &TransientError{Op: "version insert", Err: err}
	}
	if err := markCorrectionsApplied(tx, ids); err != nil {
		return "", &TransientError{Op: "mark applied", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return "", &TransientError{Op: "version create commit", Err: err}
	}

	if err := InsertAuditEntry(db, "version.created", "model_version", version, "",
		fmt.Sprintf("folded %d corrections, %d elements", len(corrections), len(config.ElementAdjustments))); err != nil {
		log.Printf("version audit error version=%s: %v", version, err)
	}
	log.Printf("version created version=%s corrections=%d elements=%d global_bias=%.3f",
		version, len(corrections), len(config.ElementAdjustments), config.GlobalBias)
	return version, nil
}

// buildConfigFromCorrections aggregates corrections grouped by element
// into a bias table. Per-element bias is the expertise-weighted mean
// delta; the global bias is the sample-weighted mean of element biases.
// Elements are folded in sorted order so the config is deterministic.
func buildConfigFromCorrections(corrections []CorrectionRecord) ModelConfig {
	type group struct {
		deltas  []float64
		weights []float64
	}
	groups := map[string]*group{}
	for _, c := range corrections {
		g, ok := groups[c.ElementID]
		if !ok {
			g = &group{}
			groups[c.ElementID] = g
		}
		g.deltas = append(g.deltas, c.Delta)
		g.weights = append(g.weights, c.ExpertiseWeight)
	}

	elementIDs := make([]string, 0, len(groups))
	for id := range groups {
		elementIDs = append(elementIDs, id)
	}
	sort.Strings(elementIDs)

	config := ModelConfig{ElementAdjustments: map[string]ElementAdjustment{}}
	var weightedBiasSum, totalSamples float64
	for _, id := range elementIDs {
		g := groups[id]
		var weightedSum, weightSum float64
		for i, d := range g.deltas {
			weightedSum += d * g.weights[i]
			weightSum += g.weights[i]
		}
		bias := weightedSum / weightSum

		var sqSum float64
		for _, d := range g.deltas {
			diff := d - bias
			sqSum += diff * diff
		}
		n := len(g.deltas)
		config.ElementAdjustments[id] = ElementAdjustment{
			Bias:        bias,
			SampleCount: n,
			StdDev:      math.Sqrt(sqSum / float64(n)),
		}
		weightedBiasSum += bias * float64(n)
		totalSamples += float64(n)
	}
	if totalSamples > 0 {
		config.GlobalBias = weightedBiasSum / totalSamples
	}
	return config
}

// AccuracyScoreForVersion is the fraction of a version's corrections
// whose |delta| stayed within the configured tolerance. A version with
// no corrections scores 0 (nothing demonstrated yet).
func AccuracyScoreForVersion(db *sql.DB, cfg Config, version string) (float64, int, error) {
	var total, within int
	err := db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN ABS(delta) <= ? THEN 1 ELSE 0 END), 0)
		 FROM corrections WHERE model_version = ?`,
		cfg.AccuracyDeltaTolerance, version,
	).Scan(&total, &within)
	if err != nil {
		return 0, 0, &TransientError{Op: "accuracy query", Err: err}
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(within) / float64(total), total, nil
}

// ElementAccuracyForVersion maps each corrected element of a version to
// clamp(1 - avgAbsDelta/100, 0, 1).
func ElementAccuracyForVersion(db *sql.DB, version string) (map[string]float64, error) {
	rows, err := db.Query(
		`SELECT element_id, AVG(ABS(delta)) FROM corrections
		 WHERE model_version = ? GROUP BY element_id`,
		version,
	)
	if err != nil {
		return nil, &TransientError{Op: "element accuracy query", Err: err}
	}
	defer rows.Close()

	out := map[string]float64{}
	for rows.Next() {
		var elementID string
		var avgAbs float64
		if err := rows.Scan(&elementID, &avgAbs); err != nil {
			return nil, err
		}
		out[elementID] = clampFloat(1-avgAbs/100, 0, 1)
	}
	return out, rows.Err()
}

// PromoteVersion moves a testing version to active. The previous
// active version (if any) is deprecated in the same transaction, so
// the single-active invariant holds at every commit point.
func PromoteVersion(db *sql.DB, cfg Config, version string) error {
	candidate, err := GetVersion(db, version)
	if err != nil {
		return err
	}
	if candidate.Status != VersionTesting {
		return &ValidationError{Field: "version", Msg: fmt.Sprintf("%s is %s, only testing versions can be promoted", version, candidate.Status)}
	}

	predictions, err := CountPredictionsForVersion(db, version)
	if err != nil {
		return &TransientError{Op: "prediction count", Err: err}
	}
	if predictions < minEvalPredictions {
		return &ValidationError{Field: "version", Msg: fmt.Sprintf("%s has %d predictions, need >= %d to evaluate", version, predictions, minEvalPredictions)}
	}

	active, activeErr := GetActiveVersion(db)
	if activeErr == nil {
		candAcc, _, err := AccuracyScoreForVersion(db, cfg, version)
		if err != nil {
			return err
		}
		activeAcc, _, err := AccuracyScoreForVersion(db, cfg, active.Version)
		if err != nil {
			return err
		}
		if candAcc < activeAcc+cfg.MinAccuracyGainThreshold {
			return &ValidationError{Field: "version", Msg: fmt.Sprintf(
				"%s accuracy %.3f does not beat active %s accuracy %.3f by %.3f",
				version, candAcc, active.Version, activeAcc, cfg.MinAccuracyGainThreshold)}
		}
	} else if _, ok := activeErr.(*NotFoundError); !ok {
		return activeErr
	}

	tx, err := db.Begin()
	if err != nil {
		return &TransientError{Op: "promote begin", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE model_versions SET status = 'deprecated', deprecated_at = CURRENT_TIMESTAMP WHERE status = 'active'`,
	); err != nil {
		return &TransientError{Op: "promote deprecate", Err: err}
	}
	res, err := tx.Exec(
		`UPDATE model_versions SET status = 'active', activated_at = CURRENT_TIMESTAMP
		 WHERE version = ? AND status = 'testing'`,
		version,
	)
	if err != nil {
		return &TransientError{Op: "promote activate", Err: err}
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		return &InvariantViolation{Msg: fmt.Sprintf("promotion of %s activated %d rows, want exactly 1", version, affected)}
	}
	if err := tx.Commit(); err != nil {
		return &TransientError{Op: "promote commit", Err: err}
	}

	if err := InsertAuditEntry(db, "version.promoted", "model_version", version, "",
		fmt.Sprintf("predictions=%d", predictions)); err != nil {
		log.Printf("version audit error version=%s: %v", version, err)
	}
	log.Printf("version promoted version=%s predictions=%d replaced=%s", version, predictions, active.Version)
	return nil
}

// DeprecateVersion abandons a version directly (testing versions that
// never improve, or a forced retirement of the active one).
func DeprecateVersion(db *sql.DB, version, reason string) error {
	res, err := db.Exec(
		`UPDATE model_versions SET status = 'deprecated', deprecated_at = CURRENT_TIMESTAMP
		 WHERE version = ? AND status IN ('testing', 'active')`,
		version,
	)
	if err != nil {
		return &TransientError{Op: "deprecate", Err: err}
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &NotFoundError{Entity: "deprecatable model version", ID: version}
	}
	if err := InsertAuditEntry(db, "version.deprecated", "model_version", version, "", reason); err != nil {
		log.Printf("version audit error version=%s: %v", version, err)
	}
	log.Printf("version deprecated version=%s reason=%s", version, reason)
	return nil
}

// ArchiveOldVersions moves deprecated versions past the cooldown to
// archived. Archived versions are immutable history.
func ArchiveOldVersions(db *sql.DB, cfg Config) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -cfg.VersionArchiveAfterDays)
	res, err := db.Exec(
		`UPDATE model_versions SET status = 'archived'
		 WHERE status = 'deprecated' AND deprecated_at IS NOT NULL AND deprecated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, &TransientError{Op: "archive sweep", Err: err}
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		log.Printf("version archive swept count=%d cutoff=%s", affected, cutoff.Format("2006-01-02"))
	}
	return int(affected), nil
}

// CountActiveVersions exists for invariant checks and monitoring; the
// value must always be 0 or 1.
func CountActiveVersions(db *sql.DB) (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM model_versions WHERE status = 'active'`).Scan(&count)
	return count, err
}

// RunVersionCheck is one iteration of the version manager's periodic
// loop: create a version when enough corrections accumulated, then
// evaluate every testing version for automatic promotion or
// abandonment.
func RunVersionCheck(db *sql.DB, cfg Config) error {
	if _, err := MaybeCreateVersion(db, cfg); err != nil {
		return err
	}

	testing, err := GetVersionsByStatus(db, VersionTesting)
	if err != nil {
		return &TransientError{Op: "testing versions fetch", Err: err}
	}

	var activeAcc float64
	hasActive := false
	if active, err := GetActiveVersion(db); err == nil {
		hasActive = true
		activeAcc, _, err = AccuracyScoreForVersion(db, cfg, active.Version)
		if err != nil {
			return err
		}
	} else if _, ok := err.(*NotFoundError); !ok {
		return err
	}

	for _, v := range testing {
		predictions, err := CountPredictionsForVersion(db, v.Version)
		if err != nil {
			return &TransientError{Op: "prediction count", Err: err}
		}
		if predictions < minEvalPredictions {
			continue
		}
		acc, sample, err := AccuracyScoreForVersion(db, cfg, v.Version)
		if err != nil {
			return err
		}
		improves := !hasActive || acc >= activeAcc+cfg.MinAccuracyGainThreshold

		switch {
		case improves && predictions >= autoPromotePredictions:
			if err := PromoteVersion(db, cfg, v.Version); err != nil {
				if _, fatal := err.(*InvariantViolation); fatal {
					return err
				}
				log.Printf("version auto-promote declined version=%s: %v", v.Version, err)
			}
		case !improves && predictions >= abandonPredictions:
			if err := DeprecateVersion(db, v.Version, fmt.Sprintf(
				"no improvement after %d predictions (accuracy %.3f vs active %.3f, sample %d)",
				predictions, acc, activeAcc, sample)); err != nil {
				return err
			}
		}
	}

	// max_active_versions is a soft cap over live (non-archived)
	// versions; exceeding it is worth noticing, not acting on.
	var live int
	if err := db.QueryRow(`SELECT COUNT(*) FROM model_versions WHERE status != 'archived'`).Scan(&live); err == nil {
		if live > cfg.MaxActiveVersions {
			log.Printf("version soft cap exceeded live=%d cap=%d", live, cfg.MaxActiveVersions)
		}
	}
	return nil
}

// FoldPatternIntoActiveConfig merges a batch group's aggregate delta
// into the active version's adjustment for one element, pooling means
// and variances by sample count. No-op returning NotFoundError when no
// version is active.
func FoldPatternIntoActiveConfig(db *sql.DB, elementID string, meanDelta, stdDev float64, sampleCount int) error {
	tx, err := db.Begin()
	if err != nil {
		return &TransientError{Op: "fold begin", Err: err}
	}
	defer tx.Rollback()

	var version, configJSON string
	err = tx.QueryRow(
		`SELECT version, config FROM model_versions WHERE status = 'active' LIMIT 1`,
	).Scan(&version, &configJSON)
	if err == sql.ErrNoRows {
		return &NotFoundError{Entity: "model version", ID: "active"}
	}
	if err != nil {
		return &TransientError{Op: "fold active lookup", Err: err}
	}

	var config ModelConfig
	if err := json.Unmarshal([]byte(configJSON), &config); err != nil {
		return fmt.Errorf("decoding config for version %s: %w", version, err)
	}
	if config.ElementAdjustments == nil {
		config.ElementAdjustments = map[string]ElementAdjustment{}
	}

	prev := config.ElementAdjustments[elementID]
	merged := mergeAdjustment(prev, meanDelta, stdDev, sampleCount)
	config.ElementAdjustments[elementID] = merged

	// Recompute the global bias as the sample-weighted mean over the
	// updated table, iterating sorted for determinism.
	ids := make([]string, 0, len(config.ElementAdjustments))
	for id := range config.ElementAdjustments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var weightedSum, total float64
	for _, id := range ids {
		adj := config.ElementAdjustments[id]
		weightedSum += adj.Bias * float64(adj.SampleCount)
		total += float64(adj.SampleCount)
	}
	if total > 0 {
		config.GlobalBias = weightedSum / total
	}

	updated, err := json.Marshal(config)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE model_versions SET config = ? WHERE version = ? AND status = 'active'`,
		string(updated), version,
	); err != nil {
		return &TransientError{Op: "fold update", Err: err}
	}
	return tx.Commit()
}

// mergeAdjustment pools an existing adjustment with a new sample group
// (pooled mean, pooled variance including between-group shift).
func mergeAdjustment(prev ElementAdjustment, meanDelta, stdDev float64, sampleCount int) ElementAdjustment {
	if prev.SampleCount == 0 {
		return ElementAdjustment{Bias: meanDelta, SampleCount: sampleCount, StdDev: stdDev}
	}
	n1 := float64(prev.SampleCount)
	n2 := float64(sampleCount)
	total := n1 + n2
	mean := (prev.Bias*n1 + meanDelta*n2) / total

	d1 := prev.Bias - mean
	d2 := meanDelta - mean
	variance := (n1*(prev.StdDev*prev.StdDev+d1*d1) + n2*(stdDev*stdDev+d2*d2)) / total

	return ElementAdjustment{
		Bias:        mean,
		SampleCount: int(total),
		StdDev:      math.Sqrt(variance),
	}
}
