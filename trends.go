package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"time"
)

// Risk factor codes. Weights live next to the thresholds in
// riskScoreFor so the whole scoring table reads in one place.
const (
	RiskFactorLowScoreCritical   = "score_below_50"
	RiskFactorLowScore           = "score_below_60"
	RiskFactorSharpDecline       = "decline_over_10"
	RiskFactorDecline            = "decline_over_5"
	RiskFactorHighVariance       = "high_variance"
	RiskFactorSparseData         = "sparse_data"
	RiskFactorBelowSchoolAverage = "below_school_average"
	RiskFactorBottomQuartile     = "bottom_quartile"
)

// riskScoreFor weighs absolute performance, decline, volatility and
// data sparsity into a [0,1] score plus the contributing factors.
func riskScoreFor(avgScore, scoreChange, stdDev float64, obsCount int) (float64, []RiskFactor) {
	var factors []RiskFactor
	switch {
	case avgScore < 50:
		factors = append(factors, RiskFactor{Code: RiskFactorLowScoreCritical, Weight: 0.4})
	case avgScore < 60:
		factors = append(factors, RiskFactor{Code: RiskFactorLowScore, Weight: 0.25})
	}
	switch {
	case scoreChange < -10:
		factors = append(factors, RiskFactor{Code: RiskFactorSharpDecline, Weight: 0.25})
	case scoreChange < -5:
		factors = append(factors, RiskFactor{Code: RiskFactorDecline, Weight: 0.10})
	}
	if stdDev > 20 {
		factors = append(factors, RiskFactor{Code: RiskFactorHighVariance, Weight: 0.15})
	}
	if obsCount < 3 {
		factors = append(factors, RiskFactor{Code: RiskFactorSparseData, Weight: 0.10})
	}

	var score float64
	for _, f := range factors {
		score += f.Weight
	}
	return clampFloat(score, 0, 1), factors
}

// CalculateTrends aggregates a teacher's accepted observations in the
// period containing now into one trend point per element, scored
// against the prior stored period and ranked against school peers.
// Rows are upserted, so recalculation is idempotent.
func CalculateTrends(db *sql.DB, cfg Config, teacherID, periodType string, now time.Time) ([]PerformanceTrendPoint, error) {
	periodStart, periodEnd, err := PeriodRange(periodType, now)
	if err != nil {
		return nil, err
	}
	priorStart, priorEnd, err := PriorPeriodRange(periodType, now)
	if err != nil {
		return nil, err
	}

	exists, err := TeacherExists(db, teacherID)
	if err != nil {
		return nil, &TransientError{Op: "teacher lookup", Err: err}
	}
	if !exists {
		return nil, &NotFoundError{Entity: "teacher", ID: teacherID}
	}

	rows, err := db.Query(
		`SELECT element_id, score FROM observation_scores
		 WHERE teacher_id = ? AND status = 'accepted' AND observed_at >= ? AND observed_at < ?`,
		teacherID, periodStart, periodEnd,
	)
	if err != nil {
		return nil, &TransientError{Op: "observation fetch", Err: err}
	}
	scores := map[string][]float64{}
	for rows.Next() {
		var elementID string
		var score float64
		if err := rows.Scan(&elementID, &score); err != nil {
			rows.Close()
			return nil, err
		}
		scores[elementID] = append(scores[elementID], score)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	elementIDs := make([]string, 0, len(scores))
	for id := range scores {
		elementIDs = append(elementIDs, id)
	}
	sort.Strings(elementIDs)

	var points []PerformanceTrendPoint
	for _, elementID := range elementIDs {
		vals := scores[elementID]
		avg, min, max, stddev := scoreStats(vals)

		scoreChange := 0.0
		var priorAvg float64
		err := db.QueryRow(
			`SELECT average_score FROM performance_trends
			 WHERE teacher_id = ? AND element_id = ? AND period_start = ? AND period_end = ?`,
			teacherID, elementID, priorStart, priorEnd,
		).Scan(&priorAvg)
		if err == nil {
			scoreChange = avg - priorAvg
		} else if err != sql.ErrNoRows {
			return nil, &TransientError{Op: "prior period lookup", Err: err}
		}

		rank, err := percentileRank(db, teacherID, elementID, avg, periodStart, periodEnd)
		if err != nil {
			return nil, err
		}

		riskScore, factors := riskScoreFor(avg, scoreChange, stddev, len(vals))
		point := PerformanceTrendPoint{
			TeacherID:        teacherID,
			ElementID:        elementID,
			PeriodStart:      periodStart,
			PeriodEnd:        periodEnd,
			PeriodType:       periodType,
			AverageScore:     avg,
			ScoreChange:      scoreChange,
			TrendDirection:   TrendDirectionFor(scoreChange),
			ObservationCount: len(vals),
			MinScore:         min,
			MaxScore:         max,
			StdDeviation:     stddev,
			PercentileRank:   rank,
			RiskLevel:        RiskLevelFor(riskScore),
			RiskFactors:      factors,
		}
		if err := upsertTrendPoint(db, point); err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	return points, nil
}

func scoreStats(vals []float64) (avg, min, max, stddev float64) {
	min = vals[0]
	max = vals[0]
	var sum float64
	for _, v := range vals {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	avg = sum / float64(len(vals))
	var sqSum float64
	for _, v := range vals {
		diff := v - avg
		sqSum += diff * diff
	}
	stddev = math.Sqrt(sqSum / float64(len(vals)))
	return avg, min, max, stddev
}

// percentileRank is the fraction of peer teachers whose average for
// the same element and period falls strictly below this score.
func percentileRank(db *sql.DB, teacherID, elementID string, score float64, periodStart, periodEnd time.Time) (float64, error) {
	rows, err := db.Query(
		`SELECT teacher_id, AVG(score) FROM observation_scores
		 WHERE element_id = ? AND status = 'accepted' AND observed_at >= ? AND observed_at < ?
		   AND teacher_id != ?
		 GROUP BY teacher_id`,
		elementID, periodStart, periodEnd, teacherID,
	)
	if err != nil {
		return 0, &TransientError{Op: "peer averages", Err: err}
	}
	defer rows.Close()

	total, below := 0, 0
	for rows.Next() {
		var id string
		var avg float64
		if err := rows.Scan(&id, &avg); err != nil {
			return 0, err
		}
		total++
		if avg < score {
			below++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return float64(below) / float64(total), nil
}

func upsertTrendPoint(db *sql.DB, p PerformanceTrendPoint) error {
	factorsJSON, err := json.Marshal(p.RiskFactors)
	if err != nil {
		return err
	}
	if p.RiskFactors == nil {
		factorsJSON = []byte("[]")
	}
	_, err = db.Exec(
		`INSERT INTO performance_trends
		 (teacher_id, element_id, period_start, period_end, period_type, average_score,
		  score_change, trend_direction, observation_count, min_score, max_score,
		  std_deviation, percentile_rank, risk_level, risk_factors)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(teacher_id, element_id, period_start, period_end) DO UPDATE SET
		  period_type = excluded.period_type,
		  average_score = excluded.average_score,
		  score_change = excluded.score_change,
		  trend_direction = excluded.trend_direction,
		  observation_count = excluded.observation_count,
		  min_score = excluded.min_score,
		  max_score = excluded.max_score,
		  std_deviation = excluded.std_deviation,
		  percentile_rank = excluded.percentile_rank,
		  risk_level = excluded.risk_level,
		  risk_factors = excluded.risk_factors`,
		p.TeacherID, p.ElementID, p.PeriodStart, p.PeriodEnd, p.PeriodType, p.AverageScore,
		p.ScoreChange, p.TrendDirection, p.ObservationCount, p.MinScore, p.MaxScore,
		p.StdDeviation, p.PercentileRank, p.RiskLevel, string(factorsJSON),
	)
	if err != nil {
		return &TransientError{Op: "trend upsert", Err: err}
	}
	return nil
}

func scanTrendRows(rows *sql.Rows) ([]PerformanceTrendPoint, error) {
	var out []PerformanceTrendPoint
	for rows.Next() {
		var p PerformanceTrendPoint
		var factorsJSON string
		if err := rows.Scan(&p.ID, &p.TeacherID, &p.ElementID, &p.PeriodStart, &p.PeriodEnd,
			&p.PeriodType, &p.AverageScore, &p.ScoreChange, &p.TrendDirection,
			&p.ObservationCount, &p.MinScore, &p.MaxScore, &p.StdDeviation,
			&p.PercentileRank, &p.RiskLevel, &factorsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(factorsJSON), &p.RiskFactors); err != nil {
			return nil, fmt.Errorf("decoding risk factors for trend %d: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const trendColumns = `id, teacher_id, element_id, period_start, period_end, period_type,
	average_score, score_change, trend_direction, observation_count, min_score, max_score,
	std_deviation, percentile_rank, risk_level, risk_factors`

// GetRecentTrendPoints returns up to limit trend rows for one
// (teacher, element, period type), most recent period first. Mixing
// period types would compare points aggregated over different windows,
// so history is always read within a single series.
func GetRecentTrendPoints(db *sql.DB, teacherID, elementID, periodType string, limit int) ([]PerformanceTrendPoint, error) {
	rows, err := db.Query(
		`SELECT `+trendColumns+` FROM performance_trends
		 WHERE teacher_id = ? AND element_id = ? AND period_type = ?
		 ORDER BY period_start DESC LIMIT ?`,
		teacherID, elementID, periodType, limit)
	if err != nil {
		return nil, &TransientError{Op: "trend fetch", Err: err}
	}
	defer rows.Close()
	return scanTrendRows(rows)
}

// Regression is a flagged decline between a teacher's two most recent
// trend points for one element.
type Regression struct {
	TeacherID     string
	ElementID     string
	PreviousScore float64
	CurrentScore  float64
	DeclinePct    float64
	Severity      string
}

// DetectRegressions flags elements whose latest trend point declined
// more than 10% from the previous one, or crossed below 60 from
// above, comparing only points of the given period type. Severity
// escalates to critical past a 20% decline or a current score under
// 50.
func DetectRegressions(db *sql.DB, teacherID, periodType string) ([]Regression, error) {
	rows, err := db.Query(
		`SELECT DISTINCT element_id FROM performance_trends
		 WHERE teacher_id = ? AND period_type = ? ORDER BY element_id`,
		teacherID, periodType)
	if err != nil {
		return nil, &TransientError{Op: "trend elements", Err: err}
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

	var out []Regression
	for _, elementID := range elementIDs {
		points, err := GetRecentTrendPoints(db, teacherID, elementID, periodType, 2)
		if err != nil {
			return nil, err
		}
		if len(points) < 2 {
			continue
		}
		current := points[0].AverageScore
		previous := points[1].AverageScore

		declinePct := 0.0
		if previous > 0 {
			declinePct = (previous - current) / previous * 100
		}
		crossedBelow60 := previous >= 60 && current < 60
		if declinePct <= 10 && !crossedBelow60 {
			continue
		}

		severity := "warning"
		if declinePct > 20 || current < 50 {
			severity = "critical"
		}
		out = append(out, Regression{
			TeacherID:     teacherID,
			ElementID:     elementID,
			PreviousScore: previous,
			CurrentScore:  current,
			DeclinePct:    declinePct,
			Severity:      severity,
		})
	}
	return out, nil
}

// RiskPrediction is a forward projection for one (teacher, element).
type RiskPrediction struct {
	TeacherID      string
	ElementID      string
	CurrentScore   float64
	ProjectedScore float64
	RiskLevel      string
	RiskFactors    []RiskFactor
	Confidence     float64
	PeriodsUsed    int
}

// PredictFutureRisk extrapolates the next period's score from the
// average change over the last three stored periods and rescores risk
// on the projection, adding peer-relative penalties. Prediction
// confidence grows with observation volume and shrinks with
// volatility.
func PredictFutureRisk(db *sql.DB, teacherID, elementID, periodType string) (RiskPrediction, error) {
	points, err := GetRecentTrendPoints(db, teacherID, elementID, periodType, 3)
	if err != nil {
		return RiskPrediction{}, err
	}
	if len(points) == 0 {
		return RiskPrediction{}, &NotFoundError{Entity: "trend history", ID: teacherID + "/" + elementID}
	}

	latest := points[0]
	var changeSum float64
	for _, p := range points {
		changeSum += p.ScoreChange
	}
	avgChange := changeSum / float64(len(points))
	projected := clampFloat(latest.AverageScore+avgChange, 0, 100)

	riskScore, factors := riskScoreFor(projected, avgChange, latest.StdDeviation, latest.ObservationCount)

	schoolAvg, err := schoolAverageFor(db, elementID, latest.PeriodStart, latest.PeriodEnd)
	if err != nil {
		return RiskPrediction{}, err
	}
	if schoolAvg > 0 && latest.AverageScore < schoolAvg {
		factors = append(factors, RiskFactor{Code: RiskFactorBelowSchoolAverage, Weight: 0.10})
		riskScore += 0.10
	}
	if latest.PercentileRank < 0.25 {
		factors = append(factors, RiskFactor{Code: RiskFactorBottomQuartile, Weight: 0.15})
		riskScore += 0.15
	}
	riskScore = clampFloat(riskScore, 0, 1)

	totalObs := 0
	for _, p := range points {
		totalObs += p.ObservationCount
	}
	confidence := clampFloat(0.3+0.15*float64(len(points))+0.02*float64(totalObs)-latest.StdDeviation/100, 0.1, 0.95)

	return RiskPrediction{
		TeacherID:      teacherID,
		ElementID:      elementID,
		CurrentScore:   latest.AverageScore,
		ProjectedScore: projected,
		RiskLevel:      RiskLevelFor(riskScore),
		RiskFactors:    factors,
		Confidence:     confidence,
		PeriodsUsed:    len(points),
	}, nil
}

// schoolAverageFor is the mean accepted score across all teachers for
// one element in a period window, 0 when there is no data.
func schoolAverageFor(db *sql.DB, elementID string, periodStart, periodEnd time.Time) (float64, error) {
	var avg sql.NullFloat64
	err := db.QueryRow(
		`SELECT AVG(score) FROM observation_scores
		 WHERE element_id = ? AND status = 'accepted' AND observed_at >= ? AND observed_at < ?`,
		elementID, periodStart, periodEnd,
	).Scan(&avg)
	if err != nil {
		return 0, &TransientError{Op: "school average", Err: err}
	}
	return avg.Float64, nil
}

// RunTrendSweep recalculates current-period trends for every teacher
// and logs any regressions found. Used by the seed path and callable
// on demand.
func RunTrendSweep(db *sql.DB, cfg Config, periodType string, now time.Time) error {
	rows, err := db.Query(`SELECT id FROM teachers ORDER BY id`)
	if err != nil {
		return &TransientError{Op: "teacher list", Err: err}
	}
	var teacherIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		teacherIDs = append(teacherIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, teacherID := range teacherIDs {
		if _, err := CalculateTrends(db, cfg, teacherID, periodType, now); err != nil {
			log.Printf("trend calc error teacher=%s: %v", teacherID, err)
			continue
		}
		regressions, err := DetectRegressions(db, teacherID, periodType)
		if err != nil {
			log.Printf("regression check error teacher=%s: %v", teacherID, err)
			continue
		}
		for _, r := range regressions {
			log.Printf("regression teacher=%s element=%s severity=%s previous=%.1f current=%.1f decline=%.1f%%",
				r.TeacherID, r.ElementID, r.Severity, r.PreviousScore, r.CurrentScore, r.DeclinePct)
		}
	}
	return nil
}
