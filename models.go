package main

import (
	"fmt"
	"math"
	"time"
)

// Correction types, inferred from the sign of delta when not supplied.
const (
	CorrectionScoreTooLow  = "score_too_low"  // AI under-scored, delta > 0
	CorrectionScoreTooHigh = "score_too_high" // AI over-scored, delta < 0
	CorrectionEvidenceOnly = "evidence_only"  // score unchanged, evidence edited
)

// Training queue entry statuses.
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
)

// Model version lifecycle states.
const (
	VersionTesting    = "testing"
	VersionActive     = "active"
	VersionDeprecated = "deprecated"
	VersionArchived   = "archived"
)

// Risk levels, ordered by severity.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

type CorrectionRecord struct {
	ID                    int64
	TeacherID             string
	ElementID             string
	ObservationID         string
	OriginalScore         float64
	CorrectedScore        float64
	Delta                 float64
	AIConfidence          float64
	CorrectionType        string
	FrameworkType         string
	DomainName            string
	ReviewerID            string
	ReviewerRole          string
	ExpertiseWeight       float64
	CumulativeCorrections int
	AverageDelta          float64
	ModelVersion          string
	AppliedToModel        bool
	CreatedAt             time.Time
}

type CorrectionInput struct {
	TeacherID      string
	ElementID      string
	ObservationID  string
	OriginalScore  float64
	CorrectedScore float64
	AIConfidence   float64
	ReviewerID     string
	ReviewerRole   string
	QualityScore   float64 // 0-1, drives queue priority; 0 means unrated
}

type TrainingQueueEntry struct {
	ID           int64
	CorrectionID int64
	Status       string
	Priority     int
	BatchID      string
	RetryCount   int
	QueuedAt     time.Time
	ProcessedAt  time.Time
}

type ObservationScore struct {
	ID            string
	TeacherID     string
	ElementID     string
	FrameworkType string
	Score         float64
	AIConfidence  float64
	ModelVersion  string
	Status        string
	ObservedAt    time.Time
}

type PerformanceTrendPoint struct {
	ID               int64
	TeacherID        string
	ElementID        string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	PeriodType       string
	AverageScore     float64
	ScoreChange      float64
	TrendDirection   string
	ObservationCount int
	MinScore         float64
	MaxScore         float64
	StdDeviation     float64
	PercentileRank   float64
	RiskLevel        string
	RiskFactors      []RiskFactor
}

// RiskFactor is one contribution to a trend point's risk score. Kept as
// a closed struct rather than a free-form string list so new factor
// kinds are a compile-time change.
type RiskFactor struct {
	Code   string  `json:"code"`
	Weight float64 `json:"weight"`
}

// reviewerWeights maps reviewer roles to expertise multipliers.
// Weights must stay within (0, 2].
var reviewerWeights = map[string]float64{
	"admin":               1.5,
	"principal":           1.3,
	"instructional_coach": 1.2,
	"department_head":     1.1,
	"teacher":             1.0,
}

func ExpertiseWeightForRole(role string) (float64, error) {
	w, ok := reviewerWeights[role]
	if !ok {
		return 0, &ValidationError{Field: "reviewer_role", Msg: fmt.Sprintf("unknown reviewer role %q", role)}
	}
	return w, nil
}

// InferCorrectionType derives the correction type from the sign of delta.
func InferCorrectionType(delta float64) string {
	switch {
	case delta > 0:
		return CorrectionScoreTooLow
	case delta < 0:
		return CorrectionScoreTooHigh
	default:
		return CorrectionEvidenceOnly
	}
}

// TrendDirectionFor buckets a period-over-period score change. The ±3
// thresholds match the product's dashboard arrows.
func TrendDirectionFor(scoreChange float64) string {
	switch {
	case scoreChange > 3:
		return "up"
	case scoreChange < -3:
		return "down"
	default:
		return "stable"
	}
}

// RiskLevelFor buckets a [0,1] risk score. Boundaries are inclusive:
// exactly 0.6 is critical, exactly 0.4 is high, exactly 0.2 is medium.
func RiskLevelFor(score float64) string {
	switch {
	case score >= 0.6:
		return RiskCritical
	case score >= 0.4:
		return RiskHigh
	case score >= 0.2:
		return RiskMedium
	default:
		return RiskLow
	}
}

// PerformanceBandFor maps a 0-100 score to the product's UI bands.
func PerformanceBandFor(score float64) string {
	switch {
	case score >= 80:
		return "excellent"
	case score >= 50:
		return "needs_improvement"
	default:
		return "critical"
	}
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// Period types for trend aggregation.
const (
	PeriodWeekly    = "weekly"
	PeriodMonthly   = "monthly"
	PeriodQuarterly = "quarterly"
)

// PeriodRange returns the [start, end) window of the period containing now.
// Weekly periods run Monday 00:00 to next Monday.
func PeriodRange(periodType string, now time.Time) (time.Time, time.Time, error) {
	switch periodType {
	case PeriodWeekly:
		weekday := now.Weekday()
		if weekday == time.Sunday {
			weekday = 7
		}
		daysFromMonday := int(weekday) - int(time.Monday)
		monday := time.Date(now.Year(), now.Month(), now.Day()-daysFromMonday, 0, 0, 0, 0, now.Location())
		return monday, monday.AddDate(0, 0, 7), nil
	case PeriodMonthly:
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return first, first.AddDate(0, 1, 0), nil
	case PeriodQuarterly:
		qMonth := time.Month(((int(now.Month())-1)/3)*3 + 1)
		first := time.Date(now.Year(), qMonth, 1, 0, 0, 0, 0, now.Location())
		return first, first.AddDate(0, 3, 0), nil
	default:
		return time.Time{}, time.Time{}, &ValidationError{Field: "period_type", Msg: fmt.Sprintf("unknown period type %q", periodType)}
	}
}

// PriorPeriodRange returns the period window immediately before the one
// containing now.
func PriorPeriodRange(periodType string, now time.Time) (time.Time, time.Time, error) {
	start, _, err := PeriodRange(periodType, now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return PeriodRange(periodType, start.Add(-time.Hour))
}
