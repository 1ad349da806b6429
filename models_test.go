package main

import (
	"testing"
	"time"
)

func TestInferCorrectionType(t *testing.T) {
	cases := []struct {
		delta float64
		want  string
	}{
		{5, CorrectionScoreTooLow},
		{-15, CorrectionScoreTooHigh},
		{0, CorrectionEvidenceOnly},
		{0.001, CorrectionScoreTooLow},
	}
	for _, c := range cases {
		if got := InferCorrectionType(c.delta); got != c.want {
			t.Errorf("InferCorrectionType(%v) = %s, want %s", c.delta, got, c.want)
		}
	}
}

func TestExpertiseWeightForRole(t *testing.T) {
	cases := []struct {
		role string
		want float64
	}{
		{"admin", 1.5},
		{"principal", 1.3},
		{"instructional_coach", 1.2},
		{"department_head", 1.1},
		{"teacher", 1.0},
	}
	for _, c := range cases {
		got, err := ExpertiseWeightForRole(c.role)
		if err != nil {
			t.Fatalf("ExpertiseWeightForRole(%s) error: %v", c.role, err)
		}
		if got != c.want {
			t.Errorf("ExpertiseWeightForRole(%s) = %v, want %v", c.role, got, c.want)
		}
		if got <= 0 || got > 2 {
			t.Errorf("weight for %s = %v outside (0, 2]", c.role, got)
		}
	}

	if _, err := ExpertiseWeightForRole("janitor"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestTrendDirectionThresholds(t *testing.T) {
	cases := []struct {
		change float64
		want   string
	}{
		{4, "up"},
		{3, "stable"},
		{0, "stable"},
		{-3, "stable"},
		{-3.1, "down"},
		{-13, "down"},
	}
	for _, c := range cases {
		if got := TrendDirectionFor(c.change); got != c.want {
			t.Errorf("TrendDirectionFor(%v) = %s, want %s", c.change, got, c.want)
		}
	}
}

func TestRiskLevelBoundariesAreInclusive(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{0.6, RiskCritical},
		{0.599, RiskHigh},
		{0.4, RiskHigh},
		{0.399, RiskMedium},
		{0.2, RiskMedium},
		{0.199, RiskLow},
		{0, RiskLow},
		{1, RiskCritical},
	}
	for _, c := range cases {
		if got := RiskLevelFor(c.score); got != c.want {
			t.Errorf("RiskLevelFor(%v) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestPerformanceBandFor(t *testing.T) {
	if got := PerformanceBandFor(80); got != "excellent" {
		t.Errorf("band(80) = %s", got)
	}
	if got := PerformanceBandFor(50); got != "needs_improvement" {
		t.Errorf("band(50) = %s", got)
	}
	if got := PerformanceBandFor(49.9); got != "critical" {
		t.Errorf("band(49.9) = %s", got)
	}
}

func TestPeriodRangeWeekly(t *testing.T) {
	// Wednesday August 26 2026.
	now := time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC)
	start, end, err := PeriodRange(PeriodWeekly, now)
	if err != nil {
		t.Fatalf("PeriodRange failed: %v", err)
	}
	wantStart := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("weekly start = %v, want %v", start, wantStart)
	}
	if !end.Equal(wantStart.AddDate(0, 0, 7)) {
		t.Errorf("weekly end = %v", end)
	}

	// Sunday belongs to the week that started the previous Monday.
	sunday := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	start, _, err = PeriodRange(PeriodWeekly, sunday)
	if err != nil {
		t.Fatalf("PeriodRange failed: %v", err)
	}
	if !start.Equal(wantStart) {
		t.Errorf("sunday weekly start = %v, want %v", start, wantStart)
	}
}

func TestPeriodRangeMonthlyAndQuarterly(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	start, end, err := PeriodRange(PeriodMonthly, now)
	if err != nil {
		t.Fatalf("PeriodRange failed: %v", err)
	}
	if !start.Equal(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("monthly window = [%v, %v)", start, end)
	}

	start, end, err = PeriodRange(PeriodQuarterly, now)
	if err != nil {
		t.Fatalf("PeriodRange failed: %v", err)
	}
	if !start.Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("quarterly window = [%v, %v)", start, end)
	}

	if _, _, err := PeriodRange("fortnightly", now); err == nil {
		t.Error("expected error for unknown period type")
	}
}

func TestPriorPeriodRangeAbutsCurrent(t *testing.T) {
	now := time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC)
	for _, pt := range []string{PeriodWeekly, PeriodMonthly, PeriodQuarterly} {
		curStart, _, err := PeriodRange(pt, now)
		if err != nil {
			t.Fatalf("PeriodRange(%s) failed: %v", pt, err)
		}
		_, priorEnd, err := PriorPeriodRange(pt, now)
		if err != nil {
			t.Fatalf("PriorPeriodRange(%s) failed: %v", pt, err)
		}
		if !priorEnd.Equal(curStart) {
			t.Errorf("%s: prior end %v != current start %v", pt, priorEnd, curStart)
		}
	}
}

func TestClampFloat(t *testing.T) {
	if got := clampFloat(1.5, 0.1, 1.0); got != 1.0 {
		t.Errorf("clamp high = %v", got)
	}
	if got := clampFloat(-3, 0.1, 1.0); got != 0.1 {
		t.Errorf("clamp low = %v", got)
	}
	if got := clampFloat(0.5, 0.1, 1.0); got != 0.5 {
		t.Errorf("clamp mid = %v", got)
	}
}
