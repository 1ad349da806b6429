package main

import (
	"database/sql"
	"fmt"
	"log"
	"math/rand"
	"time"
)

type demoTeacher struct {
	id         string
	name       string
	subject    string
	gradeLevel string
}

var demoTeachers = []demoTeacher{
	{"t-sarah-johnson", "Sarah Johnson", "Mathematics", "9th Grade"},
	{"t-michael-chen", "Michael Chen", "English Literature", "11th Grade"},
	{"t-emily-rodriguez", "Emily Rodriguez", "Biology", "10th Grade"},
	{"t-david-park", "David Park", "History", "8th Grade"},
	{"t-jennifer-williams", "Jennifer Williams", "Chemistry", "12th Grade"},
	{"t-robert-martinez", "Robert Martinez", "Physical Education", "7th Grade"},
}

// SeedDemoData populates the database with demo teachers, a baseline
// active model version, and randomized accepted observations across
// the last 90 days. Safe to run repeatedly against the same database.
func SeedDemoData(db *sql.DB, cfg Config) error {
	for _, t := range demoTeachers {
		if err := InsertTeacher(db, t.id, t.name, t.subject, t.gradeLevel); err != nil {
			return fmt.Errorf("seeding teacher %s: %w", t.id, err)
		}
	}

	// A baseline active version so corrections and observations have a
	// model to attribute to.
	if _, err := GetActiveVersion(db); err != nil {
		if _, ok := err.(*NotFoundError); !ok {
			return err
		}
		if _, execErr := db.Exec(
			`INSERT OR IGNORE INTO model_versions (version, status, config, activated_at)
			 VALUES ('1.0.0', 'active', '{"elementAdjustments":{},"globalBias":0}', CURRENT_TIMESTAMP)`,
		); execErr != nil {
			return fmt.Errorf("seeding baseline version: %w", execErr)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	now := time.Now().In(cfg.Location)
	// Observation ids carry a per-run nonce so repeated seeding adds a
	// fresh batch instead of colliding with earlier rows.
	runNonce := rng.Int63()
	inserted := 0
	for _, t := range demoTeachers {
		// 3 to 5 observation sessions per teacher over the last 90 days.
		sessions := 3 + rng.Intn(3)
		for s := 0; s < sessions; s++ {
			observedAt := now.AddDate(0, 0, -(1 + rng.Intn(90)))
			for _, domain := range danielsonDomains {
				for _, elem := range domain.elements {
					elementID := elem[0]
					score := 40 + rng.Float64()*55
					obs := ObservationScore{
						ID:            fmt.Sprintf("seed-%x-%s-%d-%s", runNonce, t.id, s, elementID),
						TeacherID:     t.id,
						ElementID:     elementID,
						FrameworkType: FrameworkDanielson,
						Score:         score,
						AIConfidence:  0.75 + rng.Float64()*0.20,
						ModelVersion:  "1.0.0",
						Status:        "accepted",
						ObservedAt:    observedAt,
					}
					if err := InsertObservationScore(db, obs); err != nil {
						return fmt.Errorf("seeding observation %s: %w", obs.ID, err)
					}
					inserted++
				}
			}
		}
	}

	if err := RunTrendSweep(db, cfg, PeriodMonthly, now); err != nil {
		return err
	}

	log.Printf("seed complete teachers=%d observations=%d", len(demoTeachers), inserted)
	return nil
}
