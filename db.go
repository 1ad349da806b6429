package main

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS teachers (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		subject     TEXT DEFAULT '',
		grade_level TEXT DEFAULT '',
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS framework_elements (
		id             TEXT PRIMARY KEY,
		framework_type TEXT NOT NULL,
		domain_id      TEXT NOT NULL,
		domain_name    TEXT NOT NULL,
		name           TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS observation_scores (
		id             TEXT PRIMARY KEY,
		teacher_id     TEXT NOT NULL,
		element_id     TEXT NOT NULL,
		framework_type TEXT NOT NULL,
		score          REAL NOT NULL,
		ai_confidence  REAL DEFAULT 0,
		model_version  TEXT DEFAULT '',
		status         TEXT DEFAULT 'accepted',
		observed_at    DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_obs_teacher_element ON observation_scores(teacher_id, element_id, observed_at);
	CREATE INDEX IF NOT EXISTS idx_obs_element_period ON observation_scores(element_id, observed_at);
	CREATE INDEX IF NOT EXISTS idx_obs_model_version ON observation_scores(model_version);

	CREATE TABLE IF NOT EXISTS corrections (
		id                     INTEGER PRIMARY KEY AUTOINCREMENT,
		teacher_id             TEXT NOT NULL,
		element_id             TEXT NOT NULL,
		observation_id         TEXT DEFAULT '',
		original_score         REAL NOT NULL,
		corrected_score        REAL NOT NULL,
		delta                  REAL NOT NULL,
		ai_confidence          REAL DEFAULT 0,
		correction_type        TEXT NOT NULL,
		framework_type         TEXT NOT NULL,
		domain_name            TEXT DEFAULT '',
		reviewer_id            TEXT NOT NULL,
		reviewer_role          TEXT NOT NULL,
		expertise_weight       REAL NOT NULL,
		cumulative_corrections INTEGER NOT NULL,
		average_delta          REAL NOT NULL,
		model_version          TEXT DEFAULT '',
		applied_to_model       INTEGER DEFAULT 0,
		created_at             DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_corr_element ON corrections(element_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_corr_teacher_element ON corrections(teacher_id, element_id);
	CREATE INDEX IF NOT EXISTS idx_corr_unapplied ON corrections(applied_to_model) WHERE applied_to_model = 0;
	CREATE INDEX IF NOT EXISTS idx_corr_model_version ON corrections(model_version);

	CREATE TABLE IF NOT EXISTS training_queue (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		correction_id INTEGER NOT NULL UNIQUE,
		status        TEXT NOT NULL DEFAULT 'pending',
		priority      INTEGER NOT NULL DEFAULT 50,
		batch_id      TEXT DEFAULT '',
		retry_count   INTEGER NOT NULL DEFAULT 0,
		queued_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
		claimed_at    DATETIME,
		processed_at  DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_queue_pending ON training_queue(priority DESC, queued_at) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_queue_status ON training_queue(status);

	CREATE TABLE IF NOT EXISTS model_versions (
		version       TEXT PRIMARY KEY,
		status        TEXT NOT NULL DEFAULT 'testing',
		config        TEXT NOT NULL DEFAULT '{}',
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
		activated_at  DATETIME,
		deprecated_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_versions_status ON model_versions(status);

	CREATE TABLE IF NOT EXISTS performance_trends (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		teacher_id        TEXT NOT NULL,
		element_id        TEXT NOT NULL,
		period_start      DATETIME NOT NULL,
		period_end        DATETIME NOT NULL,
		period_type       TEXT NOT NULL,
		average_score     REAL NOT NULL,
		score_change      REAL DEFAULT 0,
		trend_direction   TEXT NOT NULL,
		observation_count INTEGER NOT NULL,
		min_score         REAL NOT NULL,
		max_score         REAL NOT NULL,
		std_deviation     REAL NOT NULL,
		percentile_rank   REAL DEFAULT 0,
		risk_level        TEXT NOT NULL,
		risk_factors      TEXT DEFAULT '[]',
		UNIQUE(teacher_id, element_id, period_start, period_end)
	);
	CREATE INDEX IF NOT EXISTS idx_trends_teacher ON performance_trends(teacher_id, element_id, period_start);

	CREATE TABLE IF NOT EXISTS teacher_stats (
		teacher_id       TEXT PRIMARY KEY,
		correction_count INTEGER NOT NULL DEFAULT 0,
		average_delta    REAL NOT NULL DEFAULT 0,
		updated_at       DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS active_alerts (
		alert_type TEXT NOT NULL,
		level      TEXT NOT NULL,
		message    TEXT DEFAULT '',
		raised_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (alert_type, level)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		action     TEXT NOT NULL,
		entity     TEXT NOT NULL,
		entity_id  TEXT NOT NULL,
		actor      TEXT DEFAULT '',
		detail     TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity, entity_id);
	`
	if _, err = db.Exec(schema); err != nil {
		return nil, err
	}

	if err := SeedFrameworkElements(db); err != nil {
		return nil, err
	}

	return db, nil
}

func InsertTeacher(db *sql.DB, id, name, subject, gradeLevel string) error {
	_, err := db.Exec(
		`INSERT INTO teachers (id, name, subject, grade_level) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, subject = excluded.subject, grade_level = excluded.grade_level`,
		id, name, subject, gradeLevel,
	)
	return err
}

func TeacherExists(db *sql.DB, id string) (bool, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM teachers WHERE id = ?", id).Scan(&count)
	return count > 0, err
}

func InsertObservationScore(db *sql.DB, o ObservationScore) error {
	_, err := db.Exec(
		`INSERT INTO observation_scores (id, teacher_id, element_id, framework_type, score, ai_confidence, model_version, status, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.TeacherID, o.ElementID, o.FrameworkType, o.Score,
		o.AIConfidence, o.ModelVersion, o.Status, o.ObservedAt,
	)
	return err
}

// CountPredictionsForVersion counts observation scores produced while a
// given model version was active. This is the evaluation sample size
// used by promotion and abandonment checks.
func CountPredictionsForVersion(db *sql.DB, version string) (int, error) {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM observation_scores WHERE model_version = ?", version,
	).Scan(&count)
	return count, err
}

func InsertAuditEntry(db *sql.DB, action, entity, entityID, actor, detail string) error {
	_, err := db.Exec(
		`INSERT INTO audit_log (action, entity, entity_id, actor, detail) VALUES (?, ?, ?, ?, ?)`,
		action, entity, entityID, actor, detail,
	)
	return err
}

type AuditEntry struct {
	ID        int64
	Action    string
	Entity    string
	EntityID  string
	Actor     string
	Detail    string
	CreatedAt time.Time
}

func GetAuditEntries(db *sql.DB, entity, entityID string) ([]AuditEntry, error) {
	rows, err := db.Query(
		`SELECT id, action, entity, entity_id, actor, detail, created_at
		 FROM audit_log WHERE entity = ? AND entity_id = ? ORDER BY id`,
		entity, entityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.Entity, &e.EntityID, &e.Actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
