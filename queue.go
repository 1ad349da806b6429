package main

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"
)

const defaultQueuePriority = 50

// Enqueue adds a correction to the training queue. Idempotent: if an
// entry already references the correction it is returned unchanged.
// Priority is the quality score scaled to 0-100, defaulting to 50 for
// unrated corrections.
func Enqueue(db *sql.DB, correctionID int64, qualityScore float64) (TrainingQueueEntry, error) {
	priority := defaultQueuePriority
	if qualityScore > 0 {
		priority = int(qualityScore*100 + 0.5)
	}
	if priority > 100 {
		priority = 100
	}

	_, err := db.Exec(
		`INSERT INTO training_queue (correction_id, status, priority)
		 VALUES (?, 'pending', ?)
		 ON CONFLICT(correction_id) DO NOTHING`,
		correctionID, priority,
	)
	if err != nil {
		return TrainingQueueEntry{}, &TransientError{Op: "queue insert", Err: err}
	}
	return GetQueueEntryByCorrectionID(db, correctionID)
}

func GetQueueEntryByCorrectionID(db *sql.DB, correctionID int64) (TrainingQueueEntry, error) {
	var e TrainingQueueEntry
	var batchID sql.NullString
	var processedAt sql.NullTime
	err := db.QueryRow(
		`SELECT id, correction_id, status, priority, batch_id, retry_count, queued_at, processed_at
		 FROM training_queue WHERE correction_id = ?`,
		correctionID,
	).Scan(&e.ID, &e.CorrectionID, &e.Status, &e.Priority, &batchID, &e.RetryCount, &e.QueuedAt, &processedAt)
	if err == sql.ErrNoRows {
		return e, &NotFoundError{Entity: "queue entry", ID: fmt.Sprintf("correction %d", correctionID)}
	}
	e.BatchID = batchID.String
	e.ProcessedAt = processedAt.Time
	return e, err
}

// DequeueBatch claims up to limit pending entries, highest priority
// first, oldest first within a priority. The select and the
// conditional update run in one transaction, and the update re-checks
// status = 'pending' per row, so two workers racing for the same
// entries can never both claim one.
func DequeueBatch(db *sql.DB, limit int) (string, []TrainingQueueEntry, error) {
	batchID := newBatchID()

	tx, err := db.Begin()
	if err != nil {
		return "", nil, &TransientError{Op: "dequeue begin", Err: err}
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id FROM training_queue
		 WHERE status = 'pending'
		 ORDER BY priority DESC, queued_at ASC, id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return "", nil, &TransientError{Op: "dequeue select", Err: err}
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return "", nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", nil, err
	}
	if len(ids) == 0 {
		return batchID, nil, tx.Commit()
	}

	res, err := tx.Exec(
		`UPDATE training_queue SET status = 'processing', batch_id = ?, claimed_at = CURRENT_TIMESTAMP
		 WHERE id IN (`+placeholders(len(ids))+`) AND status = 'pending'`,
		append([]any{batchID}, idArgs(ids)...)...,
	)
	if err != nil {
		return "", nil, &TransientError{Op: "dequeue claim", Err: err}
	}
	claimed, _ := res.RowsAffected()
	if claimed != int64(len(ids)) {
		// Another claimant won some rows between select and update.
		// The conditional update kept ours exclusive; just return the
		// rows that carry our batch id.
		log.Printf("queue claim raced want=%d got=%d batch=%s", len(ids), claimed, batchID)
	}

	if err := tx.Commit(); err != nil {
		return "", nil, &TransientError{Op: "dequeue commit", Err: err}
	}

	entries, err := GetEntriesByBatchID(db, batchID)
	return batchID, entries, err
}

func GetEntriesByBatchID(db *sql.DB, batchID string) ([]TrainingQueueEntry, error) {
	rows, err := db.Query(
		`SELECT id, correction_id, status, priority, batch_id, retry_count, queued_at, processed_at
		 FROM training_queue WHERE batch_id = ?
		 ORDER BY priority DESC, queued_at ASC, id ASC`,
		batchID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrainingQueueEntry
	for rows.Next() {
		var e TrainingQueueEntry
		var bid sql.NullString
		var processedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.CorrectionID, &e.Status, &e.Priority, &bid, &e.RetryCount, &e.QueuedAt, &processedAt); err != nil {
			return nil, err
		}
		e.BatchID = bid.String
		e.ProcessedAt = processedAt.Time
		out = append(out, e)
	}
	return out, rows.Err()
}

// CompleteEntries marks processing entries of a batch completed.
func CompleteEntries(db *sql.DB, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.Exec(
		`UPDATE training_queue SET status = 'completed', processed_at = CURRENT_TIMESTAMP
		 WHERE id IN (`+placeholders(len(ids))+`) AND status = 'processing'`,
		idArgs(ids)...,
	)
	if err != nil {
		return &TransientError{Op: "queue complete", Err: err}
	}
	return nil
}

// ResetStuckEntries sweeps entries stuck in processing past the
// staleness window: under the retry ceiling they go back to pending
// with retry_count+1; at the ceiling they become failed, which is
// terminal. Returns (reset, failed) counts.
func ResetStuckEntries(db *sql.DB, staleAfter time.Duration, maxRetries int) (int, int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)

	tx, err := db.Begin()
	if err != nil {
		return 0, 0, &TransientError{Op: "stuck sweep begin", Err: err}
	}
	defer tx.Rollback()

	resetRes, err := tx.Exec(
		`UPDATE training_queue
		 SET status = 'pending', batch_id = '', claimed_at = NULL, retry_count = retry_count + 1
		 WHERE status = 'processing'
		   AND COALESCE(claimed_at, queued_at) < ?
		   AND retry_count < ?`,
		cutoff, maxRetries,
	)
	if err != nil {
		return 0, 0, &TransientError{Op: "stuck reset", Err: err}
	}
	failRes, err := tx.Exec(
		`UPDATE training_queue
		 SET status = 'failed', processed_at = CURRENT_TIMESTAMP
		 WHERE status = 'processing'
		   AND COALESCE(claimed_at, queued_at) < ?
		   AND retry_count >= ?`,
		cutoff, maxRetries,
	)
	if err != nil {
		return 0, 0, &TransientError{Op: "stuck fail", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, &TransientError{Op: "stuck sweep commit", Err: err}
	}

	reset64, _ := resetRes.RowsAffected()
	failed64, _ := failRes.RowsAffected()
	return int(reset64), int(failed64), nil
}

type QueueStats struct {
	Pending           int
	Processing        int
	Completed         int
	Failed            int
	Stale             int
	CompletedLastHour int
}

func GetQueueStats(db *sql.DB, staleAfter time.Duration) (QueueStats, error) {
	var s QueueStats
	staleCutoff := time.Now().UTC().Add(-staleAfter)
	hourAgo := time.Now().UTC().Add(-time.Hour)
	err := db.QueryRow(
		`SELECT
		   COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'processing' AND COALESCE(claimed_at, queued_at) < ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'completed' AND processed_at >= ? THEN 1 ELSE 0 END), 0)
		 FROM training_queue`,
		staleCutoff, hourAgo,
	).Scan(&s.Pending, &s.Processing, &s.Completed, &s.Failed, &s.Stale, &s.CompletedLastHour)
	return s, err
}

func newBatchID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("batch-%d", time.Now().UnixNano())
	}
	return "batch-" + hex.EncodeToString(buf)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
