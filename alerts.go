package main

import (
	"database/sql"
	"fmt"
	"log"
	"sort"

	"github.com/slack-go/slack"
)

const (
	AlertQueueDepth     = "queue_depth"
	AlertFailureRate    = "failure_rate"
	AlertProcessingRate = "processing_rate"
	AlertStaleEntries   = "stale_entries"

	AlertLevelWarning  = "warning"
	AlertLevelCritical = "critical"
)

type Alert struct {
	Type    string
	Level   string
	Message string
}

func (a Alert) key() string { return a.Type + "/" + a.Level }

// desiredAlerts derives the full alert set from one queue snapshot.
// The monitor reconciles the persisted table against this set each
// poll, so restarts and multiple instances converge on the same state.
func desiredAlerts(stats QueueStats, cfg Config) []Alert {
	var out []Alert

	switch {
	case stats.Pending >= cfg.QueueDepthCritical:
		out = append(out, Alert{AlertQueueDepth, AlertLevelCritical,
			fmt.Sprintf("training queue depth %d at or above critical threshold %d", stats.Pending, cfg.QueueDepthCritical)})
	case stats.Pending >= cfg.QueueDepthWarning:
		out = append(out, Alert{AlertQueueDepth, AlertLevelWarning,
			fmt.Sprintf("training queue depth %d at or above warning threshold %d", stats.Pending, cfg.QueueDepthWarning)})
	}

	finished := stats.Completed + stats.Failed
	if finished > 0 {
		rate := float64(stats.Failed) / float64(finished)
		if rate > cfg.MaxFailureRate {
			out = append(out, Alert{AlertFailureRate, AlertLevelCritical,
				fmt.Sprintf("batch failure rate %.1f%% above %.1f%% (%d of %d)",
					rate*100, cfg.MaxFailureRate*100, stats.Failed, finished)})
		}
	}

	// MinProcessingRate is entries per minute; the snapshot counts the
	// last hour.
	ratePerMin := float64(stats.CompletedLastHour) / 60
	if stats.Pending > 0 && ratePerMin < cfg.MinProcessingRate {
		out = append(out, Alert{AlertProcessingRate, AlertLevelWarning,
			fmt.Sprintf("processing %.2f entries/min over the last hour with %d pending, expected at least %.2f/min",
				ratePerMin, stats.Pending, cfg.MinProcessingRate)})
	}

	if stats.Stale > 0 {
		out = append(out, Alert{AlertStaleEntries, AlertLevelWarning,
			fmt.Sprintf("%d entries stuck in processing past the staleness window", stats.Stale)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

func getActiveAlerts(db *sql.DB) (map[string]Alert, error) {
	rows, err := db.Query(`SELECT alert_type, level, message FROM active_alerts`)
	if err != nil {
		return nil, &TransientError{Op: "active alerts fetch", Err: err}
	}
	defer rows.Close()

	out := map[string]Alert{}
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.Type, &a.Level, &a.Message); err != nil {
			return nil, err
		}
		out[a.key()] = a
	}
	return out, rows.Err()
}

// RunAlertMonitor is one poll of the queue/alert monitor: snapshot the
// queue, compute the desired alert set, raise what is new, clear what
// no longer holds. Transitions are logged and, when Slack is
// configured, posted to the alert channel.
func RunAlertMonitor(db *sql.DB, cfg Config, api *slack.Client) error {
	stats, err := GetQueueStats(db, cfg.StaleEntryWindow())
	if err != nil {
		return err
	}

	desired := desiredAlerts(stats, cfg)
	existing, err := getActiveAlerts(db)
	if err != nil {
		return err
	}

	desiredKeys := map[string]bool{}
	for _, a := range desired {
		desiredKeys[a.key()] = true
		if _, already := existing[a.key()]; already {
			continue
		}
		if _, err := db.Exec(
			`INSERT INTO active_alerts (alert_type, level, message) VALUES (?, ?, ?)
			 ON CONFLICT(alert_type, level) DO UPDATE SET message = excluded.message`,
			a.Type, a.Level, a.Message,
		); err != nil {
			return &TransientError{Op: "alert raise", Err: err}
		}
		log.Printf("alert raised type=%s level=%s: %s", a.Type, a.Level, a.Message)
		notifyAlert(api, cfg, a, true)
	}

	cleared := make([]Alert, 0)
	for key, a := range existing {
		if !desiredKeys[key] {
			cleared = append(cleared, a)
		}
	}
	sort.Slice(cleared, func(i, j int) bool { return cleared[i].key() < cleared[j].key() })
	for _, a := range cleared {
		if _, err := db.Exec(
			`DELETE FROM active_alerts WHERE alert_type = ? AND level = ?`,
			a.Type, a.Level,
		); err != nil {
			return &TransientError{Op: "alert clear", Err: err}
		}
		log.Printf("alert cleared type=%s level=%s", a.Type, a.Level)
		notifyAlert(api, cfg, a, false)
	}

	return nil
}

func notifyAlert(api *slack.Client, cfg Config, a Alert, raised bool) {
	if api == nil || !cfg.SlackConfigured() {
		return
	}
	var text string
	if raised {
		emoji := ":warning:"
		if a.Level == AlertLevelCritical {
			emoji = ":rotating_light:"
		}
		text = fmt.Sprintf("%s *%s* (%s): %s", emoji, a.Type, a.Level, a.Message)
	} else {
		text = fmt.Sprintf(":white_check_mark: *%s* (%s) resolved", a.Type, a.Level)
	}
	_, _, err := api.PostMessage(cfg.AlertChannelID,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		log.Printf("alert notify error type=%s level=%s: %v", a.Type, a.Level, err)
	}
}
