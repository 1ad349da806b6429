package main

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/slack-go/slack"
)

// runEvery runs fn on a fixed interval until ctx is cancelled. The
// cancellation check happens at the top of each iteration, so an
// in-flight fn call finishes before shutdown. Errors are logged and
// the loop keeps going; transient storage failures should not kill a
// worker.
func runEvery(ctx context.Context, name string, interval time.Duration, fn func() error) {
	log.Printf("%s started interval=%s", name, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("%s stopped", name)
			return
		case <-ticker.C:
		}
		if err := fn(); err != nil {
			log.Printf("%s error: %v", name, err)
		}
	}
}

// StartBatchWorker runs the training queue drain loop.
func StartBatchWorker(ctx context.Context, cfg Config, db *sql.DB) {
	go runEvery(ctx, "batch worker", cfg.BatchWorkerInterval(), func() error {
		return RunBatchWorker(db, cfg)
	})
}

// StartVersionChecker runs the periodic model version lifecycle check.
func StartVersionChecker(ctx context.Context, cfg Config, db *sql.DB) {
	go runEvery(ctx, "version checker", cfg.VersionCheckInterval(), func() error {
		return RunVersionCheck(db, cfg)
	})
}

// StartAlertMonitor runs the queue/alert monitor loop.
func StartAlertMonitor(ctx context.Context, cfg Config, db *sql.DB, api *slack.Client) {
	go runEvery(ctx, "alert monitor", cfg.MonitorInterval(), func() error {
		return RunAlertMonitor(db, cfg, api)
	})
}

// StartArchiveSweeper runs the nightly maintenance sweep on a cron
// schedule: archive old deprecated versions, then refresh performance
// trend rows for the current periods. The schedule is a standard
// 5-field cron expression (minute hour day-of-month month
// day-of-week), e.g. "0 3 * * *" for daily at 3am.
func StartArchiveSweeper(ctx context.Context, cfg Config, db *sql.DB) {
	schedule := strings.TrimSpace(cfg.ArchiveSweepSchedule)

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		// validate() already rejected bad schedules at startup.
		log.Printf("Invalid archive_sweep_schedule '%s': %v, archive sweep disabled", schedule, err)
		return
	}
	log.Printf("Archive sweep scheduled (cron: %s)", schedule)

	go func() {
		for {
			now := time.Now().In(cfg.Location)
			next := sched.Next(now)
			wait := next.Sub(now)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				log.Println("archive sweeper stopped")
				return
			case <-timer.C:
			}

			if _, err := ArchiveOldVersions(db, cfg); err != nil {
				log.Printf("archive sweep error: %v", err)
			}
			sweepAt := time.Now().In(cfg.Location)
			for _, period := range []string{PeriodWeekly, PeriodMonthly, PeriodQuarterly} {
				if err := RunTrendSweep(db, cfg, period, sweepAt); err != nil {
					log.Printf("trend sweep error period=%s: %v", period, err)
				}
			}
		}
	}()
}
