package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/slack-go/slack"
)

func main() {
	seed := flag.Bool("seed", false, "insert demo teachers and observation history, then exit")
	flag.Parse()

	cfg := LoadConfig()

	db, err := InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	defer db.Close()

	if *seed {
		if err := SeedDemoData(db, cfg); err != nil {
			log.Fatalf("Seed error: %v", err)
		}
		return
	}

	var api *slack.Client
	if cfg.SlackConfigured() {
		api = slack.New(cfg.SlackBotToken)
	} else {
		log.Println("Slack not configured, alerts will only be logged")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	StartBatchWorker(ctx, cfg, db)
	StartVersionChecker(ctx, cfg, db)
	StartAlertMonitor(ctx, cfg, db, api)
	StartArchiveSweeper(ctx, cfg, db)

	log.Println("Starting Cognivio learning service...")
	<-ctx.Done()
	log.Println("Shutdown signal received, waiting for in-flight work")
}
