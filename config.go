package main

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DBPath   string `yaml:"db_path"`
	Timezone string `yaml:"timezone"`

	// Worker poll intervals.
	BatchWorkerIntervalSeconds  int    `yaml:"batch_worker_interval_seconds"`
	VersionCheckIntervalSeconds int    `yaml:"version_check_interval_seconds"`
	MonitorIntervalSeconds      int    `yaml:"monitor_interval_seconds"`
	ArchiveSweepSchedule        string `yaml:"archive_sweep_schedule"`

	// Batch worker.
	BatchSize          int     `yaml:"batch_size"`
	MinExpertiseWeight float64 `yaml:"min_expertise_weight"`
	MaxBatchRetries    int     `yaml:"max_batch_retries"`
	StaleEntryMinutes  int     `yaml:"stale_entry_minutes"`

	// Model version lifecycle.
	MinCorrectionsForNewVersion int     `yaml:"min_corrections_for_new_version"`
	MinAccuracyGainThreshold    float64 `yaml:"min_accuracy_gain_threshold"`
	MaxActiveVersions           int     `yaml:"max_active_versions"`
	VersionArchiveAfterDays     int     `yaml:"version_archive_after_days"`
	AccuracyDeltaTolerance      float64 `yaml:"accuracy_delta_tolerance"`

	// Confidence adjustment.
	ConfidenceDecayFactor float64 `yaml:"confidence_decay_factor"`
	ConfidenceWindowDays  int     `yaml:"confidence_window_days"`
	PatternMinSamples     int     `yaml:"pattern_min_samples"`

	// Alert thresholds.
	QueueDepthWarning  int     `yaml:"queue_depth_warning"`
	QueueDepthCritical int     `yaml:"queue_depth_critical"`
	MinProcessingRate  float64 `yaml:"min_processing_rate"` // entries per minute
	MaxFailureRate     float64 `yaml:"max_failure_rate"`

	// Alert delivery (optional; persistence works without Slack).
	SlackBotToken  string `yaml:"slack_bot_token"`
	AlertChannelID string `yaml:"alert_channel_id"`

	Location *time.Location `yaml:"-"`
}

func (c Config) BatchWorkerInterval() time.Duration {
	return time.Duration(c.BatchWorkerIntervalSeconds) * time.Second
}

func (c Config) VersionCheckInterval() time.Duration {
	return time.Duration(c.VersionCheckIntervalSeconds) * time.Second
}

func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

func (c Config) StaleEntryWindow() time.Duration {
	return time.Duration(c.StaleEntryMinutes) * time.Minute
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.AlertChannelID != ""
}

func LoadConfig() Config {
	var cfg Config

	// Load from config.yaml if it exists
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.Timezone, "TIMEZONE")
	envOverrideInt(&cfg.BatchWorkerIntervalSeconds, "BATCH_WORKER_INTERVAL_SECONDS")
	envOverrideInt(&cfg.VersionCheckIntervalSeconds, "VERSION_CHECK_INTERVAL_SECONDS")
	envOverrideInt(&cfg.MonitorIntervalSeconds, "MONITOR_INTERVAL_SECONDS")
	envOverride(&cfg.ArchiveSweepSchedule, "ARCHIVE_SWEEP_SCHEDULE")
	envOverrideInt(&cfg.BatchSize, "BATCH_SIZE")
	envOverrideFloat(&cfg.MinExpertiseWeight, "MIN_EXPERTISE_WEIGHT")
	envOverrideInt(&cfg.MaxBatchRetries, "MAX_BATCH_RETRIES")
	envOverrideInt(&cfg.StaleEntryMinutes, "STALE_ENTRY_MINUTES")
	envOverrideInt(&cfg.MinCorrectionsForNewVersion, "MIN_CORRECTIONS_FOR_NEW_VERSION")
	envOverrideFloat(&cfg.MinAccuracyGainThreshold, "MIN_ACCURACY_GAIN_THRESHOLD")
	envOverrideInt(&cfg.MaxActiveVersions, "MAX_ACTIVE_VERSIONS")
	envOverrideInt(&cfg.VersionArchiveAfterDays, "VERSION_ARCHIVE_AFTER_DAYS")
	envOverrideFloat(&cfg.AccuracyDeltaTolerance, "ACCURACY_DELTA_TOLERANCE")
	envOverrideFloat(&cfg.ConfidenceDecayFactor, "CONFIDENCE_DECAY_FACTOR")
	envOverrideInt(&cfg.ConfidenceWindowDays, "CONFIDENCE_WINDOW_DAYS")
	envOverrideInt(&cfg.PatternMinSamples, "PATTERN_MIN_SAMPLES")
	envOverrideInt(&cfg.QueueDepthWarning, "QUEUE_DEPTH_WARNING")
	envOverrideInt(&cfg.QueueDepthCritical, "QUEUE_DEPTH_CRITICAL")
	envOverrideFloat(&cfg.MinProcessingRate, "MIN_PROCESSING_RATE")
	envOverrideFloat(&cfg.MaxFailureRate, "MAX_FAILURE_RATE")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.AlertChannelID, "ALERT_CHANNEL_ID")

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "./cognivio.db"
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.BatchWorkerIntervalSeconds == 0 {
		c.BatchWorkerIntervalSeconds = 30
	}
	if c.VersionCheckIntervalSeconds == 0 {
		c.VersionCheckIntervalSeconds = 300
	}
	if c.MonitorIntervalSeconds == 0 {
		c.MonitorIntervalSeconds = 60
	}
	if c.ArchiveSweepSchedule == "" {
		c.ArchiveSweepSchedule = "0 3 * * *"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 20
	}
	if c.MinExpertiseWeight == 0 {
		c.MinExpertiseWeight = 1.0
	}
	if c.MaxBatchRetries == 0 {
		c.MaxBatchRetries = 3
	}
	if c.StaleEntryMinutes == 0 {
		c.StaleEntryMinutes = 10
	}
	if c.MinCorrectionsForNewVersion == 0 {
		c.MinCorrectionsForNewVersion = 50
	}
	if c.MinAccuracyGainThreshold == 0 {
		c.MinAccuracyGainThreshold = 0.05
	}
	if c.MaxActiveVersions == 0 {
		c.MaxActiveVersions = 5
	}
	if c.VersionArchiveAfterDays == 0 {
		c.VersionArchiveAfterDays = 90
	}
	if c.AccuracyDeltaTolerance == 0 {
		c.AccuracyDeltaTolerance = 10
	}
	if c.ConfidenceDecayFactor == 0 {
		c.ConfidenceDecayFactor = 1.0
	}
	if c.ConfidenceWindowDays == 0 {
		c.ConfidenceWindowDays = 30
	}
	if c.PatternMinSamples == 0 {
		c.PatternMinSamples = 5
	}
	if c.QueueDepthWarning == 0 {
		c.QueueDepthWarning = 100
	}
	if c.QueueDepthCritical == 0 {
		c.QueueDepthCritical = 500
	}
	if c.MinProcessingRate == 0 {
		c.MinProcessingRate = 1.0
	}
	if c.MaxFailureRate == 0 {
		c.MaxFailureRate = 0.25
	}
}

func (c *Config) validate() {
	if strings.EqualFold(c.Timezone, "Local") {
		c.Location = time.Local
		c.Timezone = time.Local.String()
	} else {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			log.Fatalf("invalid timezone '%s': %v", c.Timezone, err)
		}
		c.Location = loc
	}

	if c.BatchSize < 1 {
		log.Fatalf("invalid batch_size '%d': must be >= 1", c.BatchSize)
	}
	if c.MinExpertiseWeight <= 0 || c.MinExpertiseWeight > 2 {
		log.Fatalf("invalid min_expertise_weight '%f': must be in (0, 2]", c.MinExpertiseWeight)
	}
	if c.MaxBatchRetries < 1 {
		log.Fatalf("invalid max_batch_retries '%d': must be >= 1", c.MaxBatchRetries)
	}
	if c.StaleEntryMinutes < 1 {
		log.Fatalf("invalid stale_entry_minutes '%d': must be >= 1", c.StaleEntryMinutes)
	}
	if c.MinCorrectionsForNewVersion < 1 {
		log.Fatalf("invalid min_corrections_for_new_version '%d': must be >= 1", c.MinCorrectionsForNewVersion)
	}
	if c.MinAccuracyGainThreshold < 0 || c.MinAccuracyGainThreshold > 1 {
		log.Fatalf("invalid min_accuracy_gain_threshold '%f': must be between 0 and 1", c.MinAccuracyGainThreshold)
	}
	if c.AccuracyDeltaTolerance <= 0 {
		log.Fatalf("invalid accuracy_delta_tolerance '%f': must be > 0", c.AccuracyDeltaTolerance)
	}
	if c.ConfidenceDecayFactor <= 0 || c.ConfidenceDecayFactor > 1 {
		log.Fatalf("invalid confidence_decay_factor '%f': must be in (0, 1]", c.ConfidenceDecayFactor)
	}
	if c.MaxFailureRate < 0 || c.MaxFailureRate > 1 {
		log.Fatalf("invalid max_failure_rate '%f': must be between 0 and 1", c.MaxFailureRate)
	}
	if c.QueueDepthCritical < c.QueueDepthWarning {
		log.Fatalf("invalid queue depth thresholds: critical (%d) below warning (%d)", c.QueueDepthCritical, c.QueueDepthWarning)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(c.ArchiveSweepSchedule); err != nil {
		log.Fatalf("invalid archive_sweep_schedule '%s': %v", c.ArchiveSweepSchedule, err)
	}
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideFloat(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
