package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hearthly/calsync/internal/activity"
	"github.com/hearthly/calsync/internal/calsync"
	"github.com/hearthly/calsync/internal/config"
	"github.com/hearthly/calsync/internal/connection"
	"github.com/hearthly/calsync/internal/db"
	"github.com/hearthly/calsync/internal/feed"
	"github.com/hearthly/calsync/internal/logging"
	"github.com/hearthly/calsync/internal/metrics"
	"github.com/hearthly/calsync/internal/notify"
	"github.com/hearthly/calsync/internal/provider"
)

// app holds the components shared by the serve and sync commands.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	db       *db.DB
	metrics  *metrics.Metrics
	registry *provider.Registry
	tracker  *activity.Tracker
	notifier *notify.Notifier
	engine   *calsync.Engine
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, logging.New(cfg.Log.Level, cfg.IsProduction()), nil
}

func newApp(cfg *config.Config, logger *logrus.Logger) (*app, error) {
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	m := metrics.New()
	fetcher := newFetcher(cfg, logger, m)
	registry := provider.Default(fetcher)
	tracker := activity.NewTracker()

	notifyCfg := &notify.Config{
		WebhookEnabled: cfg.Alerts.WebhookURL != "",
		WebhookURL:     cfg.Alerts.WebhookURL,
		EmailEnabled:   cfg.Alerts.EmailEnabled,
		SMTPHost:       cfg.Alerts.SMTPHost,
		SMTPPort:       cfg.Alerts.SMTPPort,
		SMTPUsername:   cfg.Alerts.SMTPUsername,
		SMTPPassword:   cfg.Alerts.SMTPPassword,
		SMTPFrom:       cfg.Alerts.SMTPFrom,
		SMTPTo:         cfg.Alerts.SMTPTo,
		SMTPTLS:        cfg.Alerts.SMTPTLS,
		CooldownPeriod: time.Duration(cfg.Alerts.CooldownMinutes) * time.Minute,
	}
	if notifyCfg.WebhookEnabled || notifyCfg.EmailEnabled {
		if err := notify.ValidateConfig(notifyCfg); err != nil {
			database.Close()
			return nil, fmt.Errorf("invalid alert configuration: %w", err)
		}
	}
	notifier := notify.New(notifyCfg, logger)
	if notifier.IsEnabled() {
		logger.WithFields(logrus.Fields{
			"webhook":  notifyCfg.WebhookEnabled,
			"email":    notifyCfg.EmailEnabled,
			"cooldown": notifyCfg.CooldownPeriod.String(),
		}).Info("Alert notifications enabled")
	}

	engine := calsync.New(database, registry, policyFromConfig(cfg),
		calsync.WithLogger(logger),
		calsync.WithMetrics(m),
		calsync.WithTracker(tracker),
		calsync.WithNotifier(notifier),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       database,
		metrics:  m,
		registry: registry,
		tracker:  tracker,
		notifier: notifier,
		engine:   engine,
	}, nil
}

// close waits for queued alerts, then closes the database.
func (a *app) close() {
	a.notifier.Wait()
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing database")
	}
}

func newFetcher(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) *feed.Fetcher {
	return feed.NewFetcher(
		feed.WithUserAgent(cfg.Fetch.UserAgent),
		feed.WithTimeout(cfg.Fetch.Timeout),
		feed.WithMaxBytes(cfg.Fetch.MaxBytes),
		feed.WithAllowPrivateIPs(cfg.Fetch.AllowPrivateIPs),
		feed.WithLogger(logger),
		feed.WithMetrics(m),
	)
}

func policyFromConfig(cfg *config.Config) connection.Policy {
	p := connection.DefaultPolicy()
	p.RetryBase = cfg.Sync.RetryBase
	p.MaxBackoff = cfg.Sync.MaxBackoff
	p.FailureThreshold = cfg.Sync.FailureThreshold
	p.LeaseTimeout = cfg.Sync.LeaseTimeout
	return p
}
