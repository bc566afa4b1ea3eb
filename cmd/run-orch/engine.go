package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/run-orchestrator/internal/billing"
	"github.com/hochfrequenz/run-orchestrator/internal/config"
	"github.com/hochfrequenz/run-orchestrator/internal/detector"
	"github.com/hochfrequenz/run-orchestrator/internal/notify"
	"github.com/hochfrequenz/run-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
	"github.com/hochfrequenz/run-orchestrator/internal/workerpool"
)

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// instance bundles an engine with the store it owns
type instance struct {
	cfg    *config.Config
	store  *runstore.Store
	engine *orchestrator.Engine
}

func (i *instance) Close() error {
	return i.store.Close()
}

// openInstance opens the database and wires an engine from the config
func openInstance() (*instance, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.General.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var gateway billing.Gateway
	if cfg.Billing.Endpoint != "" {
		gateway = billing.NewHTTPGateway(cfg.Billing.Endpoint)
	} else {
		gateway = billing.NewMemory(cfg.Billing.DefaultBalance)
	}

	engine, err := orchestrator.New(orchestrator.Options{
		InstanceID:       cfg.InstanceID(),
		Store:            store,
		Billing:          gateway,
		Notifier:         notify.FromConfig(cfg.InstanceID(), cfg.Notifications.SlackWebhook, cfg.Notifications.Desktop),
		LeaseTTL:         d.LeaseTTL,
		RenewInterval:    d.RenewInterval,
		MaxAttempts:      cfg.Scheduler.DefaultMaxAttempts,
		DispatchInterval: d.DispatchInterval,
		Detector: detector.Config{
			StallThreshold:   d.StallThreshold,
			HeartbeatTimeout: d.HeartbeatTimeout,
			Schedule:         cfg.Detector.Schedule,
		},
		Workers: workerpool.CoordinatorConfig{
			WebSocketPort:     cfg.Workers.WebSocketPort,
			HeartbeatInterval: d.HeartbeatInterval,
			HeartbeatTimeout:  d.HeartbeatTimeout,
		},
		Debug: cfg.General.Debug,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &instance{cfg: cfg, store: store, engine: engine}, nil
}
