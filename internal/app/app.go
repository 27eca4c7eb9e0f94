// Package app wires configuration, storage, clients and services into a
// single application core shared by cmd/herdd and the tests.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bobmcallan/herder/internal/clients/ollama"
	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/interfaces"
	"github.com/bobmcallan/herder/internal/services/balancer"
	"github.com/bobmcallan/herder/internal/services/scheduler"
	storage "github.com/bobmcallan/herder/internal/storage/surrealdb"
)

// App holds all initialized services and clients.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Storage     interfaces.StorageManager
	Registry    interfaces.MetricsRegistry
	Selector    interfaces.BackendSelector
	Broker      *scheduler.Broker
	Dispatcher  *scheduler.Dispatcher
	Scheduler   interfaces.Scheduler
	Clients     map[string]interfaces.OllamaClient // keyed by canonical origin
	ClientList  []interfaces.OllamaClient          // configured order
	StartupTime time.Time
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes storage, backend clients and the scheduler services.
// configPath may be empty, in which case HERD_CONFIG and the binary
// directory are checked before falling back to config/herder.toml.
func NewApp(configPath string) (*App, error) {
	common.LoadVersionFromFile()

	binDir := getBinaryDir()

	if configPath == "" {
		configPath = os.Getenv("HERD_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "herder.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/herder.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := common.NewLogger(config.Logging.Level)

	storageManager, err := storage.NewManager(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	backends := config.EnabledBackends()

	clients := make(map[string]interfaces.OllamaClient, len(backends))
	clientList := make([]interfaces.OllamaClient, 0, len(backends))
	for _, b := range backends {
		opts := []ollama.ClientOption{ollama.WithLogger(logger)}
		if b.APIKey != "" {
			opts = append(opts, ollama.WithAPIKey(b.APIKey))
		}
		client := ollama.NewClient(b.URL, opts...)
		clients[balancer.Origin(b.URL)] = client
		clientList = append(clientList, client)
	}
	if len(backends) == 0 {
		logger.Warn().Msg("No backends configured, jobs will fail at dispatch")
	}

	registry := balancer.NewRegistry(logger, config.Balancer)
	selector := balancer.NewSelector(registry, storageManager.InternalStore(), config.Balancer, logger)
	broker := scheduler.NewBroker(logger)
	dispatcher := scheduler.NewDispatcher(
		storageManager.JobStore(),
		registry,
		selector,
		broker,
		backends,
		clients,
		logger,
	)
	snapshotter := scheduler.NewSnapshotter(
		storageManager.JobStore(),
		storageManager.SnapshotStore(),
		registry,
		clientList,
		config.Snapshot.RetentionDays,
		logger,
	)
	prober := balancer.NewProber(clientList, registry, logger)
	sched := scheduler.NewScheduler(config, storageManager, dispatcher, snapshotter, prober, broker, logger)

	return &App{
		Config:      config,
		Logger:      logger,
		Storage:     storageManager,
		Registry:    registry,
		Selector:    selector,
		Broker:      broker,
		Dispatcher:  dispatcher,
		Scheduler:   sched,
		Clients:     clients,
		ClientList:  clientList,
		StartupTime: time.Now(),
	}, nil
}

// Close stops background work and releases storage.
func (a *App) Close() {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Storage close failed")
		}
	}
}
