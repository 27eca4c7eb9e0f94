// Package surrealdb implements the storage interfaces on SurrealDB.
package surrealdb

import (
	"context"
	"fmt"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/interfaces"
	"github.com/surrealdb/surrealdb.go"
)

// Manager implements interfaces.StorageManager using SurrealDB.
type Manager struct {
	db     *surrealdb.DB
	logger *common.Logger

	jobStore      *JobStore
	archiveStore  *ArchiveStore
	snapshotStore *SnapshotStore
	internalStore *InternalStore
}

// NewManager creates a new StorageManager connected to SurrealDB.
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	ctx := context.Background()

	db, err := surrealdb.New(config.Storage.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Storage.Username,
		"pass": config.Storage.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, config.Storage.Namespace, config.Storage.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	if err := defineSchema(ctx, db); err != nil {
		return nil, err
	}

	m := &Manager{
		db:     db,
		logger: logger,
	}

	m.jobStore = NewJobStore(db, logger)
	m.archiveStore = NewArchiveStore(db, logger)
	m.snapshotStore = NewSnapshotStore(db, logger)
	m.internalStore = NewInternalStore(db, logger)

	logger.Info().
		Str("address", config.Storage.Address).
		Str("namespace", config.Storage.Namespace).
		Str("database", config.Storage.Database).
		Msg("SurrealDB storage manager initialized")

	return m, nil
}

// defineSchema ensures tables and indices exist (SurrealDB v3 errors on
// querying non-existent tables).
func defineSchema(ctx context.Context, db *surrealdb.DB) error {
	tables := []string{"job", "job_archive", "backend_snapshot", "system_kv"}
	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}

	indices := []string{
		"DEFINE INDEX IF NOT EXISTS job_user_status ON job FIELDS user_id, status",
		"DEFINE INDEX IF NOT EXISTS job_claim ON job FIELDS status, priority_score",
		"DEFINE INDEX IF NOT EXISTS archive_archived_at ON job_archive FIELDS archived_at",
		"DEFINE INDEX IF NOT EXISTS snapshot_captured_at ON backend_snapshot FIELDS captured_at",
		"DEFINE INDEX IF NOT EXISTS snapshot_backend ON backend_snapshot FIELDS backend_url",
	}
	for _, sql := range indices {
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return fmt.Errorf("failed to define index: %w", err)
		}
	}
	return nil
}

func (m *Manager) JobStore() interfaces.JobStore {
	return m.jobStore
}

func (m *Manager) ArchiveStore() interfaces.ArchiveStore {
	return m.archiveStore
}

func (m *Manager) SnapshotStore() interfaces.SnapshotStore {
	return m.snapshotStore
}

func (m *Manager) InternalStore() interfaces.InternalStore {
	return m.internalStore
}

func (m *Manager) Close() error {
	m.db.Close(context.Background())
	return nil
}

// Compile-time check
var _ interfaces.StorageManager = (*Manager)(nil)
