package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/interfaces"
	"github.com/bobmcallan/herder/internal/models"
	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

const snapshotSelectFields = "snapshot_id as id, backend_url, captured_at, cpu_percent, ram_percent, " +
	"active_jobs, queued_jobs, loaded_models, vram_used_gb, avg_tokens_per_second"

// SnapshotStore implements interfaces.SnapshotStore using SurrealDB.
type SnapshotStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(db *surrealdb.DB, logger *common.Logger) *SnapshotStore {
	return &SnapshotStore{db: db, logger: logger}
}

func (s *SnapshotStore) Insert(ctx context.Context, snap *models.BackendSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now()
	}

	sql := `UPSERT $rid SET
		snapshot_id = $snapshot_id, backend_url = $backend_url, captured_at = $captured_at,
		cpu_percent = $cpu_percent, ram_percent = $ram_percent,
		active_jobs = $active_jobs, queued_jobs = $queued_jobs,
		loaded_models = $loaded_models, vram_used_gb = $vram_used_gb,
		avg_tokens_per_second = $avg_tokens_per_second`
	vars := map[string]any{
		"rid":                   surrealmodels.NewRecordID("backend_snapshot", snap.ID),
		"snapshot_id":           snap.ID,
		"backend_url":           snap.BackendURL,
		"captured_at":           snap.CapturedAt,
		"cpu_percent":           snap.CPUPercent,
		"ram_percent":           snap.RAMPercent,
		"active_jobs":           snap.ActiveJobs,
		"queued_jobs":           snap.QueuedJobs,
		"loaded_models":         snap.LoadedModels,
		"vram_used_gb":          snap.VRAMUsedGB,
		"avg_tokens_per_second": snap.AvgTokensPerSecond,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// Recent returns snapshots newest-first, optionally filtered by backend URL.
func (s *SnapshotStore) Recent(ctx context.Context, backendURL string, limit int) ([]*models.BackendSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	vars := map[string]any{"limit": limit}
	where := ""
	if backendURL != "" {
		where = " WHERE backend_url = $url"
		vars["url"] = backendURL
	}

	sql := "SELECT " + snapshotSelectFields + " FROM backend_snapshot" + where +
		" ORDER BY captured_at DESC LIMIT $limit"
	results, err := surrealdb.Query[[]models.BackendSnapshot](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}

	var snaps []*models.BackendSnapshot
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			snaps = append(snaps, &(*results)[0].Result[i])
		}
	}
	return snaps, nil
}

// Backends returns the distinct backend URLs present in the series.
func (s *SnapshotStore) Backends(ctx context.Context) ([]string, error) {
	type row struct {
		BackendURL string `json:"backend_url"`
	}
	sql := "SELECT backend_url FROM backend_snapshot GROUP BY backend_url"
	results, err := surrealdb.Query[[]row](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot backends: %w", err)
	}

	var urls []string
	if results != nil && len(*results) > 0 {
		for _, r := range (*results)[0].Result {
			if r.BackendURL != "" {
				urls = append(urls, r.BackendURL)
			}
		}
	}
	return urls, nil
}

func (s *SnapshotStore) Purge(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	vars := map[string]any{"cutoff": cutoff}

	results, err := surrealdb.Query[[]countResult](ctx, s.db,
		"SELECT count() AS cnt FROM backend_snapshot WHERE captured_at < $cutoff GROUP ALL", vars)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale snapshots: %w", err)
	}
	n := 0
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		n = (*results)[0].Result[0].Cnt
	}
	if n == 0 {
		return 0, nil
	}

	if _, err := surrealdb.Query[any](ctx, s.db, "DELETE FROM backend_snapshot WHERE captured_at < $cutoff", vars); err != nil {
		return 0, fmt.Errorf("failed to purge snapshots: %w", err)
	}
	return n, nil
}

// Compile-time check
var _ interfaces.SnapshotStore = (*SnapshotStore)(nil)
