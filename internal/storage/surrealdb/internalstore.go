package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/interfaces"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// InternalStore holds system KV state shared across processes, such as the
// active load-balancer strategy.
type InternalStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewInternalStore creates a new InternalStore.
func NewInternalStore(db *surrealdb.DB, logger *common.Logger) *InternalStore {
	return &InternalStore{db: db, logger: logger}
}

type systemKV struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetSystemKV returns the stored value for key, or empty string when absent.
func (s *InternalStore) GetSystemKV(ctx context.Context, key string) (string, error) {
	kv, err := surrealdb.Select[systemKV](ctx, s.db, surrealmodels.NewRecordID("system_kv", key))
	if err != nil {
		return "", fmt.Errorf("failed to select system KV: %w", err)
	}
	if kv == nil {
		return "", nil
	}
	return kv.Value, nil
}

func (s *InternalStore) SetSystemKV(ctx context.Context, key, value string) error {
	kv := systemKV{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now(),
	}

	sql := "UPSERT type::record('system_kv', $id) CONTENT $kv"
	vars := map[string]any{"id": key, "kv": kv}

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := surrealdb.Query[[]systemKV](ctx, s.db, sql, vars)
		if err == nil {
			return nil
		}
		if attempt == 3 {
			return fmt.Errorf("failed to set system KV after retries: %w", err)
		}
	}
	return nil
}

// Compile-time check
var _ interfaces.InternalStore = (*InternalStore)(nil)
