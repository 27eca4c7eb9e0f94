package surrealdb

import (
	"context"
	"testing"
)

func TestInternalStore_SystemKVRoundTrip(t *testing.T) {
	db := testDB(t)
	store := NewInternalStore(db, testLogger())
	ctx := context.Background()

	if err := store.SetSystemKV(ctx, "lb_strategy", "round_robin"); err != nil {
		t.Fatalf("SetSystemKV failed: %v", err)
	}

	got, err := store.GetSystemKV(ctx, "lb_strategy")
	if err != nil {
		t.Fatalf("GetSystemKV failed: %v", err)
	}
	if got != "round_robin" {
		t.Errorf("expected round_robin, got %q", got)
	}

	// Overwrite wins.
	if err := store.SetSystemKV(ctx, "lb_strategy", "fastest"); err != nil {
		t.Fatalf("SetSystemKV overwrite failed: %v", err)
	}
	got, _ = store.GetSystemKV(ctx, "lb_strategy")
	if got != "fastest" {
		t.Errorf("expected fastest after overwrite, got %q", got)
	}
}

func TestInternalStore_GetSystemKV_Missing(t *testing.T) {
	db := testDB(t)
	store := NewInternalStore(db, testLogger())

	got, err := store.GetSystemKV(context.Background(), "never_set")
	if err != nil {
		t.Fatalf("GetSystemKV failed: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty string for missing key, got %q", got)
	}
}
