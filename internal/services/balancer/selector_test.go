package balancer

import (
	"context"
	"errors"
	"testing"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/models"
)

// fakeKV is an in-memory InternalStore for strategy overrides.
type fakeKV struct {
	values map[string]string
}

func (f *fakeKV) GetSystemKV(_ context.Context, key string) (string, error) {
	return f.values[key], nil
}

func (f *fakeKV) SetSystemKV(_ context.Context, key, value string) error {
	if f.values == nil {
		f.values = map[string]string{}
	}
	f.values[key] = value
	return nil
}

func testBackends(urls ...string) []common.BackendConfig {
	out := make([]common.BackendConfig, len(urls))
	for i, u := range urls {
		out[i] = common.BackendConfig{ID: u, URL: u}
	}
	return out
}

func newTestSelector(registry *Registry, strategy string, kv *fakeKV) *Selector {
	cfg := common.BalancerConfig{
		Strategy:           strategy,
		ActiveJobsWeight:   1.0,
		ResponseTimeWeight: 1.0,
	}
	if kv == nil {
		return NewSelector(registry, nil, cfg, common.NewSilentLogger())
	}
	return NewSelector(registry, kv, cfg, common.NewSilentLogger())
}

func TestSelector_LeastConnections_PicksIdleBackend(t *testing.T) {
	registry := newTestRegistry()
	s := newTestSelector(registry, StrategyLeastConnections, nil)
	ctx := context.Background()

	backends := testBackends("http://busy:11434", "http://idle:11434")
	registry.IncrementActive("http://busy:11434", 5)
	registry.IncrementActive("http://idle:11434", 0)
	registry.RecordLatency("http://idle:11434", 100)

	for i := 0; i < 5; i++ {
		picked, err := s.Select(ctx, "llama3", backends)
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if picked.URL != "http://idle:11434" {
			t.Errorf("expected idle backend, got %s", picked.URL)
		}
	}
}

func TestSelector_LeastConnections_LatencyTiebreak(t *testing.T) {
	registry := newTestRegistry()
	s := newTestSelector(registry, StrategyLeastConnections, nil)
	ctx := context.Background()

	// Same active jobs; the 0.2s backend scores below the 5s one.
	backends := testBackends("http://slow:11434", "http://fast:11434")
	registry.RecordLatency("http://slow:11434", 5000)
	registry.RecordLatency("http://fast:11434", 200)

	picked, err := s.Select(ctx, "llama3", backends)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if picked.URL != "http://fast:11434" {
		t.Errorf("expected fast backend, got %s", picked.URL)
	}
}

func TestSelector_NoMetrics_StillSelects(t *testing.T) {
	registry := newTestRegistry()
	s := newTestSelector(registry, StrategyLeastConnections, nil)

	backends := testBackends("http://a:11434", "http://b:11434")
	picked, err := s.Select(context.Background(), "llama3", backends)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if picked == nil {
		t.Fatal("expected a pick with no metrics recorded")
	}
}

func TestSelector_UnhealthyDropped(t *testing.T) {
	registry := newTestRegistry()
	s := newTestSelector(registry, StrategyLeastConnections, nil)
	ctx := context.Background()

	backends := testBackends("http://down:11434", "http://up:11434")
	registry.SetHealth("http://down:11434", false)
	registry.SetHealth("http://up:11434", true)
	// The unhealthy backend looks cheaper on raw load.
	registry.IncrementActive("http://up:11434", 3)

	for i := 0; i < 5; i++ {
		picked, err := s.Select(ctx, "llama3", backends)
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if picked.URL != "http://up:11434" {
			t.Errorf("expected unhealthy backend excluded, got %s", picked.URL)
		}
	}
}

func TestSelector_AllUnhealthy_FallsBackToFullSet(t *testing.T) {
	registry := newTestRegistry()
	s := newTestSelector(registry, StrategyLeastConnections, nil)

	backends := testBackends("http://a:11434", "http://b:11434")
	registry.SetHealth("http://a:11434", false)
	registry.SetHealth("http://b:11434", false)

	picked, err := s.Select(context.Background(), "llama3", backends)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if picked == nil {
		t.Fatal("expected degraded selection from the full set")
	}
}

func TestSelector_RoundRobin_CyclesPerModel(t *testing.T) {
	registry := newTestRegistry()
	s := newTestSelector(registry, StrategyRoundRobin, nil)
	ctx := context.Background()

	backends := testBackends("http://a:11434", "http://b:11434", "http://c:11434")

	var order []string
	for i := 0; i < 6; i++ {
		picked, err := s.Select(ctx, "llama3", backends)
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		order = append(order, picked.URL)
	}
	for i := 3; i < 6; i++ {
		if order[i] != order[i-3] {
			t.Errorf("expected cycle of 3, got %v", order)
		}
	}
	if order[0] == order[1] {
		t.Errorf("expected rotation, got %v", order)
	}

	// A different model runs its own counter from the start.
	picked, _ := s.Select(ctx, "mistral", backends)
	if picked.URL != "http://a:11434" {
		t.Errorf("expected fresh counter for new model, got %s", picked.URL)
	}
}

func TestSelector_Fastest(t *testing.T) {
	registry := newTestRegistry()
	s := newTestSelector(registry, StrategyFastest, nil)
	ctx := context.Background()

	backends := testBackends("http://slow:11434", "http://fast:11434", "http://unknown:11434")
	registry.RecordLatency("http://slow:11434", 4000)
	registry.RecordLatency("http://fast:11434", 300)
	// unknown has no samples: deprioritised while others have data.

	picked, err := s.Select(ctx, "llama3", backends)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if picked.URL != "http://fast:11434" {
		t.Errorf("expected fastest backend, got %s", picked.URL)
	}
}

func TestSelector_Fastest_NoData(t *testing.T) {
	registry := newTestRegistry()
	s := newTestSelector(registry, StrategyFastest, nil)

	backends := testBackends("http://a:11434", "http://b:11434")
	picked, err := s.Select(context.Background(), "llama3", backends)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if picked.URL != "http://a:11434" {
		t.Errorf("expected first candidate with no data, got %s", picked.URL)
	}
}

func TestSelector_ModelFilter(t *testing.T) {
	registry := newTestRegistry()
	s := newTestSelector(registry, StrategyLeastConnections, nil)
	ctx := context.Background()

	backends := []common.BackendConfig{
		{ID: "a", URL: "http://a:11434", ModelIDs: []string{"llama3"}},
		{ID: "b", URL: "http://b:11434", ModelIDs: []string{"mistral"}},
		{ID: "c", URL: "http://c:11434"}, // serves everything
	}

	picked, err := s.Select(ctx, "mistral", backends)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if picked.URL == "http://a:11434" {
		t.Errorf("backend a does not serve mistral, got %s", picked.URL)
	}

	if _, err := s.Select(ctx, "gemma", []common.BackendConfig{backends[0], backends[1]}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ErrValidation for unserved model, got %v", err)
	}
}

func TestSelector_Strategy_KVOverridesDefault(t *testing.T) {
	registry := newTestRegistry()
	kv := &fakeKV{values: map[string]string{}}
	s := newTestSelector(registry, StrategyLeastConnections, kv)
	ctx := context.Background()

	if got := s.Strategy(ctx); got != StrategyLeastConnections {
		t.Errorf("expected config default, got %s", got)
	}

	kv.SetSystemKV(ctx, StrategyKey, StrategyRoundRobin)
	if got := s.Strategy(ctx); got != StrategyRoundRobin {
		t.Errorf("expected KV override, got %s", got)
	}

	// Garbage in the KV falls back to the default.
	kv.SetSystemKV(ctx, StrategyKey, "coin_flip")
	if got := s.Strategy(ctx); got != StrategyLeastConnections {
		t.Errorf("expected fallback on invalid KV value, got %s", got)
	}
}
