package balancer

import (
	"context"
	"sync"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/interfaces"
)

// Prober refreshes backend health by hitting each backend's version endpoint.
// The scheduler runs ProbeAll on the health loop interval.
type Prober struct {
	clients  []interfaces.OllamaClient
	registry interfaces.MetricsRegistry
	logger   *common.Logger
}

// NewProber creates a prober over the configured backend clients.
func NewProber(clients []interfaces.OllamaClient, registry interfaces.MetricsRegistry, logger *common.Logger) *Prober {
	return &Prober{
		clients:  clients,
		registry: registry,
		logger:   logger,
	}
}

// ProbeAll checks every backend concurrently and records the outcomes.
// Probe failures are recorded, never returned.
func (p *Prober) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, client := range p.clients {
		wg.Add(1)
		go func(c interfaces.OllamaClient) {
			defer wg.Done()
			_, err := c.Version(ctx)
			p.registry.SetHealth(c.BaseURL(), err == nil)
			if err != nil {
				p.logger.Debug().
					Str("backend", Origin(c.BaseURL())).
					Err(err).
					Msg("Backend health probe failed")
			}
		}(client)
	}
	wg.Wait()
}
