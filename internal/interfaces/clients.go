package interfaces

import (
	"context"
	"io"

	"github.com/bobmcallan/herder/internal/models"
)

// OllamaClient talks to one Ollama-compatible backend.
type OllamaClient interface {
	// BaseURL returns the configured backend URL.
	BaseURL() string

	// Version probes GET /api/version.
	Version(ctx context.Context) (*models.OllamaVersion, error)

	// Ps lists loaded models via GET /api/ps.
	Ps(ctx context.Context) (*models.OllamaPsResponse, error)

	// Chat POSTs a non-streaming chat completion to /api/chat. stream is
	// forced to false. Returns the parsed body and any token metrics it
	// carried.
	Chat(ctx context.Context, body map[string]any) (map[string]any, *models.ChatMetrics, error)

	// ChatStream POSTs a streaming chat completion and copies the NDJSON
	// stream to w, extracting token metrics from the terminal "done":true
	// line. Metrics may be nil when the stream ends without one.
	ChatStream(ctx context.Context, body map[string]any, w io.Writer) (*models.ChatMetrics, error)

	// Generate POSTs a non-streaming completion to /api/generate.
	Generate(ctx context.Context, body map[string]any) (map[string]any, *models.ChatMetrics, error)

	// Embed POSTs to /api/embed.
	Embed(ctx context.Context, body map[string]any) (map[string]any, error)
}
