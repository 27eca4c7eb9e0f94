package models

// OllamaVersion is the response of GET /api/version on a backend.
type OllamaVersion struct {
	Version string `json:"version"`
}

// OllamaPsModel is one loaded model reported by GET /api/ps.
type OllamaPsModel struct {
	Name     string `json:"name"`
	Model    string `json:"model"`
	Size     int64  `json:"size"`
	SizeVRAM int64  `json:"size_vram"`
}

// OllamaPsResponse is the response of GET /api/ps.
type OllamaPsResponse struct {
	Models []OllamaPsModel `json:"models"`
}

// VRAMBytes returns the model's VRAM footprint, falling back to total size
// on unified-memory platforms that report size_vram == 0.
func (m *OllamaPsModel) VRAMBytes() int64 {
	if m.SizeVRAM > 0 {
		return m.SizeVRAM
	}
	return m.Size
}

// ChatMetrics carries the token accounting fields of a completed inference
// response. eval_duration is nanoseconds.
type ChatMetrics struct {
	EvalCount    int64 `json:"eval_count"`
	EvalDuration int64 `json:"eval_duration"`
}

// BackendMetrics is the registry readout for one backend origin.
type BackendMetrics struct {
	Origin             string  `json:"origin"`
	ActiveJobs         int     `json:"active_jobs"`
	AvgResponseTimeMS  float64 `json:"avg_response_time_ms"`
	SampleCount        int     `json:"sample_count"`
	AvgTokensPerSecond float64 `json:"avg_tokens_per_second"`
	HealthStatus       string  `json:"health_status"` // "healthy", "unhealthy", "unknown"
	LastHealthCheck    int64   `json:"last_health_check,omitempty"`
}

// Health status constants for backend metrics.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)
