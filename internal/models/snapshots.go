package models

import "time"

// BackendSnapshot is one point-in-time sample of a backend and the host.
// A synthetic "__local__" row is written when no backends are configured.
type BackendSnapshot struct {
	ID                 string    `json:"id"`
	BackendURL         string    `json:"backend_url"`
	CapturedAt         time.Time `json:"captured_at"`
	CPUPercent         float64   `json:"cpu_percent"`
	RAMPercent         float64   `json:"ram_percent"`
	ActiveJobs         int       `json:"active_jobs"`
	QueuedJobs         int       `json:"queued_jobs"`
	LoadedModels       int       `json:"loaded_models"`
	VRAMUsedGB         float64   `json:"vram_used_gb"`
	AvgTokensPerSecond float64   `json:"avg_tokens_per_second"`
}

// LocalSnapshotURL is the placeholder backend_url used when the pool is empty.
const LocalSnapshotURL = "__local__"
