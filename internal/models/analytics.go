package models

// KeyCount is one aggregation bucket keyed by model or user.
type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// DailyBucket is one day of job volume, keyed by ISO date (YYYY-MM-DD).
type DailyBucket struct {
	Date      string `json:"date"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// JobAnalytics aggregates job volume over the active table, or the union of
// active and archive when combined.
type JobAnalytics struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	TopModels      []KeyCount     `json:"top_models"`
	TopUsers       []KeyCount     `json:"top_users"`
	Daily          []DailyBucket  `json:"daily"`
	AvgWaitSeconds float64        `json:"avg_wait_seconds"`
	Combined       bool           `json:"combined"`
}

// ArchiveConfig reports the retention windows the archive loop runs with.
type ArchiveConfig struct {
	RetentionDays        int `json:"retention_days"`
	ArchiveRetentionDays int `json:"archive_retention_days"`
	CheckIntervalSeconds int `json:"check_interval_seconds"`
}

// ArchiveRunResult reports the outcome of one archive sweep.
type ArchiveRunResult struct {
	Archived int `json:"archived"`
	Purged   int `json:"purged"`
}
