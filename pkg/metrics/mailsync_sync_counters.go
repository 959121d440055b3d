package metrics

import (
	"database/sql"
	"sync/atomic"
)

// SyncCounters counts pipeline outcomes since process start.
type SyncCounters struct {
	Passes        atomic.Int64
	Threads       atomic.Int64
	ThreadErrors  atomic.Int64
	Persisted     atomic.Int64
	Duplicates    atomic.Int64
	Filtered      atomic.Int64
	Unmatched     atomic.Int64
	MarkReadFails atomic.Int64
}

var globalCounters SyncCounters

// Counters returns the process-wide counters.
func Counters() *SyncCounters {
	return &globalCounters
}

func (c *SyncCounters) Snapshot() map[string]int64 {
	return map[string]int64{
		"passes":          c.Passes.Load(),
		"threads":         c.Threads.Load(),
		"thread_errors":   c.ThreadErrors.Load(),
		"persisted":       c.Persisted.Load(),
		"duplicates":      c.Duplicates.Load(),
		"filtered":        c.Filtered.Load(),
		"unmatched":       c.Unmatched.Load(),
		"mark_read_fails": c.MarkReadFails.Load(),
	}
}

// =============================================================================
// Database Pool
// =============================================================================

// DBPoolStats is the subset of sql.DBStats exposed on /metrics.
type DBPoolStats struct {
	OpenConnections    int   `json:"open_connections"`
	InUse              int   `json:"in_use"`
	Idle               int   `json:"idle"`
	MaxOpenConnections int   `json:"max_open_connections"`
	WaitCount          int64 `json:"wait_count"`
	WaitDurationMs     int64 `json:"wait_duration_ms"`
}

func GetDBPoolStats(db *sql.DB) DBPoolStats {
	if db == nil {
		return DBPoolStats{}
	}
	s := db.Stats()
	return DBPoolStats{
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		MaxOpenConnections: s.MaxOpenConnections,
		WaitCount:          s.WaitCount,
		WaitDurationMs:     s.WaitDuration.Milliseconds(),
	}
}
