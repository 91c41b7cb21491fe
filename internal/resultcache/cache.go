package resultcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	defaultTTL          = time.Hour
	defaultMaxSizeBytes = 100 * 1024 * 1024
	evictTargetRatio    = 0.8 // evict down to 80% of the cap
)

// Config tunes the result cache.
type Config struct {
	Path         string // SQLite file path; ":memory:" for tests
	TTL          time.Duration
	MaxSizeBytes int64
}

// Cache stores full tool results out of context. Process-wide; each
// operation is a self-contained transaction.
type Cache struct {
	db  *sql.DB
	cfg Config
}

// Open creates or opens the result cache database.
func Open(cfg Config) (*Cache, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = defaultMaxSizeBytes
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resultcache: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	c := &Cache{db: db, cfg: cfg}
	if err := c.init(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) init() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS cached_results (
			cache_id        TEXT PRIMARY KEY,
			tool_name       TEXT NOT NULL,
			query_params    TEXT NOT NULL,
			result_data     TEXT NOT NULL,
			event_count     INTEGER NOT NULL DEFAULT 0,
			data_size_bytes INTEGER NOT NULL,
			created_at      INTEGER NOT NULL,
			expires_at      INTEGER NOT NULL,
			last_accessed   INTEGER NOT NULL,
			access_count    INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("resultcache: create table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_results_expires ON cached_results(expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_results_created ON cached_results(created_at DESC)",
	}
	for _, idx := range indexes {
		if _, err := c.db.Exec(idx); err != nil {
			return fmt.Errorf("resultcache: create index: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (c *Cache) Close() error { return c.db.Close() }

// CacheID derives the deterministic id for a (tool, params) pair:
// "result_" plus the first 16 hex chars of SHA-256(tool || canonical params).
func CacheID(toolName string, params map[string]interface{}) string {
	data, _ := json.Marshal(params) // map keys marshal sorted
	sum := sha256.Sum256(append([]byte(toolName), data...))
	return "result_" + hex.EncodeToString(sum[:])[:16]
}

// Cache stores a full tool result and returns the summary envelope that
// replaces it in context. Repeated calls with identical args replace the row.
func (c *Cache) Cache(ctx context.Context, toolName string, params map[string]interface{}, result map[string]interface{}) (*Envelope, error) {
	id := CacheID(toolName, params)

	resultData, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("resultcache: marshal result: %w", err)
	}
	paramsData, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("resultcache: marshal params: %w", err)
	}

	summary := Summarize(result)
	now := time.Now()
	expires := now.Add(c.cfg.TTL)

	_, err = c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cached_results
			(cache_id, tool_name, query_params, result_data, event_count,
			 data_size_bytes, created_at, expires_at, last_accessed, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		id, toolName, string(paramsData), string(resultData),
		summary.TotalEvents, len(resultData), now.Unix(), expires.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("resultcache: store: %w", err)
	}

	if err := c.enforceSizeCap(ctx); err != nil {
		slog.Warn("resultcache: size cap enforcement", "error", err)
	}

	return &Envelope{
		CacheID:       id,
		Summary:       summary,
		OriginalQuery: params,
		CachedAt:      now,
		ExpiresAt:     expires,
	}, nil
}

// enforceSizeCap evicts least-recently-accessed rows until total stored bytes
// fit within 80% of the cap.
func (c *Cache) enforceSizeCap(ctx context.Context) error {
	var size int64
	if err := c.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(data_size_bytes), 0) FROM cached_results",
	).Scan(&size); err != nil {
		return err
	}
	if size <= c.cfg.MaxSizeBytes {
		return nil
	}

	target := int64(float64(c.cfg.MaxSizeBytes) * evictTargetRatio)
	rows, err := c.db.QueryContext(ctx,
		"SELECT cache_id, data_size_bytes FROM cached_results ORDER BY last_accessed ASC")
	if err != nil {
		return err
	}

	// Collect victims first: the pool is capped at one connection, so the
	// cursor must be closed before any delete runs.
	var victims []string
	for rows.Next() && size > target {
		var id string
		var bytes int64
		if err := rows.Scan(&id, &bytes); err != nil {
			rows.Close()
			return err
		}
		victims = append(victims, id)
		size -= bytes
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, id := range victims {
		if _, err := c.db.ExecContext(ctx, "DELETE FROM cached_results WHERE cache_id = ?", id); err != nil {
			return err
		}
	}
	if len(victims) > 0 {
		slog.Info("resultcache: evicted entries for size cap", "count", len(victims))
	}
	return nil
}

// ValidationReport is the outcome of an administrative scan.
type ValidationReport struct {
	TotalEntries   int      `json:"total_entries"`
	CorruptedCount int      `json:"corrupted_count"`
	CorruptedIDs   []string `json:"corrupted_ids"`
	CorruptionRate float64  `json:"corruption_rate"`
}

// ValidateAndClean scans every row, deletes entries whose payload no longer
// parses, and reports what it found.
func (c *Cache) ValidateAndClean(ctx context.Context) (*ValidationReport, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT cache_id, result_data FROM cached_results")
	if err != nil {
		return nil, fmt.Errorf("resultcache: validate scan: %w", err)
	}

	report := &ValidationReport{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("resultcache: validate scan: %w", err)
		}
		report.TotalEntries++

		var probe map[string]interface{}
		if json.Unmarshal([]byte(data), &probe) != nil {
			report.CorruptedCount++
			report.CorruptedIDs = append(report.CorruptedIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("resultcache: validate scan: %w", err)
	}
	rows.Close()

	for _, id := range report.CorruptedIDs {
		if _, err := c.db.ExecContext(ctx, "DELETE FROM cached_results WHERE cache_id = ?", id); err != nil {
			return nil, fmt.Errorf("resultcache: delete corrupted entry: %w", err)
		}
	}

	if report.TotalEntries > 0 {
		report.CorruptionRate = float64(report.CorruptedCount) / float64(report.TotalEntries)
	}
	return report, nil
}

// Count returns the number of stored results.
func (c *Cache) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cached_results").Scan(&n)
	return n, err
}
