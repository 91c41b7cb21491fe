// Package querycache memoizes CloudWatch queries in an embedded SQLite store
// to cut API cost and latency.
package querycache

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
	defaultMaxSizeBytes = 500 * 1024 * 1024
	defaultMaxEntries   = 10_000
	evictTargetRatio    = 0.9 // evict down to 90% of each cap
	evictBatchSize      = 100
	sweepInterval       = 5 * time.Minute
)

// TTLs by query type. Historical windows (end-time at least 5 minutes old)
// are immutable and cache for a day.
const (
	ttlListLogGroups = 15 * time.Minute
	ttlRecentLogs    = time.Minute
	ttlHistoricLogs  = 24 * time.Hour
	ttlStatistics    = 5 * time.Minute
	ttlDefault       = time.Hour

	historicCutoff = 5 * time.Minute
)

// Config tunes cache limits.
type Config struct {
	Path         string // SQLite file path; ":memory:" for tests
	MaxSizeBytes int64
	MaxEntries   int
}

// Cache is a process-wide, TTL-and-LRU-bounded query memoizer. Safe for
// concurrent callers; each operation is a self-contained transaction.
type Cache struct {
	db     *sql.DB
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}
}

// Statistics summarizes cache contents.
type Statistics struct {
	EntryCount      int     `json:"entry_count"`
	SizeBytes       int64   `json:"size_bytes"`
	SizeMB          float64 `json:"size_mb"`
	TotalLogsCached int64   `json:"total_logs_cached"`
	TotalHits       int64   `json:"total_hits"`
	ExpiredCount    int     `json:"expired_count"`
	StoragePath     string  `json:"storage_path"`
}

// Open creates or opens the cache database and starts the background sweeper.
func Open(cfg Config) (*Cache, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = defaultMaxSizeBytes
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("querycache: open database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	c := &Cache{db: db, cfg: cfg, done: make(chan struct{})}
	if err := c.init(); err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.sweep(ctx)

	return c, nil
}

func (c *Cache) init() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			cache_key     TEXT PRIMARY KEY,
			query_type    TEXT NOT NULL,
			log_group     TEXT,
			start_time    INTEGER,
			end_time      INTEGER,
			payload       TEXT NOT NULL,
			size_bytes    INTEGER NOT NULL,
			log_count     INTEGER NOT NULL DEFAULT 0,
			created_at    INTEGER NOT NULL,
			expires_at    INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL,
			hit_count     INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("querycache: create table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_cache_query ON cache_entries(log_group, start_time, end_time)",
		"CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_cache_accessed ON cache_entries(last_accessed)",
	}
	for _, idx := range indexes {
		if _, err := c.db.Exec(idx); err != nil {
			return fmt.Errorf("querycache: create index: %w", err)
		}
	}
	return nil
}

// Close stops the sweeper and closes the database.
func (c *Cache) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return c.db.Close()
}

// Key derives the deterministic cache key for a query. Start and end times
// are floored to the minute so sub-minute differences collide.
func Key(queryType string, kwargs map[string]interface{}) string {
	canonical := map[string]interface{}{"type": queryType}
	for k, v := range kwargs {
		canonical[k] = v
	}
	for _, field := range []string{"start_time", "end_time"} {
		if ts, ok := toInt64(canonical[field]); ok {
			canonical[field] = floorToMinute(ts)
		}
	}

	// json.Marshal sorts map keys, giving a canonical byte form.
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func floorToMinute(tsMillis int64) int64 {
	return tsMillis / 60_000 * 60_000
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// CalculateTTL picks the TTL for a query type, using the end time to decide
// whether the window is immutable history.
func CalculateTTL(queryType string, kwargs map[string]interface{}, now time.Time) time.Duration {
	switch queryType {
	case "list_log_groups":
		return ttlListLogGroups
	case "fetch_logs", "search_logs":
		end, ok := toInt64(kwargs["end_time"])
		if !ok || end <= 0 {
			return ttlRecentLogs
		}
		if now.Sub(time.UnixMilli(end)) >= historicCutoff {
			return ttlHistoricLogs
		}
		return ttlRecentLogs
	case "get_log_statistics":
		return ttlStatistics
	default:
		return ttlDefault
	}
}

// Get returns the cached payload for a query, or nil on miss. Expired entries
// are deleted and reported as misses. Hits bump hit_count and last_accessed.
func (c *Cache) Get(ctx context.Context, queryType string, kwargs map[string]interface{}) (json.RawMessage, error) {
	key := Key(queryType, kwargs)
	now := time.Now().Unix()

	var payload string
	var expiresAt int64
	err := c.db.QueryRowContext(ctx,
		"SELECT payload, expires_at FROM cache_entries WHERE cache_key = ?", key,
	).Scan(&payload, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querycache: get: %w", err)
	}

	if expiresAt < now {
		if _, err := c.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE cache_key = ?", key); err != nil {
			slog.Warn("querycache: delete expired entry", "error", err)
		}
		return nil, nil
	}

	_, err = c.db.ExecContext(ctx,
		"UPDATE cache_entries SET hit_count = hit_count + 1, last_accessed = ? WHERE cache_key = ?",
		now, key)
	if err != nil {
		slog.Warn("querycache: bump hit count", "error", err)
	}

	return json.RawMessage(payload), nil
}

// Set inserts or replaces the cached payload for a query, then enforces the
// size and entry caps.
func (c *Cache) Set(ctx context.Context, queryType string, payload interface{}, kwargs map[string]interface{}) error {
	key := Key(queryType, kwargs)
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("querycache: marshal payload: %w", err)
	}

	now := time.Now()
	ttl := CalculateTTL(queryType, kwargs, now)

	logGroup, _ := kwargs["log_group"].(string)
	start, _ := toInt64(kwargs["start_time"])
	end, _ := toInt64(kwargs["end_time"])

	_, err = c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache_entries
			(cache_key, query_type, log_group, start_time, end_time, payload,
			 size_bytes, log_count, created_at, expires_at, last_accessed, hit_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		key, queryType, logGroup, start, end, string(data),
		len(data), countLogs(data), now.Unix(), now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("querycache: set: %w", err)
	}

	return c.enforceCaps(ctx)
}

// countLogs extracts the event count from a cached payload, for statistics.
func countLogs(data []byte) int {
	var probe struct {
		Events []json.RawMessage `json:"events"`
		Logs   []json.RawMessage `json:"logs"`
		Count  int               `json:"count"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return 0
	}
	if len(probe.Events) > 0 {
		return len(probe.Events)
	}
	if len(probe.Logs) > 0 {
		return len(probe.Logs)
	}
	return probe.Count
}

// Clear removes entries, optionally scoped to one log group. Returns the
// number of entries removed.
func (c *Cache) Clear(ctx context.Context, logGroup string) (int64, error) {
	var res sql.Result
	var err error
	if logGroup == "" {
		res, err = c.db.ExecContext(ctx, "DELETE FROM cache_entries")
	} else {
		res, err = c.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE log_group = ?", logGroup)
	}
	if err != nil {
		return 0, fmt.Errorf("querycache: clear: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats reports cache contents.
func (c *Cache) Stats(ctx context.Context) (*Statistics, error) {
	now := time.Now().Unix()
	s := &Statistics{StoragePath: c.cfg.Path}

	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), COALESCE(SUM(log_count), 0),
		       COALESCE(SUM(hit_count), 0)
		FROM cache_entries`,
	).Scan(&s.EntryCount, &s.SizeBytes, &s.TotalLogsCached, &s.TotalHits)
	if err != nil {
		return nil, fmt.Errorf("querycache: stats: %w", err)
	}

	err = c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM cache_entries WHERE expires_at < ?", now,
	).Scan(&s.ExpiredCount)
	if err != nil {
		return nil, fmt.Errorf("querycache: stats: %w", err)
	}

	s.SizeMB = float64(s.SizeBytes) / (1024 * 1024)
	return s, nil
}

// enforceCaps deletes expired entries, then LRU batches, until both the size
// and entry-count caps are at or under their 90% targets.
func (c *Cache) enforceCaps(ctx context.Context) error {
	var count int
	var size int64
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM cache_entries",
	).Scan(&count, &size)
	if err != nil {
		return fmt.Errorf("querycache: cap check: %w", err)
	}

	if int64(count) <= int64(c.cfg.MaxEntries) && size <= c.cfg.MaxSizeBytes {
		return nil
	}

	if _, err := c.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE expires_at < ?", time.Now().Unix()); err != nil {
		return fmt.Errorf("querycache: evict expired: %w", err)
	}

	targetCount := int(float64(c.cfg.MaxEntries) * evictTargetRatio)
	targetSize := int64(float64(c.cfg.MaxSizeBytes) * evictTargetRatio)

	for {
		err := c.db.QueryRowContext(ctx,
			"SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM cache_entries",
		).Scan(&count, &size)
		if err != nil {
			return fmt.Errorf("querycache: cap check: %w", err)
		}
		if count <= targetCount && size <= targetSize {
			return nil
		}

		res, err := c.db.ExecContext(ctx, `
			DELETE FROM cache_entries WHERE cache_key IN (
				SELECT cache_key FROM cache_entries
				ORDER BY last_accessed ASC LIMIT ?
			)`, evictBatchSize)
		if err != nil {
			return fmt.Errorf("querycache: evict lru: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
	}
}

// sweep periodically deletes expired entries and re-checks caps until the
// cache is closed.
func (c *Cache) sweep(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := c.db.ExecContext(ctx,
				"DELETE FROM cache_entries WHERE expires_at < ?", time.Now().Unix())
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("querycache: sweep", "error", err)
				}
				continue
			}
			if n, _ := res.RowsAffected(); n > 0 {
				slog.Debug("querycache: swept expired entries", "count", n)
			}
			if err := c.enforceCaps(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("querycache: sweep cap enforcement", "error", err)
			}
		}
	}
}
