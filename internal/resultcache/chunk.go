package resultcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// maxChunkLimit caps how many events a single chunk fetch can return.
const maxChunkLimit = 200

// ChunkParams selects a page of events from a cached result.
type ChunkParams struct {
	CacheID       string
	Offset        int
	Limit         int
	FilterPattern string // case-insensitive substring on message
	TimeStart     int64  // epoch ms, 0 = unbounded
	TimeEnd       int64  // epoch ms, 0 = unbounded
}

// FetchChunk returns a page of events from a cached result. The response is a
// plain map so it can flow straight back to the LLM as a tool result.
func (c *Cache) FetchChunk(ctx context.Context, p ChunkParams) map[string]interface{} {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > maxChunkLimit {
		p.Limit = maxChunkLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}

	var data string
	var expiresAt int64
	err := c.db.QueryRowContext(ctx,
		"SELECT result_data, expires_at FROM cached_results WHERE cache_id = ?",
		p.CacheID).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("cache entry %q not found", p.CacheID),
			"hint":    "The entry may have expired or been evicted. Re-run the original query to regenerate it.",
		}
	}
	if err != nil {
		return map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("cache lookup failed: %v", err),
		}
	}

	if time.Now().Unix() >= expiresAt {
		c.db.ExecContext(ctx, "DELETE FROM cached_results WHERE cache_id = ?", p.CacheID)
		return map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("cache entry %q has expired", p.CacheID),
			"hint":    "Re-run the original query to regenerate it.",
		}
	}

	var result map[string]interface{}
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		c.db.ExecContext(ctx, "DELETE FROM cached_results WHERE cache_id = ?", p.CacheID)
		return map[string]interface{}{
			"success":         false,
			"error":           fmt.Sprintf("cache entry %q is corrupted and has been removed", p.CacheID),
			"action_required": "Re-run the original query to regenerate the data.",
		}
	}

	c.db.ExecContext(ctx,
		"UPDATE cached_results SET last_accessed = ?, access_count = access_count + 1 WHERE cache_id = ?",
		time.Now().Unix(), p.CacheID)

	events := extractEvents(result)
	totalCached := len(events)

	filtered := filterChunk(events, p)
	totalFiltered := len(filtered)

	end := p.Offset + p.Limit
	if end > totalFiltered {
		end = totalFiltered
	}
	page := []map[string]interface{}{}
	if p.Offset < totalFiltered {
		page = filtered[p.Offset:end]
	}

	return map[string]interface{}{
		"success":        true,
		"events":         page,
		"count":          len(page),
		"offset":         p.Offset,
		"limit":          p.Limit,
		"total_filtered": totalFiltered,
		"total_cached":   totalCached,
		"has_more":       end < totalFiltered,
		"filters_applied": map[string]interface{}{
			"filter_pattern": p.FilterPattern,
			"time_start":     p.TimeStart,
			"time_end":       p.TimeEnd,
		},
	}
}

// filterChunk applies the substring filter first, then the time window.
func filterChunk(events []map[string]interface{}, p ChunkParams) []map[string]interface{} {
	out := events

	if p.FilterPattern != "" {
		needle := strings.ToLower(p.FilterPattern)
		matched := make([]map[string]interface{}, 0, len(out))
		for _, ev := range out {
			msg, _ := ev["message"].(string)
			if strings.Contains(strings.ToLower(msg), needle) {
				matched = append(matched, ev)
			}
		}
		out = matched
	}

	if p.TimeStart > 0 || p.TimeEnd > 0 {
		matched := make([]map[string]interface{}, 0, len(out))
		for _, ev := range out {
			ts, ok := eventTimestamp(ev)
			if !ok {
				continue
			}
			if p.TimeStart > 0 && ts < p.TimeStart {
				continue
			}
			if p.TimeEnd > 0 && ts > p.TimeEnd {
				continue
			}
			matched = append(matched, ev)
		}
		out = matched
	}

	return out
}
