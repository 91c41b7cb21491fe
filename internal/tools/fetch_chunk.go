package tools

import (
	"context"

	"github.com/cwlens/cwlens/internal/resultcache"
)

// FetchChunkTool pages through results the agent parked in the result cache.
type FetchChunkTool struct {
	cache *resultcache.Cache
}

func NewFetchChunkTool(cache *resultcache.Cache) *FetchChunkTool {
	return &FetchChunkTool{cache: cache}
}

func (t *FetchChunkTool) Name() string { return "fetch_cached_result_chunk" }

func (t *FetchChunkTool) Description() string {
	return "Retrieve a page of events from a previously cached tool result by cache_id. Supports offset/limit pagination, substring filtering and a time window."
}

func (t *FetchChunkTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"cache_id": map[string]interface{}{
				"type":        "string",
				"description": "Cache id from a cached result summary, e.g. result_a1b2c3d4e5f60718.",
			},
			"offset": map[string]interface{}{
				"type":        "number",
				"description": "Number of filtered events to skip. Default 0.",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Events per page (1-200). Default 50.",
			},
			"filter_pattern": map[string]interface{}{
				"type":        "string",
				"description": "Case-insensitive substring to match in event messages.",
			},
			"time_start": map[string]interface{}{
				"type":        "number",
				"description": "Only events at or after this epoch ms timestamp.",
			},
			"time_end": map[string]interface{}{
				"type":        "number",
				"description": "Only events at or before this epoch ms timestamp.",
			},
		},
		"required": []string{"cache_id"},
	}
}

func (t *FetchChunkTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	cacheID := stringArg(args, "cache_id")
	if cacheID == "" {
		return ErrorResult("fetch_cached_result_chunk requires cache_id")
	}

	resp := t.cache.FetchChunk(ctx, resultcache.ChunkParams{
		CacheID:       cacheID,
		Offset:        intArg(args, "offset", 0),
		Limit:         intArg(args, "limit", 50),
		FilterPattern: stringArg(args, "filter_pattern"),
		TimeStart:     int64(intArg(args, "time_start", 0)),
		TimeEnd:       int64(intArg(args, "time_end", 0)),
	})

	result := DataResult(resp)
	if ok, _ := resp["success"].(bool); !ok {
		result.IsError = true
	}
	return result
}
