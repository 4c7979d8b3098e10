package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Perceptus-Labs/geocapture/models"
)

const defaultIndexPrefix = "geocapture"

// CaptureIndex mirrors persisted captures into Redis so review clients can
// filter by label without scanning the data directory. The directory stays
// the source of truth; the index is rebuilt from it with Reindex.
type CaptureIndex struct {
	client *redis.Client
	prefix string
}

// NewRedisClient connects to REDIS_HOST and pings it.
func NewRedisClient(ctx context.Context, cfg *Config) (*redis.Client, error) {
	if cfg.RedisHost == "" {
		return nil, fmt.Errorf("REDIS_HOST environment variable is not set")
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisHost,
		Password:    cfg.RedisPassword,
		DB:          0,
		DialTimeout: 20 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func NewCaptureIndex(client *redis.Client, prefix string) *CaptureIndex {
	if prefix == "" {
		prefix = defaultIndexPrefix
	}
	return &CaptureIndex{client: client, prefix: prefix}
}

func (ix *CaptureIndex) recordKey(key string) string {
	return ix.prefix + ":capture:" + key
}

func (ix *CaptureIndex) labelKey(label string) string {
	return ix.prefix + ":label:" + label
}

func (ix *CaptureIndex) timelineKey() string {
	return ix.prefix + ":captures"
}

// Upsert indexes a persisted record. Re-capturing the same key replaces the
// previous labels, matching the overwrite on disk.
func (ix *CaptureIndex) Upsert(ctx context.Context, rec *models.CaptureRecord) error {
	if rec == nil || rec.Metadata == nil {
		return fmt.Errorf("cannot index record without metadata")
	}

	previous, err := ix.client.HGet(ctx, ix.recordKey(rec.Key), "labels").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis hget failed: %w", err)
	}

	capturedAt := rec.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	m := rec.Metadata
	labels, err := json.Marshal(m.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	pipe := ix.client.TxPipeline()
	for _, label := range splitIndexedLabels(previous) {
		pipe.SRem(ctx, ix.labelKey(label), rec.Key)
	}
	pipe.HSet(ctx, ix.recordKey(rec.Key), map[string]interface{}{
		"labels":      string(labels),
		"lat":         strconv.FormatFloat(m.Lat, 'f', -1, 64),
		"lon":         strconv.FormatFloat(m.Lon, 'f', -1, 64),
		"heading":     strconv.FormatFloat(m.Heading, 'f', -1, 64),
		"image_path":  rec.ImagePath,
		"captured_at": capturedAt.Unix(),
	})
	for _, label := range m.Labels {
		pipe.SAdd(ctx, ix.labelKey(label), rec.Key)
	}
	pipe.ZAdd(ctx, ix.timelineKey(), redis.Z{Score: float64(capturedAt.UnixNano()), Member: rec.Key})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// KeysByLabel returns the storage keys carrying label, sorted.
func (ix *CaptureIndex) KeysByLabel(ctx context.Context, label string) ([]string, error) {
	keys, err := ix.client.SMembers(ctx, ix.labelKey(label)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers failed: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Recent returns up to n storage keys, most recently captured first.
func (ix *CaptureIndex) Recent(ctx context.Context, n int64) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	keys, err := ix.client.ZRevRange(ctx, ix.timelineKey(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange failed: %w", err)
	}
	return keys, nil
}

// LabelCounts returns how many indexed captures carry each label.
func (ix *CaptureIndex) LabelCounts(ctx context.Context, labels []string) (map[string]int64, error) {
	if len(labels) == 0 {
		return map[string]int64{}, nil
	}

	pipe := ix.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(labels))
	for _, label := range labels {
		cmds[label] = pipe.SCard(ctx, ix.labelKey(label))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	counts := make(map[string]int64, len(labels))
	for label, cmd := range cmds {
		counts[label] = cmd.Val()
	}
	return counts, nil
}

// Reindex upserts every record that has metadata and returns how many were indexed.
func (ix *CaptureIndex) Reindex(ctx context.Context, records iter.Seq[models.CaptureRecord]) (int, error) {
	n := 0
	for rec := range records {
		if !rec.HasMetadata() {
			continue
		}
		if err := ix.Upsert(ctx, &rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// splitIndexedLabels reads the labels field back. Entries written before
// labels were stored as a JSON array are newline-joined.
func splitIndexedLabels(s string) []string {
	if s == "" {
		return nil
	}
	var labels []string
	if err := json.Unmarshal([]byte(s), &labels); err == nil {
		return labels
	}
	return strings.Split(s, "\n")
}
