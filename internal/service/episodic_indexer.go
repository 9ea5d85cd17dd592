package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/recallio/recall/internal/config"
	registryembed "github.com/recallio/recall/internal/registry/embed"
	registryepisodic "github.com/recallio/recall/internal/registry/episodic"
)

// ErrIndexRunInFlight is returned by Trigger when a cycle is already running.
var ErrIndexRunInFlight = errors.New("an indexing run is already in flight")

// EpisodicIndexer drains memories with indexed_at IS NULL. Active rows get
// their selected value fields embedded and upserted as one vector per field;
// soft-deleted rows get their vectors removed. Either way the row is stamped
// so it leaves the pending set.
type EpisodicIndexer struct {
	store    registryepisodic.EpisodicStore
	embedder registryembed.Embedder
	interval time.Duration
	batch    int
	running  atomic.Bool
}

// NewEpisodicIndexer builds the indexer. A nil embedder still runs the
// cleanup side: soft-deleted rows lose their vectors, active rows are stamped
// without vectors.
func NewEpisodicIndexer(store registryepisodic.EpisodicStore, embedder registryembed.Embedder, cfg *config.Config) *EpisodicIndexer {
	return &EpisodicIndexer{
		store:    store,
		embedder: embedder,
		interval: cfg.EpisodicIndexerInterval,
		batch:    cfg.EpisodicIndexerBatchSize,
	}
}

// EpisodicIndexStats summarizes one indexing cycle.
type EpisodicIndexStats struct {
	Pending   int `json:"pending"`
	Indexed   int `json:"indexed"`
	Unindexed int `json:"unindexed"`
	Skipped   int `json:"skipped"`
	Embedded  int `json:"embedded"`
	Failures  int `json:"failures"`
}

// Start runs cycles on a ticker until ctx is cancelled.
func (idx *EpisodicIndexer) Start(ctx context.Context) {
	if idx == nil || idx.store == nil || idx.interval <= 0 {
		return
	}
	ticker := time.NewTicker(idx.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := idx.Trigger(ctx); err != nil && !errors.Is(err, ErrIndexRunInFlight) {
				log.Error("Episodic indexer: cycle failed", "err", err)
			}
		}
	}
}

// Trigger runs one cycle synchronously. At most one cycle runs at a time;
// overlapping triggers return ErrIndexRunInFlight instead of queueing.
func (idx *EpisodicIndexer) Trigger(ctx context.Context) (EpisodicIndexStats, error) {
	if idx == nil || idx.store == nil {
		return EpisodicIndexStats{}, nil
	}
	if !idx.running.CompareAndSwap(false, true) {
		return EpisodicIndexStats{}, ErrIndexRunInFlight
	}
	defer idx.running.Store(false)
	return idx.runOnce(ctx), nil
}

func (idx *EpisodicIndexer) runOnce(ctx context.Context) EpisodicIndexStats {
	var stats EpisodicIndexStats
	pending, err := idx.store.FindMemoriesPendingIndexing(ctx, idx.batch)
	if err != nil {
		log.Error("Episodic indexer: find pending failed", "err", err)
		stats.Failures++
		return stats
	}
	stats.Pending = len(pending)
	for _, m := range pending {
		if m.DeletedAt != nil {
			idx.unindex(ctx, &stats, m)
		} else {
			idx.index(ctx, &stats, m)
		}
	}
	return stats
}

func (idx *EpisodicIndexer) unindex(ctx context.Context, stats *EpisodicIndexStats, m registryepisodic.PendingMemory) {
	if err := idx.store.DeleteMemoryVectors(ctx, m.ID); err != nil {
		log.Warn("Episodic indexer: delete vectors failed", "id", m.ID, "err", err)
		stats.Failures++
		return
	}
	stats.Unindexed++
	idx.stamp(ctx, stats, m.ID)
}

func (idx *EpisodicIndexer) index(ctx context.Context, stats *EpisodicIndexStats, m registryepisodic.PendingMemory) {
	if m.IndexDisabled || idx.embedder == nil || len(m.Value) == 0 {
		stats.Skipped++
		idx.stamp(ctx, stats, m.ID)
		return
	}

	fields := indexableFields(m.Value, m.IndexFields)
	if len(fields) == 0 {
		stats.Skipped++
		idx.stamp(ctx, stats, m.ID)
		return
	}

	texts := make([]string, len(fields))
	for i, f := range fields {
		texts[i] = f.text
	}
	// Embed failures leave the row unstamped so the next cycle retries it.
	embeddings, err := idx.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		log.Warn("Episodic indexer: embed failed", "id", m.ID, "err", err)
		stats.Failures++
		return
	}
	stats.Embedded += len(embeddings)

	upserts := make([]registryepisodic.MemoryVectorUpsert, len(fields))
	for i, f := range fields {
		upserts[i] = registryepisodic.MemoryVectorUpsert{
			MemoryID:         m.ID,
			FieldName:        f.name,
			Namespace:        m.Namespace,
			PolicyAttributes: m.PolicyAttributes,
			Embedding:        embeddings[i],
		}
	}
	if err := idx.store.UpsertMemoryVectors(ctx, upserts); err != nil {
		log.Warn("Episodic indexer: upsert vectors failed", "id", m.ID, "err", err)
		stats.Failures++
		return
	}
	stats.Indexed++
	idx.stamp(ctx, stats, m.ID)
}

func (idx *EpisodicIndexer) stamp(ctx context.Context, stats *EpisodicIndexStats, id uuid.UUID) {
	if err := idx.store.SetMemoryIndexedAt(ctx, id, time.Now()); err != nil {
		log.Error("Episodic indexer: set indexed_at failed", "id", id, "err", err)
		stats.Failures++
	}
}

// indexedField is one string leaf selected for embedding.
type indexedField struct {
	name string
	text string
}

// indexableFields parses a memory value and returns the non-empty string
// fields to embed, in a stable order. An empty selection means every string
// leaf; explicit selections may use dotted paths into nested objects.
func indexableFields(value []byte, selected []string) []indexedField {
	if len(value) == 0 {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(value, &obj); err != nil {
		return nil
	}

	if len(selected) > 0 {
		fields := make([]indexedField, 0, len(selected))
		for _, path := range selected {
			if text, ok := stringAtPath(obj, path); ok && text != "" {
				fields = append(fields, indexedField{name: path, text: text})
			}
		}
		return fields
	}

	var fields []indexedField
	appendStringLeaves(obj, &fields)
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })
	return fields
}

// appendStringLeaves collects string leaves recursively. Nested leaves keep
// their own key; a duplicate key overwrites nothing here, the vector store
// upsert keyed by (memory, field) resolves last-wins.
func appendStringLeaves(obj map[string]interface{}, out *[]indexedField) {
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			if val != "" {
				*out = append(*out, indexedField{name: k, text: val})
			}
		case map[string]interface{}:
			appendStringLeaves(val, out)
		}
	}
}

func stringAtPath(obj map[string]interface{}, path string) (string, bool) {
	if obj == nil || path == "" {
		return "", false
	}
	current := interface{}(obj)
	parts := strings.Split(path, ".")
	for i, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return "", false
		}
		v, exists := m[part]
		if !exists {
			return "", false
		}
		if i == len(parts)-1 {
			s, ok := v.(string)
			return s, ok
		}
		current = v
	}
	return "", false
}
