package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/model"
	registryembed "github.com/recallio/recall/internal/registry/embed"
	registrystore "github.com/recallio/recall/internal/registry/store"
	registryvector "github.com/recallio/recall/internal/registry/vector"
	"github.com/recallio/recall/internal/security"
)

// TaskTypeIndexRetry re-drives vector indexing for entries whose write-time
// attempt failed. The task name equals the type, so the live-name unique index
// keeps at most one instance queued or running.
const TaskTypeIndexRetry = "vector_store_index_retry"

// Indexer embeds indexed content and upserts it into the vector store. The
// write path calls IndexEntries inline; when that fails, the singleton retry
// task drains the backlog through IndexPending.
type Indexer struct {
	store    registrystore.MemoryStore
	embedder registryembed.Embedder
	vector   registryvector.Store
	batch    int
}

func NewIndexer(store registrystore.MemoryStore, embedder registryembed.Embedder, vector registryvector.Store, cfg *config.Config) *Indexer {
	return &Indexer{
		store:    store,
		embedder: embedder,
		vector:   vector,
		batch:    cfg.VectorIndexerBatchSize,
	}
}

// Enabled reports whether both an embedder and a vector store are wired.
func (ix *Indexer) Enabled() bool {
	return ix.embedder != nil && ix.vector != nil && ix.vector.IsEnabled()
}

// IndexEntries embeds the given entries, upserts the vectors, and stamps
// indexedAt. Entries without indexed content are skipped. Returns the number
// indexed.
func (ix *Indexer) IndexEntries(ctx context.Context, entries []model.Entry) (int, error) {
	if !ix.Enabled() {
		return 0, nil
	}

	var candidates []model.Entry
	var texts []string
	for _, e := range entries {
		if e.IndexedContent != nil && *e.IndexedContent != "" {
			candidates = append(candidates, e)
			texts = append(texts, *e.IndexedContent)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	embeddings, err := ix.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}

	upserts := make([]registryvector.Upsert, len(candidates))
	for i, e := range candidates {
		upserts[i] = registryvector.Upsert{
			ConversationGroupID: e.ConversationGroupID,
			ConversationID:      e.ConversationID,
			EntryID:             e.ID,
			Embedding:           embeddings[i],
			ModelName:           ix.embedder.ModelName(),
		}
	}
	if err := ix.vector.Upsert(ctx, upserts); err != nil {
		return 0, fmt.Errorf("vector upsert: %w", err)
	}

	now := time.Now()
	count := 0
	for _, e := range candidates {
		if err := ix.store.SetIndexedAt(ctx, e.ID, e.ConversationGroupID, now); err != nil {
			log.Error("Indexer: set indexed_at failed", "entryId", e.ID, "err", err)
			continue
		}
		count++
	}
	if count > 0 && security.EntriesIndexedTotal != nil {
		security.EntriesIndexedTotal.Add(float64(count))
	}
	return count, nil
}

// IndexPending drains one batch of entries awaiting indexing. more is true
// when a full batch came back and another pass is worth scheduling.
func (ix *Indexer) IndexPending(ctx context.Context) (more bool, err error) {
	entries, err := ix.store.FindEntriesPendingVectorIndexing(ctx, ix.batch)
	if err != nil {
		return false, fmt.Errorf("find pending entries: %w", err)
	}
	if len(entries) == 0 {
		return false, nil
	}
	count, err := ix.IndexEntries(ctx, entries)
	if err != nil {
		return false, err
	}
	log.Info("Indexer: indexed entries", "count", count)
	return len(entries) == ix.batch, nil
}

// EnqueueRetry schedules the singleton retry task. Enqueues while one is
// already live return the live task.
func (ix *Indexer) EnqueueRetry(ctx context.Context) error {
	name := TaskTypeIndexRetry
	_, err := ix.store.EnqueueTask(ctx, TaskTypeIndexRetry, &name, nil, nil)
	return err
}
