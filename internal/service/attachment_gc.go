package service

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/recallio/recall/internal/config"
	registryattach "github.com/recallio/recall/internal/registry/attach"
	registrystore "github.com/recallio/recall/internal/registry/store"
)

const attachmentGCBatchSize = 200

// AttachmentGC removes expired unlinked attachments and their blobs. Linked
// attachments never expire. Row claims use SKIP LOCKED, so replicas share the
// sweep without deleting the same row twice.
type AttachmentGC struct {
	store    registrystore.MemoryStore
	blobs    registryattach.BlobStore
	interval time.Duration
}

func NewAttachmentGC(store registrystore.MemoryStore, blobs registryattach.BlobStore, cfg *config.Config) *AttachmentGC {
	return &AttachmentGC{
		store:    store,
		blobs:    blobs,
		interval: cfg.AttachmentCleanupInterval,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (gc *AttachmentGC) Start(ctx context.Context) {
	if gc == nil || gc.store == nil || gc.interval <= 0 {
		return
	}
	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.sweep(ctx)
		}
	}
}

func (gc *AttachmentGC) sweep(ctx context.Context) {
	removed := 0
	for {
		deleted, err := gc.store.DeleteExpiredAttachments(ctx, time.Now(), attachmentGCBatchSize)
		if err != nil {
			log.Error("Attachment GC: delete expired failed", "err", err)
			return
		}
		if len(deleted) == 0 {
			break
		}
		removed += len(deleted)
		for _, att := range deleted {
			gc.deleteBlob(ctx, att.StorageKey)
		}
		if len(deleted) < attachmentGCBatchSize {
			break
		}
	}
	if removed > 0 {
		log.Info("Attachment GC: removed expired attachments", "count", removed)
	}
}

// deleteBlob drops the payload once no attachment row references the storage
// key anymore. Uploads dedupe blobs by digest, so a key may outlive any one
// row.
func (gc *AttachmentGC) deleteBlob(ctx context.Context, storageKey *string) {
	if gc.blobs == nil || storageKey == nil || *storageKey == "" {
		return
	}
	_, err := gc.store.AdminGetAttachmentByStorageKey(ctx, *storageKey)
	if err == nil {
		return
	}
	var notFound *registrystore.NotFoundError
	if !errors.As(err, &notFound) {
		log.Warn("Attachment GC: storage key lookup failed, keeping blob", "storageKey", *storageKey, "err", err)
		return
	}
	if err := gc.blobs.Delete(ctx, *storageKey); err != nil {
		log.Warn("Attachment GC: blob delete failed", "storageKey", *storageKey, "err", err)
	}
}
