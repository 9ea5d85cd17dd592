package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/recallio/recall/internal/config"
	registryepisodic "github.com/recallio/recall/internal/registry/episodic"
)

// EpisodicTTL expires memories past their TTL and reclaims storage from rows
// the indexer has already de-vectored. Deleted rows are first emptied to
// tombstones so the event feed keeps its timeline, then dropped for good once
// the retention window passes.
type EpisodicTTL struct {
	store     registryepisodic.EpisodicStore
	interval  time.Duration
	batch     int
	retention time.Duration
}

func NewEpisodicTTL(store registryepisodic.EpisodicStore, cfg *config.Config) *EpisodicTTL {
	return &EpisodicTTL{
		store:     store,
		interval:  cfg.EpisodicTTLInterval,
		batch:     cfg.EpisodicEvictionBatchSize,
		retention: cfg.EpisodicTombstoneRetention,
	}
}

// Start runs sweeps until ctx is cancelled.
func (s *EpisodicTTL) Start(ctx context.Context) {
	if s == nil || s.store == nil || s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *EpisodicTTL) sweep(ctx context.Context) {
	n, err := s.store.ExpireMemories(ctx)
	s.report("memories expired", n, err)

	n, err = s.store.HardDeleteEvictableUpdates(ctx, s.batch)
	s.report("superseded rows dropped", n, err)

	n, err = s.store.TombstoneDeletedMemories(ctx, s.batch)
	s.report("rows tombstoned", n, err)

	if s.retention > 0 {
		n, err = s.store.HardDeleteExpiredTombstones(ctx, time.Now().Add(-s.retention), s.batch)
		s.report("tombstones dropped", n, err)
	}
}

func (s *EpisodicTTL) report(pass string, n int64, err error) {
	if err != nil {
		log.Error("Episodic TTL: pass failed", "pass", pass, "err", err)
		return
	}
	if n > 0 {
		log.Info("Episodic TTL: "+pass, "count", n)
	}
}
