package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/recallio/recall/internal/config"
	registrystore "github.com/recallio/recall/internal/registry/store"
	"github.com/recallio/recall/internal/security"
)

// Resource types the eviction engine accepts.
const (
	ResourceConversationGroups      = "conversation_groups"
	ResourceConversationMemberships = "conversation_memberships"
)

// EvictionEngine hard-deletes rows soft-deleted longer than a retention
// period. Concurrent runs may pick overlapping group batches; the deletes are
// idempotent, so a group removed by another runner just drops out of this
// runner's batch. Membership reaping claims and deletes in one statement with
// SKIP LOCKED.
type EvictionEngine struct {
	store      registrystore.MemoryStore
	batchSize  int
	batchDelay time.Duration
}

func NewEvictionEngine(store registrystore.MemoryStore, cfg *config.Config) *EvictionEngine {
	return &EvictionEngine{
		store:      store,
		batchSize:  cfg.EvictionBatchSize,
		batchDelay: time.Duration(cfg.EvictionBatchDelay) * time.Millisecond,
	}
}

// Run evicts the named resource types. onProgress receives a percentage after
// each batch, capped at 99; the caller emits the final 100 once Run returns.
// Progress is estimated from upfront counts and is approximate when evictions
// run concurrently.
func (e *EvictionEngine) Run(ctx context.Context, retention time.Duration, resourceTypes []string, onProgress func(percent int)) error {
	cutoff := time.Now().Add(-retention)

	batchesTotal := 0
	for _, rt := range resourceTypes {
		var count int64
		var err error
		switch rt {
		case ResourceConversationGroups:
			count, err = e.store.CountEvictableGroups(ctx, cutoff)
		case ResourceConversationMemberships:
			count, err = e.store.CountEvictableMemberships(ctx, cutoff)
		default:
			return fmt.Errorf("unknown resource type %q", rt)
		}
		if err != nil {
			return fmt.Errorf("eviction estimate for %s: %w", rt, err)
		}
		batchesTotal += int((count + int64(e.batchSize) - 1) / int64(e.batchSize))
	}
	if batchesTotal == 0 {
		return nil
	}

	log.Info("Eviction: starting", "cutoff", cutoff, "resourceTypes", resourceTypes, "batches", batchesTotal)
	batchesDone := 0
	emit := func() {
		batchesDone++
		if onProgress == nil {
			return
		}
		pct := batchesDone * 100 / batchesTotal
		if pct > 99 {
			pct = 99
		}
		onProgress(pct)
	}

	for _, rt := range resourceTypes {
		var err error
		switch rt {
		case ResourceConversationGroups:
			err = e.evictGroups(ctx, cutoff, emit)
		case ResourceConversationMemberships:
			err = e.evictMemberships(ctx, cutoff, emit)
		}
		if err != nil {
			return err
		}
	}
	log.Info("Eviction: completed", "batches", batchesDone)
	return nil
}

func (e *EvictionEngine) evictGroups(ctx context.Context, cutoff time.Time, emit func()) error {
	evicted := 0
	for {
		ids, err := e.store.FindEvictableGroupIDs(ctx, cutoff, e.batchSize)
		if err != nil {
			return fmt.Errorf("eviction: find groups: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		// Vector cleanup tasks go in before the hard delete, while the group
		// ids still resolve.
		for _, id := range ids {
			body := map[string]interface{}{"conversationGroupId": id.String()}
			if _, err := e.store.EnqueueTask(ctx, TaskTypeVectorDelete, nil, body, nil); err != nil {
				log.Error("Eviction: enqueue vector delete failed", "groupId", id, "err", err)
			}
		}
		if err := e.store.HardDeleteConversationGroups(ctx, ids); err != nil {
			return fmt.Errorf("eviction: hard delete groups: %w", err)
		}
		evicted += len(ids)
		if security.GroupsEvictedTotal != nil {
			security.GroupsEvictedTotal.Add(float64(len(ids)))
		}
		emit()
		if err := e.pause(ctx); err != nil {
			return err
		}
	}
	if evicted > 0 {
		log.Info("Eviction: groups removed", "count", evicted)
	}
	return nil
}

func (e *EvictionEngine) evictMemberships(ctx context.Context, cutoff time.Time, emit func()) error {
	for {
		n, err := e.store.HardDeleteEvictableMemberships(ctx, cutoff, e.batchSize)
		if err != nil {
			return fmt.Errorf("eviction: memberships: %w", err)
		}
		if n == 0 {
			return nil
		}
		emit()
		if err := e.pause(ctx); err != nil {
			return err
		}
	}
}

func (e *EvictionEngine) pause(ctx context.Context) error {
	if e.batchDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.batchDelay):
		return nil
	}
}

// --- Async jobs ---

type EvictionJobState string

const (
	EvictionJobPending   EvictionJobState = "PENDING"
	EvictionJobRunning   EvictionJobState = "RUNNING"
	EvictionJobCompleted EvictionJobState = "COMPLETED"
	EvictionJobFailed    EvictionJobState = "FAILED"
)

// EvictionJob is one async eviction run.
type EvictionJob struct {
	ID        uuid.UUID        `json:"id"`
	State     EvictionJobState `json:"state"`
	Progress  int              `json:"progress"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// EvictionJobs is a bounded in-process registry of async eviction runs. Jobs
// do not survive a restart; callers that need durability poll synchronously.
type EvictionJobs struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*EvictionJob
	order []uuid.UUID
	limit int
}

func NewEvictionJobs() *EvictionJobs {
	return &EvictionJobs{
		jobs:  map[uuid.UUID]*EvictionJob{},
		limit: 100,
	}
}

// Start registers a job and runs the engine on a goroutine bound to ctx,
// which should be the server lifetime rather than the request.
func (r *EvictionJobs) Start(ctx context.Context, engine *EvictionEngine, retention time.Duration, resourceTypes []string) uuid.UUID {
	job := &EvictionJob{ID: uuid.New(), State: EvictionJobPending, CreatedAt: time.Now()}

	r.mu.Lock()
	if len(r.order) >= r.limit {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.jobs, oldest)
	}
	r.jobs[job.ID] = job
	r.order = append(r.order, job.ID)
	r.mu.Unlock()

	go func() {
		r.update(job.ID, func(j *EvictionJob) { j.State = EvictionJobRunning })
		err := engine.Run(ctx, retention, resourceTypes, func(pct int) {
			r.update(job.ID, func(j *EvictionJob) { j.Progress = pct })
		})
		if err != nil {
			log.Error("Eviction job failed", "jobId", job.ID, "err", err)
			r.update(job.ID, func(j *EvictionJob) {
				j.State = EvictionJobFailed
				j.Error = err.Error()
			})
			return
		}
		r.update(job.ID, func(j *EvictionJob) {
			j.State = EvictionJobCompleted
			j.Progress = 100
		})
	}()
	return job.ID
}

// Get returns a snapshot of the job, or nil when unknown or already rotated
// out of the registry.
func (r *EvictionJobs) Get(id uuid.UUID) *EvictionJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil
	}
	snapshot := *job
	return &snapshot
}

func (r *EvictionJobs) update(id uuid.UUID, fn func(*EvictionJob)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		fn(job)
	}
}
