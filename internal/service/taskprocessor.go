package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/model"
	registrystore "github.com/recallio/recall/internal/registry/store"
	registryvector "github.com/recallio/recall/internal/registry/vector"
	"github.com/recallio/recall/internal/security"
)

// TaskTypeVectorDelete removes a conversation group's embeddings after the
// group is hard-deleted. Enqueued by eviction while the group ids still
// resolve.
const TaskTypeVectorDelete = "vector_store_delete"

// errMalformedTask marks failures retries cannot fix; the task goes straight
// to failed.
var errMalformedTask = errors.New("malformed task body")

// TaskProcessor drains the durable task queue. Claims use SKIP LOCKED, so any
// number of replicas can run a processor against the same database.
type TaskProcessor struct {
	store        registrystore.MemoryStore
	vector       registryvector.Store
	indexer      *Indexer
	interval     time.Duration
	retryDelay   time.Duration
	batchSize    int
	maxAttempts  int
	stuckTimeout time.Duration
}

// NewTaskProcessor builds a processor with the queue tuning from cfg.
func NewTaskProcessor(store registrystore.MemoryStore, vector registryvector.Store, indexer *Indexer, cfg *config.Config) *TaskProcessor {
	return &TaskProcessor{
		store:        store,
		vector:       vector,
		indexer:      indexer,
		interval:     cfg.TasksPollInterval,
		retryDelay:   cfg.TasksRetryDelay,
		batchSize:    cfg.TasksClaimBatchSize,
		maxAttempts:  cfg.TasksMaxAttempts,
		stuckTimeout: cfg.TasksStuckTimeout,
	}
}

// Start runs the polling loop until ctx is cancelled.
func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *TaskProcessor) runOnce(ctx context.Context) {
	if p.stuckTimeout > 0 {
		reaped, err := p.store.ReapStuckTasks(ctx, p.stuckTimeout)
		if err != nil {
			log.Error("Task queue: reap stuck tasks failed", "err", err)
		} else if reaped > 0 {
			log.Warn("Task queue: re-armed stuck tasks", "count", reaped)
		}
	}

	for {
		tasks, err := p.store.ClaimReadyTasks(ctx, p.batchSize)
		if err != nil {
			log.Error("Task queue: claim failed", "err", err)
			return
		}
		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			p.dispatch(ctx, task)
		}
		if len(tasks) < p.batchSize {
			return
		}
	}
}

func (p *TaskProcessor) dispatch(ctx context.Context, task model.Task) {
	requeue, err := p.execute(ctx, task)
	if err == nil {
		if cErr := p.store.CompleteTask(ctx, task.ID); cErr != nil {
			log.Error("Task queue: complete failed", "taskId", task.ID, "err", cErr)
		}
		p.observe(task.Type, "ok")
		if requeue {
			// Completion deleted the row, so the singleton name is free again.
			if _, rErr := p.store.EnqueueTask(ctx, task.Type, task.Name, task.Body, nil); rErr != nil {
				log.Error("Task queue: re-enqueue failed", "type", task.Type, "err", rErr)
			}
		}
		return
	}

	if errors.Is(err, errMalformedTask) {
		log.Error("Task queue: unprocessable task", "taskId", task.ID, "type", task.Type, "err", err)
		if dErr := p.store.MarkTaskDead(ctx, task.ID, err.Error()); dErr != nil {
			log.Error("Task queue: mark dead failed", "taskId", task.ID, "err", dErr)
		}
		p.observe(task.Type, "dead")
		return
	}

	// Attempts counts prior failures; this failure makes attempts+1.
	if p.maxAttempts > 0 && task.Attempts+1 >= p.maxAttempts {
		log.Error("Task queue: task exhausted retries", "taskId", task.ID, "type", task.Type, "attempts", task.Attempts+1, "err", err)
		if dErr := p.store.MarkTaskDead(ctx, task.ID, err.Error()); dErr != nil {
			log.Error("Task queue: mark dead failed", "taskId", task.ID, "err", dErr)
		}
		p.observe(task.Type, "dead")
		return
	}

	log.Error("Task queue: task failed, will retry", "taskId", task.ID, "type", task.Type, "err", err)
	if fErr := p.store.FailTask(ctx, task.ID, err.Error(), p.retryDelay); fErr != nil {
		log.Error("Task queue: fail record failed", "taskId", task.ID, "err", fErr)
	}
	p.observe(task.Type, "retry")
}

func (p *TaskProcessor) observe(taskType, outcome string) {
	if security.TasksProcessedTotal != nil {
		security.TasksProcessedTotal.WithLabelValues(taskType, outcome).Inc()
	}
}

func (p *TaskProcessor) execute(ctx context.Context, task model.Task) (requeue bool, err error) {
	switch task.Type {
	case TaskTypeVectorDelete:
		return false, p.deleteGroupVectors(ctx, task.Body)
	case TaskTypeIndexRetry:
		if p.indexer == nil || !p.indexer.Enabled() {
			return false, nil
		}
		return p.indexer.IndexPending(ctx)
	default:
		return false, fmt.Errorf("%w: unknown task type %s", errMalformedTask, task.Type)
	}
}

func (p *TaskProcessor) deleteGroupVectors(ctx context.Context, body map[string]any) error {
	if p.vector == nil || !p.vector.IsEnabled() {
		return nil
	}
	groupIDStr, ok := body["conversationGroupId"].(string)
	if !ok {
		return fmt.Errorf("%w: missing conversationGroupId", errMalformedTask)
	}
	groupID, err := uuid.Parse(groupIDStr)
	if err != nil {
		return fmt.Errorf("%w: conversationGroupId %q", errMalformedTask, groupIDStr)
	}
	return p.vector.DeleteGroup(ctx, groupID)
}
