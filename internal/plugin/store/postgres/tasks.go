package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/recallio/recall/internal/model"
	"gorm.io/gorm"
)

// --- Task queue ---

// EnqueueTask inserts a pending task. A non-empty name makes the insert
// idempotent: while a named task is live (pending or processing), further
// enqueues return the live task's id instead of inserting a duplicate.
func (s *PostgresStore) EnqueueTask(ctx context.Context, taskType string, name *string, body map[string]interface{}, availableAt *time.Time) (uuid.UUID, error) {
	if body == nil {
		body = map[string]interface{}{}
	}
	var taskName *string
	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed != "" {
			taskName = &trimmed
		}
	}

	now := time.Now()
	task := model.Task{
		ID:          uuid.New(),
		Name:        taskName,
		Type:        taskType,
		Body:        body,
		Status:      model.TaskPending,
		AvailableAt: now,
		CreatedAt:   now,
	}
	if availableAt != nil {
		task.AvailableAt = *availableAt
	}

	err := s.db.WithContext(ctx).Create(&task).Error
	if err == nil {
		return task.ID, nil
	}
	if taskName != nil && isUniqueViolation(err, "tasks_live_name_unique") {
		var existing model.Task
		result := s.db.WithContext(ctx).
			Where("name = ? AND status <> ?", *taskName, model.TaskFailed).
			Limit(1).
			Find(&existing)
		if result.Error == nil && result.RowsAffected > 0 {
			return existing.ID, nil
		}
		// The live task finished between our insert and the lookup; surface
		// the conflict so the caller re-enqueues.
	}
	return uuid.Nil, fmt.Errorf("failed to enqueue task: %w", err)
}

// ClaimReadyTasks atomically moves up to limit ready tasks into processing.
// SKIP LOCKED keeps concurrent workers from claiming the same rows.
func (s *PostgresStore) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.WithContext(ctx).Raw(`
		WITH claimed AS (
			SELECT id
			FROM tasks
			WHERE status = 'pending' AND available_at <= NOW()
			ORDER BY available_at, created_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET status = 'processing', processing_at = NOW()
		FROM claimed
		WHERE t.id = claimed.id
		RETURNING t.*
	`, limit).Scan(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	return tasks, nil
}

// CompleteTask removes a finished task; completion leaves no row behind.
func (s *PostgresStore) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	return s.db.WithContext(ctx).Where("id = ?", taskID).Delete(&model.Task{}).Error
}

// FailTask re-arms a task as pending after retryDelay and records the error.
func (s *PostgresStore) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	return s.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", taskID).Updates(map[string]interface{}{
		"status":        model.TaskPending,
		"processing_at": nil,
		"attempts":      gorm.Expr("attempts + 1"),
		"last_error":    errMsg,
		"available_at":  time.Now().Add(retryDelay),
	}).Error
}

// MarkTaskDead parks a task as failed. Dead tasks release their name and are
// never claimed again.
func (s *PostgresStore) MarkTaskDead(ctx context.Context, taskID uuid.UUID, errMsg string) error {
	return s.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", taskID).Updates(map[string]interface{}{
		"status":        model.TaskFailed,
		"processing_at": nil,
		"attempts":      gorm.Expr("attempts + 1"),
		"last_error":    errMsg,
	}).Error
}

// ReapStuckTasks re-arms processing tasks whose worker died mid-flight.
func (s *PostgresStore) ReapStuckTasks(ctx context.Context, stuckFor time.Duration) (int64, error) {
	result := s.db.WithContext(ctx).Model(&model.Task{}).
		Where("status = ? AND processing_at < ?", model.TaskProcessing, time.Now().Add(-stuckFor)).
		Updates(map[string]interface{}{
			"status":        model.TaskPending,
			"processing_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reap stuck tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}
