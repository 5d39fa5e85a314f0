package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/moltbot/ledgerd/internal/model"
)

// OutboxRepository 本地消息表仓储，保证外发至少一次
type OutboxRepository struct {
	store *Store
}

// NewOutboxRepository 创建 outbox 仓储
func NewOutboxRepository(s *Store) *OutboxRepository {
	return &OutboxRepository{store: s}
}

// Enqueue 入队外发事件
func (r *OutboxRepository) Enqueue(ctx context.Context, event *model.OutboxEvent) error {
	if event.Status == "" {
		event.Status = model.OutboxStatusPending
	}
	if event.MaxAttempts == 0 {
		event.MaxAttempts = 5
	}
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Create(event).Error
	})
}

// FetchDue 取出到期的待发送事件
func (r *OutboxRepository) FetchDue(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	var events []*model.OutboxEvent
	now := time.Now().UnixMilli()
	err := r.store.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", model.OutboxStatusPending, now).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("fetch due outbox events: %w", err)
	}
	return events, nil
}

// MarkSent 标记已发出，等待送达确认
func (r *OutboxRepository) MarkSent(ctx context.Context, id int64) error {
	now := time.Now().UnixMilli()
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Model(&model.OutboxEvent{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":     model.OutboxStatusSent,
				"sent_at":    now,
				"updated_at": now,
			}).Error
	})
}

// MarkAck 标记送达确认
func (r *OutboxRepository) MarkAck(ctx context.Context, id int64) error {
	now := time.Now().UnixMilli()
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Model(&model.OutboxEvent{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":     model.OutboxStatusAck,
				"sent_at":    now,
				"updated_at": now,
			}).Error
	})
}

// MarkFailed 记录失败并按退避时间安排下一次重试
// 超过重试上限置 FAILED
func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, dispatchErr error, nextAttemptAt int64) error {
	errMsg := ""
	if dispatchErr != nil {
		errMsg = dispatchErr.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500]
		}
	}

	now := time.Now().UnixMilli()
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Exec(`
			UPDATE outbox_events
			SET attempts = attempts + 1,
			    last_error = ?,
			    next_attempt_at = ?,
			    updated_at = ?,
			    status = CASE WHEN attempts + 1 >= max_attempts THEN 'FAILED' ELSE 'PENDING' END
			WHERE id = ?
		`, errMsg, nextAttemptAt, now, id).Error
	})
}

// RecoverStaleSent 把长期未确认的 SENT 事件放回 PENDING 重投
func (r *OutboxRepository) RecoverStaleSent(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleThreshold).UnixMilli()
	var affected int64
	err := r.store.withRetry(ctx, func(db *gorm.DB) error {
		result := db.Model(&model.OutboxEvent{}).
			Where("status = ? AND sent_at < ?", model.OutboxStatusSent, cutoff).
			Updates(map[string]interface{}{
				"status":          model.OutboxStatusPending,
				"next_attempt_at": time.Now().UnixMilli(),
				"updated_at":      time.Now().UnixMilli(),
			})
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected
		return nil
	})
	return affected, err
}

// Depth 待发送积压深度，超阈值触发自监控告警
func (r *OutboxRepository) Depth(ctx context.Context) (int64, error) {
	var count int64
	err := r.store.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("status = ?", model.OutboxStatusPending).
		Count(&count).Error
	return count, err
}

// CleanAcked 清理已确认的历史事件
func (r *OutboxRepository) CleanAcked(ctx context.Context, beforeMillis int64) (int64, error) {
	var affected int64
	err := r.store.withRetry(ctx, func(db *gorm.DB) error {
		result := db.Where("status = ? AND sent_at < ?", model.OutboxStatusAck, beforeMillis).
			Delete(&model.OutboxEvent{})
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected
		return nil
	})
	return affected, err
}
