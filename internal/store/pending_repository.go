package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/moltbot/ledgerd/internal/model"
)

// PendingRepository 影子分录仓储
type PendingRepository struct {
	store *Store
}

// NewPendingRepository 创建影子分录仓储
func NewPendingRepository(s *Store) *PendingRepository {
	return &PendingRepository{store: s}
}

// Create 写入影子分录，trace_id 冲突按幂等处理
func (r *PendingRepository) Create(ctx context.Context, entry *model.PendingEntry) error {
	err := r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Create(entry).Error
	})
	if isDuplicateKeyError(err) {
		return ErrDuplicateTrace
	}
	return err
}

// GetByID 按主键查询
func (r *PendingRepository) GetByID(ctx context.Context, id int64) (*model.PendingEntry, error) {
	var entry model.PendingEntry
	err := r.store.db.WithContext(ctx).First(&entry, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// ListUnreconciled 分页取待对账行，对账引擎批处理入口
func (r *PendingRepository) ListUnreconciled(ctx context.Context, limit, offset int) ([]*model.PendingEntry, error) {
	var entries []*model.PendingEntry
	err := r.store.db.WithContext(ctx).
		Where("status = ?", model.PendingStatusUnreconciled).
		Order("id ASC").
		Limit(limit).Offset(offset).
		Find(&entries).Error
	return entries, err
}

// MarkMatched 标记为已匹配，记录目标流水与得分
func (r *PendingRepository) MarkMatched(ctx context.Context, id, ledgerID int64, score float64) error {
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		result := db.Model(&model.PendingEntry{}).
			Where("id = ? AND status = ?", id, model.PendingStatusUnreconciled).
			Updates(map[string]interface{}{
				"status":            model.PendingStatusMatched,
				"matched_ledger_id": ledgerID,
				"match_score":       score,
				"updated_at":        time.Now().UnixMilli(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// MarkReconciled 对账完成
func (r *PendingRepository) MarkReconciled(ctx context.Context, id int64) error {
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		result := db.Model(&model.PendingEntry{}).
			Where("id = ? AND status IN ?", id,
				[]model.PendingStatus{model.PendingStatusUnreconciled, model.PendingStatusMatched}).
			Updates(map[string]interface{}{
				"status":     model.PendingStatusReconciled,
				"updated_at": time.Now().UnixMilli(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// MarkGroupReconciled 批量确认一组已匹配行，一次事务内全量翻转
func (r *PendingRepository) MarkGroupReconciled(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&model.PendingEntry{}).
				Where("id IN ? AND status = ?", ids, model.PendingStatusMatched).
				Updates(map[string]interface{}{
					"status":     model.PendingStatusReconciled,
					"updated_at": time.Now().UnixMilli(),
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected != int64(len(ids)) {
				return ErrNotFound
			}
			return nil
		})
	})
}

// ClearMatch 匹配作废，回到待对账
func (r *PendingRepository) ClearMatch(ctx context.Context, id int64) error {
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		result := db.Model(&model.PendingEntry{}).
			Where("id = ? AND status = ?", id, model.PendingStatusMatched).
			Updates(map[string]interface{}{
				"status":            model.PendingStatusUnreconciled,
				"matched_ledger_id": 0,
				"match_score":       0,
				"updated_at":        time.Now().UnixMilli(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListStaleUnmatched 超时仍未对上且未催办过凭证的行，凭证追索用
func (r *PendingRepository) ListStaleUnmatched(ctx context.Context, olderThan time.Duration, limit int) ([]*model.PendingEntry, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	var entries []*model.PendingEntry
	err := r.store.db.WithContext(ctx).
		Where("status = ? AND created_at < ? AND evidence_asked_at = 0",
			model.PendingStatusUnreconciled, cutoff).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// MarkEvidenceAsked 记录催办时间，避免重复打扰
func (r *PendingRepository) MarkEvidenceAsked(ctx context.Context, id int64) error {
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Model(&model.PendingEntry{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"evidence_asked_at": time.Now().UnixMilli(),
				"updated_at":        time.Now().UnixMilli(),
			}).Error
	})
}

// CountByStatus 按状态统计
func (r *PendingRepository) CountByStatus(ctx context.Context, status model.PendingStatus) (int64, error) {
	var count int64
	err := r.store.db.WithContext(ctx).
		Model(&model.PendingEntry{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}
