package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/moltbot/ledgerd/internal/model"
)

// EntryRepository 账本流水仓储，所有写入走哈希链追加
type EntryRepository struct {
	store       *Store
	lockTimeout time.Duration
}

// NewEntryRepository 创建账本流水仓储
func NewEntryRepository(s *Store) *EntryRepository {
	return &EntryRepository{
		store:       s,
		lockTimeout: time.Duration(s.cfg.LockTimeoutS) * time.Second,
	}
}

// Append 追加一条流水并接入哈希链
// trace_id 冲突返回 ErrDuplicateTrace 并回填已存在的行，调用方按幂等成功处理
func (r *EntryRepository) Append(ctx context.Context, entry *model.LedgerEntry) error {
	if r.store.RefuseAppends() {
		return ErrChainViolation
	}

	err := r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			// 链头：最后一条流水的 chain_hash，创世为空串
			var head model.LedgerEntry
			prevHash := ""
			if err := tx.Order("id DESC").Limit(1).First(&head).Error; err == nil {
				prevHash = head.ChainHash
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			entry.PrevHash = prevHash
			entry.ChainHash = entry.ComputeChainHash(prevHash)
			return tx.Create(entry).Error
		})
	})

	if err != nil {
		if isDuplicateKeyError(err) {
			var existing model.LedgerEntry
			if ferr := r.store.db.WithContext(ctx).
				Where("trace_id = ?", entry.TraceID).
				First(&existing).Error; ferr == nil {
				*entry = existing
			}
			return ErrDuplicateTrace
		}
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// GetByID 按主键查询
func (r *EntryRepository) GetByID(ctx context.Context, id int64) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.store.db.WithContext(ctx).First(&entry, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// GetByTraceID 按 trace_id 查询
func (r *EntryRepository) GetByTraceID(ctx context.Context, traceID string) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.store.db.WithContext(ctx).
		Where("trace_id = ?", traceID).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// UpdateStatus 推进非终态行的状态，终态行返回 ErrImmutableEntry
func (r *EntryRepository) UpdateStatus(ctx context.Context, id int64, from, to model.EntryStatus, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	updates["updated_at"] = time.Now().UnixMilli()

	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		result := db.Model(&model.LedgerEntry{}).
			Where("id = ? AND status = ?", id, from).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var entry model.LedgerEntry
			if err := db.First(&entry, id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			if entry.Status.IsTerminal() {
				return ErrImmutableEntry
			}
			return fmt.Errorf("entry %d status is %s, expected %s", id, entry.Status, from)
		}
		return nil
	})
}

// Lock 协作式行锁
// 活跃持有者占用时返回 ErrLocked，持有者超时则接管
func (r *EntryRepository) Lock(ctx context.Context, id int64, owner string) error {
	now := time.Now().UnixMilli()
	staleBefore := time.Now().Add(-r.lockTimeout).UnixMilli()

	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var entry model.LedgerEntry
			if err := tx.First(&entry, id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			if entry.Status.IsTerminal() {
				return ErrImmutableEntry
			}
			if entry.Status == model.EntryStatusLocking &&
				entry.LockOwner != owner &&
				entry.LockedAt > staleBefore {
				return ErrLocked
			}

			result := tx.Model(&model.LedgerEntry{}).
				Where("id = ? AND status = ?", id, entry.Status).
				Updates(map[string]interface{}{
					"status":     model.EntryStatusLocking,
					"lock_owner": owner,
					"locked_at":  now,
					"updated_at": now,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrLocked
			}
			return nil
		})
	})
}

// Unlock 释放行锁并推进到目标状态
func (r *EntryRepository) Unlock(ctx context.Context, id int64, owner string, to model.EntryStatus, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	updates["lock_owner"] = ""
	updates["locked_at"] = 0
	updates["updated_at"] = time.Now().UnixMilli()

	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		result := db.Model(&model.LedgerEntry{}).
			Where("id = ? AND status = ? AND lock_owner = ?", id, model.EntryStatusLocking, owner).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrLocked
		}
		return nil
	})
}

// CleanOrphanLocks 回收持有者失踪的孤儿锁，返回回收行数
func (r *EntryRepository) CleanOrphanLocks(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	var affected int64
	err := r.store.withRetry(ctx, func(db *gorm.DB) error {
		result := db.Model(&model.LedgerEntry{}).
			Where("status = ? AND locked_at < ?", model.EntryStatusLocking, cutoff).
			Updates(map[string]interface{}{
				"status":     model.EntryStatusProposed,
				"lock_owner": "",
				"locked_at":  0,
				"updated_at": time.Now().UnixMilli(),
			})
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected
		return nil
	})
	return affected, err
}

// Revert 红冲：追加一条金额取反的对冲流水并把原流水标记为 REVERTED
// 原流水必须处于 POSTED 或 RISK 状态
func (r *EntryRepository) Revert(ctx context.Context, id int64, traceID, reason string) (*model.LedgerEntry, error) {
	if r.store.RefuseAppends() {
		return nil, ErrChainViolation
	}

	var reversal *model.LedgerEntry
	err := r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var original model.LedgerEntry
			if err := tx.First(&original, id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			if original.Status != model.EntryStatusPosted && original.Status != model.EntryStatusRisk {
				return fmt.Errorf("entry %d in status %s cannot be reverted: %w",
					id, original.Status, ErrImmutableEntry)
			}

			var head model.LedgerEntry
			prevHash := ""
			if err := tx.Order("id DESC").Limit(1).First(&head).Error; err == nil {
				prevHash = head.ChainHash
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			rev := &model.LedgerEntry{
				TraceID:    traceID,
				TenantID:   original.TenantID,
				Amount:     original.Amount.Neg(),
				Currency:   original.Currency,
				Vendor:     original.Vendor,
				Category:   original.Category,
				OccurredAt: time.Now().UnixMilli(),
				GroupID:    original.GroupID,
				ProjectID:  original.ProjectID,
				SourceFile: original.SourceFile,
				Status:     model.EntryStatusPosted,
				RevertOf:   original.ID,
				RevertReason: reason,
				InferenceLog: model.InferenceLog{
					Engine: "REVERSAL",
					Steps: []model.InferenceStep{{
						Stage:  "reversal",
						Detail: fmt.Sprintf("offsets entry %d: %s", original.ID, reason),
						At:     time.Now().UnixMilli(),
					}},
				},
			}
			rev.PrevHash = prevHash
			rev.ChainHash = rev.ComputeChainHash(prevHash)
			if err := tx.Create(rev).Error; err != nil {
				if isDuplicateKeyError(err) {
					return ErrDuplicateTrace
				}
				return err
			}

			// 原行仅允许 POSTED/RISK → REVERTED 这一条出终态的通路
			result := tx.Model(&model.LedgerEntry{}).
				Where("id = ? AND status = ?", id, original.Status).
				Updates(map[string]interface{}{
					"status":        model.EntryStatusReverted,
					"revert_reason": reason,
					"updated_at":    time.Now().UnixMilli(),
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrLocked
			}

			reversal = rev
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return reversal, nil
}

// VerifyChain 校验 [fromID, toID] 区间的哈希链
// 返回第一处断裂的行 ID，链完好返回 0；toID 为 0 表示校验到链尾
func (r *EntryRepository) VerifyChain(ctx context.Context, fromID, toID int64) (int64, error) {
	const batchSize = 500

	prevHash := ""
	if fromID > 1 {
		var prev model.LedgerEntry
		err := r.store.db.WithContext(ctx).
			Where("id < ?", fromID).
			Order("id DESC").Limit(1).
			First(&prev).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, err
		}
		if err == nil {
			prevHash = prev.ChainHash
		}
	}

	cursor := fromID - 1
	for {
		var batch []*model.LedgerEntry
		query := r.store.db.WithContext(ctx).
			Where("id > ?", cursor).
			Order("id ASC").Limit(batchSize)
		if toID > 0 {
			query = query.Where("id <= ?", toID)
		}
		if err := query.Find(&batch).Error; err != nil {
			return 0, err
		}
		if len(batch) == 0 {
			return 0, nil
		}

		for _, e := range batch {
			if e.PrevHash != prevHash || e.ChainHash != e.ComputeChainHash(prevHash) {
				return e.ID, nil
			}
			prevHash = e.ChainHash
			cursor = e.ID
		}
		if len(batch) < batchSize {
			return 0, nil
		}
	}
}

// MaxID 当前链尾行 ID，用于滑动窗口校验
func (r *EntryRepository) MaxID(ctx context.Context) (int64, error) {
	var maxID int64
	err := r.store.db.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Select("COALESCE(MAX(id), 0)").
		Scan(&maxID).Error
	return maxID, err
}

// ListByStatus 按状态分页查询
func (r *EntryRepository) ListByStatus(ctx context.Context, status model.EntryStatus, limit, offset int) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := r.store.db.WithContext(ctx).
		Where("status = ?", status).
		Order("id ASC").
		Limit(limit).Offset(offset).
		Find(&entries).Error
	return entries, err
}

// ListByVendor 供应商历史流水，审计历史一致性用
func (r *EntryRepository) ListByVendor(ctx context.Context, vendor string, limit int) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := r.store.db.WithContext(ctx).
		Where("vendor = ? AND status IN ?", vendor,
			[]model.EntryStatus{model.EntryStatusPosted, model.EntryStatusRisk}).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// ListMatchCandidates 对账候选：金额容差内且发生时间落在窗口内的已入账流水
func (r *EntryRepository) ListMatchCandidates(ctx context.Context, amountLow, amountHigh decimal.Decimal, fromMillis, toMillis int64) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := r.store.db.WithContext(ctx).
		Where("ABS(amount) BETWEEN ? AND ?", amountLow.InexactFloat64(), amountHigh.InexactFloat64()).
		Where("occurred_at BETWEEN ? AND ?", fromMillis, toMillis).
		Where("status IN ?", []model.EntryStatus{model.EntryStatusPosted, model.EntryStatusRisk}).
		Order("occurred_at ASC").
		Find(&entries).Error
	return entries, err
}

// ListActiveAmounts 已入账流水的去重金额列表 (分)，对账预过滤用
func (r *EntryRepository) ListActiveAmounts(ctx context.Context) ([]int64, error) {
	var cents []int64
	err := r.store.db.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("status IN ?", []model.EntryStatus{model.EntryStatusPosted, model.EntryStatusRisk}).
		Distinct().
		Pluck("CAST(ROUND(ABS(amount) * 100) AS INTEGER)", &cents).Error
	return cents, err
}

// CountByStatus 按状态统计
func (r *EntryRepository) CountByStatus(ctx context.Context, status model.EntryStatus) (int64, error) {
	var count int64
	err := r.store.db.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}

// CreateTags 写入多维核算标签
func (r *EntryRepository) CreateTags(ctx context.Context, tags []*model.EntryTag) error {
	if len(tags) == 0 {
		return nil
	}
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Create(&tags).Error
	})
}

// ListTags 查询流水标签
func (r *EntryRepository) ListTags(ctx context.Context, entryID int64) ([]*model.EntryTag, error) {
	var tags []*model.EntryTag
	err := r.store.db.WithContext(ctx).
		Where("entry_id = ?", entryID).
		Find(&tags).Error
	return tags, err
}
