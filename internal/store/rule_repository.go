package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/moltbot/ledgerd/internal/model"
)

// RuleRepository 知识库规则仓储
type RuleRepository struct {
	store *Store
}

// NewRuleRepository 创建规则仓储
func NewRuleRepository(s *Store) *RuleRepository {
	return &RuleRepository{store: s}
}

// Create 创建规则
func (r *RuleRepository) Create(ctx context.Context, rule *model.Rule) error {
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		err := db.Create(rule).Error
		if isDuplicateKeyError(err) {
			return ErrDuplicateTrace
		}
		return err
	})
}

// GetByRuleID 按规则 ID 查询
func (r *RuleRepository) GetByRuleID(ctx context.Context, ruleID string) (*model.Rule, error) {
	var rule model.Rule
	err := r.store.db.WithContext(ctx).
		Where("rule_id = ?", ruleID).
		First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rule, nil
}

// ListActive 当前有效规则，优先级降序
func (r *RuleRepository) ListActive(ctx context.Context) ([]*model.Rule, error) {
	var rules []*model.Rule
	err := r.store.db.WithContext(ctx).
		Where("valid_until = 0 AND audit_level <> ?", model.AuditLevelFailed).
		Order("priority DESC, id ASC").
		Find(&rules).Error
	return rules, err
}

// ListAll 全量规则，含历史版本
func (r *RuleRepository) ListAll(ctx context.Context) ([]*model.Rule, error) {
	var rules []*model.Rule
	err := r.store.db.WithContext(ctx).
		Order("id ASC").
		Find(&rules).Error
	return rules, err
}

// UpdateFeedback 回写审计反馈计数与生命周期状态
func (r *RuleRepository) UpdateFeedback(ctx context.Context, rule *model.Rule) error {
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		result := db.Model(&model.Rule{}).
			Where("rule_id = ? AND valid_until = 0", rule.RuleID).
			Updates(map[string]interface{}{
				"hit_count":           rule.HitCount,
				"reject_count":        rule.RejectCount,
				"consecutive_success": rule.ConsecutiveSuccess,
				"audit_level":         rule.AuditLevel,
				"updated_at":          time.Now().UnixMilli(),
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

// Supersede 版本化取代：旧版本盖上 valid_until，同事务写入新版本与版本档案
func (r *RuleRepository) Supersede(ctx context.Context, ruleID string, next *model.Rule, reason string) error {
	now := time.Now().UnixMilli()
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var current model.Rule
			err := tx.Where("rule_id = ? AND valid_until = 0", ruleID).
				First(&current).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}

			if err := tx.Model(&model.Rule{}).
				Where("id = ?", current.ID).
				Update("valid_until", now).Error; err != nil {
				return err
			}

			next.RuleID = ruleID
			next.Version = current.Version + 1
			next.ValidUntil = 0
			if err := tx.Create(next).Error; err != nil {
				return err
			}

			return tx.Create(&model.RuleVersion{
				RuleID:     ruleID,
				Version:    next.Version,
				AuditLevel: next.AuditLevel,
				Category:   next.Category,
				Reason:     reason,
			}).Error
		})
	})
}

// Delete 物理删除规则，仅知识蒸馏清理 FAILED 规则时使用
func (r *RuleRepository) Delete(ctx context.Context, ruleID string) error {
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		result := db.Where("rule_id = ?", ruleID).Delete(&model.Rule{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListVersions 规则版本历史
func (r *RuleRepository) ListVersions(ctx context.Context, ruleID string) ([]*model.RuleVersion, error) {
	var versions []*model.RuleVersion
	err := r.store.db.WithContext(ctx).
		Where("rule_id = ?", ruleID).
		Order("version DESC").
		Find(&versions).Error
	return versions, err
}
