package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/moltbot/ledgerd/internal/model"
)

// BudgetRepository 令牌预算消耗仓储
type BudgetRepository struct {
	store *Store
}

// NewBudgetRepository 创建预算仓储
func NewBudgetRepository(s *Store) *BudgetRepository {
	return &BudgetRepository{store: s}
}

// AddUsage 累加指定周期的消耗
func (r *BudgetRepository) AddUsage(ctx context.Context, period string, tokens int64) error {
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "period"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"tokens_used": gorm.Expr("tokens_used + ?", tokens),
				"updated_at":  time.Now().UnixMilli(),
			}),
		}).Create(&model.BudgetUsage{
			Period:     period,
			TokensUsed: tokens,
		}).Error
	})
}

// GetUsage 查询指定周期的累计消耗，无记录返回 0
func (r *BudgetRepository) GetUsage(ctx context.Context, period string) (int64, error) {
	var usage model.BudgetUsage
	err := r.store.db.WithContext(ctx).
		Where("period = ?", period).
		First(&usage).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return usage.TokensUsed, nil
}
