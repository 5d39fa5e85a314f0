package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/moltbot/ledgerd/internal/model"
)

// CardRepository 交互卡片仓储
type CardRepository struct {
	store *Store
}

// NewCardRepository 创建卡片仓储
func NewCardRepository(s *Store) *CardRepository {
	return &CardRepository{store: s}
}

// Create 创建卡片
func (r *CardRepository) Create(ctx context.Context, card *model.InteractionCard) error {
	if card.Status == "" {
		card.Status = model.CardStatusSent
	}
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Create(card).Error
	})
}

// GetByCardID 按卡片 ID 查询
func (r *CardRepository) GetByCardID(ctx context.Context, cardID string) (*model.InteractionCard, error) {
	var card model.InteractionCard
	err := r.store.db.WithContext(ctx).
		Where("card_id = ?", cardID).
		First(&card).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &card, nil
}

// Advance 单向推进卡片状态，非法流转返回 ErrImmutableEntry
func (r *CardRepository) Advance(ctx context.Context, cardID string, to model.CardStatus) error {
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var card model.InteractionCard
			if err := tx.Where("card_id = ?", cardID).First(&card).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			if !card.Status.CanAdvance(to) {
				return ErrImmutableEntry
			}
			return tx.Model(&model.InteractionCard{}).
				Where("card_id = ? AND status = ?", cardID, card.Status).
				Updates(map[string]interface{}{
					"status":     to,
					"updated_at": time.Now().UnixMilli(),
				}).Error
		})
	})
}

// Consume 一次性消费标记，重复回调返回 ErrCardConsumed
func (r *CardRepository) Consume(ctx context.Context, cardID string) error {
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		result := db.Model(&model.InteractionCard{}).
			Where("card_id = ? AND consumed_at = 0", cardID).
			Updates(map[string]interface{}{
				"consumed_at": time.Now().UnixMilli(),
				"updated_at":  time.Now().UnixMilli(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrCardConsumed
		}
		return nil
	})
}

// Release 回收消费标记，动作未生效的卡片可被再次回调
// 已关闭的卡片不回收
func (r *CardRepository) Release(ctx context.Context, cardID string) error {
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Model(&model.InteractionCard{}).
			Where("card_id = ? AND consumed_at > 0 AND status IN ?", cardID,
				[]model.CardStatus{model.CardStatusSent, model.CardStatusClicked}).
			Updates(map[string]interface{}{
				"consumed_at": 0,
				"updated_at":  time.Now().UnixMilli(),
			}).Error
	})
}

// ExpireStale 把超过有效期的未完成卡片置为 EXPIRED，返回过期行数
func (r *CardRepository) ExpireStale(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()
	var affected int64
	err := r.store.withRetry(ctx, func(db *gorm.DB) error {
		result := db.Model(&model.InteractionCard{}).
			Where("expires_at < ? AND status IN ?", now,
				[]model.CardStatus{model.CardStatusSent, model.CardStatusClicked}).
			Updates(map[string]interface{}{
				"status":     model.CardStatusExpired,
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected
		return nil
	})
	return affected, err
}

// ListOpenByEntity 查询实体上未关闭的卡片，避免重复推送
func (r *CardRepository) ListOpenByEntity(ctx context.Context, entityRef string) ([]*model.InteractionCard, error) {
	var cards []*model.InteractionCard
	err := r.store.db.WithContext(ctx).
		Where("linked_entity_ref = ? AND status IN ?", entityRef,
			[]model.CardStatus{model.CardStatusSent, model.CardStatusClicked}).
		Find(&cards).Error
	return cards, err
}
