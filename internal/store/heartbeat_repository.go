package store

import (
	"context"
	"errors"
	"os"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/moltbot/ledgerd/internal/model"
)

// HeartbeatRepository worker 心跳仓储
type HeartbeatRepository struct {
	store *Store
}

// NewHeartbeatRepository 创建心跳仓储
func NewHeartbeatRepository(s *Store) *HeartbeatRepository {
	return &HeartbeatRepository{store: s}
}

// Beat 刷新心跳，行不存在则插入
func (r *HeartbeatRepository) Beat(ctx context.Context, workerName string) error {
	now := time.Now().UnixMilli()
	hb := &model.Heartbeat{
		WorkerName: workerName,
		PID:        os.Getpid(),
		State:      model.WorkerStateAlive,
		LastBeatAt: now,
	}
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "worker_name"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"pid":          hb.PID,
				"state":        model.WorkerStateAlive,
				"last_beat_at": now,
				"updated_at":   now,
			}),
		}).Create(hb).Error
	})
}

// Get 查询单个 worker 心跳
func (r *HeartbeatRepository) Get(ctx context.Context, workerName string) (*model.Heartbeat, error) {
	var hb model.Heartbeat
	err := r.store.db.WithContext(ctx).
		Where("worker_name = ?", workerName).
		First(&hb).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &hb, nil
}

// List 列出全部心跳行
func (r *HeartbeatRepository) List(ctx context.Context) ([]*model.Heartbeat, error) {
	var beats []*model.Heartbeat
	err := r.store.db.WithContext(ctx).
		Order("worker_name ASC").
		Find(&beats).Error
	return beats, err
}

// MarkState 标记 worker 状态，附带崩溃现场
func (r *HeartbeatRepository) MarkState(ctx context.Context, workerName string, state model.WorkerState, panicSnapshot string) error {
	updates := map[string]interface{}{
		"state":      state,
		"updated_at": time.Now().UnixMilli(),
	}
	if panicSnapshot != "" {
		updates["panic_snapshot"] = panicSnapshot
	}
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Model(&model.Heartbeat{}).
			Where("worker_name = ?", workerName).
			Updates(updates).Error
	})
}

// IncrRestarts 累计重启次数，返回累计值
func (r *HeartbeatRepository) IncrRestarts(ctx context.Context, workerName string) (int, error) {
	err := r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Model(&model.Heartbeat{}).
			Where("worker_name = ?", workerName).
			Updates(map[string]interface{}{
				"restarts":   gorm.Expr("restarts + 1"),
				"updated_at": time.Now().UnixMilli(),
			}).Error
	})
	if err != nil {
		return 0, err
	}
	hb, err := r.Get(ctx, workerName)
	if err != nil {
		return 0, err
	}
	return hb.Restarts, nil
}

// ResetRestarts 健康恢复后清零重启计数
func (r *HeartbeatRepository) ResetRestarts(ctx context.Context, workerName string) error {
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Model(&model.Heartbeat{}).
			Where("worker_name = ?", workerName).
			Updates(map[string]interface{}{
				"restarts":   0,
				"updated_at": time.Now().UnixMilli(),
			}).Error
	})
}
