package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/moltbot/ledgerd/internal/model"
)

// FileRepository 采集档案仓储，按内容哈希去重
type FileRepository struct {
	store *Store
}

// NewFileRepository 创建采集档案仓储
func NewFileRepository(s *Store) *FileRepository {
	return &FileRepository{store: s}
}

// Create 登记文件，内容哈希重复返回 ErrDuplicateFile
func (r *FileRepository) Create(ctx context.Context, record *model.FileRecord) error {
	err := r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Create(record).Error
	})
	if isDuplicateKeyError(err) {
		return ErrDuplicateFile
	}
	return err
}

// GetByHash 按内容哈希查询
func (r *FileRepository) GetByHash(ctx context.Context, contentHash string) (*model.FileRecord, error) {
	var record model.FileRecord
	err := r.store.db.WithContext(ctx).
		Where("content_hash = ?", contentHash).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// MarkProcessed 标记解析成功并记录产出行数
func (r *FileRepository) MarkProcessed(ctx context.Context, id int64, parserName string, rowCount int) error {
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Model(&model.FileRecord{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":      model.FileStatusProcessed,
				"parser_name": parserName,
				"row_count":   rowCount,
				"updated_at":  time.Now().UnixMilli(),
			}).Error
	})
}

// MarkFailed 软失败留痕，不阻塞后续文件
func (r *FileRepository) MarkFailed(ctx context.Context, id int64, cause string) error {
	if len(cause) > 500 {
		cause = cause[:500]
	}
	return r.store.withRetry(ctx, func(db *gorm.DB) error {
		return db.Model(&model.FileRecord{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":     model.FileStatusFailed,
				"fail_cause": cause,
				"updated_at": time.Now().UnixMilli(),
			}).Error
	})
}

// ListFailed 查询失败文件
func (r *FileRepository) ListFailed(ctx context.Context, limit int) ([]*model.FileRecord, error) {
	var records []*model.FileRecord
	err := r.store.db.WithContext(ctx).
		Where("status = ?", model.FileStatusFailed).
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
