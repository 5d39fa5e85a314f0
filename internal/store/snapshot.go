package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/pkg/id"
	"github.com/moltbot/ledgerd/pkg/logger"
)

// CreateSnapshot 生成账本库物理快照
// 先截断 WAL 保证主文件自洽，再经临时文件写入后原子改名
func (s *Store) CreateSnapshot(ctx context.Context, description string) (*model.Snapshot, error) {
	if err := s.Checkpoint(ctx); err != nil {
		return nil, fmt.Errorf("checkpoint before snapshot: %w", err)
	}

	if err := os.MkdirAll(s.cfg.SnapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	snapID := id.NewSnapshotID()
	finalPath := filepath.Join(s.cfg.SnapshotDir,
		fmt.Sprintf("snapshot-%s-%d", snapID, time.Now().Unix()))

	size, err := copyFileAtomic(s.cfg.Path, finalPath)
	if err != nil {
		return nil, fmt.Errorf("copy snapshot: %w", err)
	}

	snap := &model.Snapshot{
		SnapshotID:  snapID,
		Description: description,
		Path:        finalPath,
		SizeBytes:   size,
	}
	if err := s.db.WithContext(ctx).Create(snap).Error; err != nil {
		return nil, fmt.Errorf("record snapshot: %w", err)
	}

	logger.Info("snapshot created",
		zap.String("snapshot_id", snapID),
		zap.String("path", finalPath),
		zap.Int64("size_bytes", size))
	return snap, nil
}

// RollbackTo 回滚到指定快照
// 关闭库句柄，把快照文件覆盖回主文件后重开，并解除链断裂闸门
func (s *Store) RollbackTo(ctx context.Context, snapshotID string) error {
	var snap model.Snapshot
	err := s.db.WithContext(ctx).
		Where("snapshot_id = ?", snapshotID).
		First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSnapshotNotFound
		}
		return err
	}
	if _, err := os.Stat(snap.Path); err != nil {
		return fmt.Errorf("snapshot file missing: %w", err)
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close store for rollback: %w", err)
	}

	// WAL 与 shm 随主文件一起失效
	_ = os.Remove(s.cfg.Path + "-wal")
	_ = os.Remove(s.cfg.Path + "-shm")

	if _, err := copyFileAtomic(snap.Path, s.cfg.Path); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	reopened, err := Open(s.cfg)
	if err != nil {
		return fmt.Errorf("reopen store after rollback: %w", err)
	}
	s.db = reopened.db
	s.ResumeAppends()

	logger.Warn("store rolled back to snapshot",
		zap.String("snapshot_id", snapshotID),
		zap.String("path", snap.Path))
	return nil
}

// ListSnapshots 按时间倒序列出快照
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]*model.Snapshot, error) {
	var snaps []*model.Snapshot
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&snaps).Error
	return snaps, err
}

// copyFileAtomic 经同目录临时文件复制后 fsync 并改名
func copyFileAtomic(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".snapshot-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	size, err := io.Copy(tmp, in)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return 0, err
	}
	return size, nil
}
