// Package store 提供账本库的持久化与完整性层
package store

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/moltbot/ledgerd/internal/config"
	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/pkg/backoff"
	"github.com/moltbot/ledgerd/pkg/logger"
)

// Store 单文件事务库，WAL 模式，单写多读
type Store struct {
	db    *gorm.DB
	cfg   config.StoreConfig
	retry backoff.Policy

	// 链断裂闸门：置位后拒绝一切追加，回滚或显式恢复才放行
	chainBroken atomic.Bool
	brokenAt    atomic.Int64
}

// Open 打开账本库并完成建表迁移
func Open(cfg config.StoreConfig) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=%s&_foreign_keys=on",
		cfg.Path, cfg.BusyTimeoutMS, strings.ToUpper(cfg.SyncMode))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// 写由 SQLite 串行化，连接池保持小规模供读并发
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// 页缓存大小，负值单位为 KB
	if err := db.Exec(fmt.Sprintf("PRAGMA cache_size = -%d", cfg.CacheMB*1024)).Error; err != nil {
		return nil, fmt.Errorf("set cache size: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrate ledger store: %w", err)
	}

	s := &Store{
		db: db,
		cfg: cfg,
		retry: backoff.Policy{
			Base:       100 * time.Millisecond,
			Max:        time.Duration(cfg.BusyTimeoutMS) * time.Millisecond,
			MaxRetries: cfg.MaxRetries,
		},
	}
	return s, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.LedgerEntry{},
		&model.EntryTag{},
		&model.PendingEntry{},
		&model.Rule{},
		&model.RuleVersion{},
		&model.OutboxEvent{},
		&model.InteractionCard{},
		&model.Heartbeat{},
		&model.Snapshot{},
		&model.FileRecord{},
		&model.BudgetUsage{},
	); err != nil {
		return err
	}

	// 审计视图：穿透式证据链的只读入口
	return db.Exec(`
		CREATE VIEW IF NOT EXISTS v_audit_trail AS
		SELECT id, trace_id, amount, currency, vendor, category, occurred_at,
		       status, matched_rule, inference_log, source_file,
		       prev_hash, chain_hash, revert_of, revert_reason, created_at
		FROM ledger_entries
		ORDER BY id ASC
	`).Error
}

// DB 暴露底层句柄给仓储层
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close 关闭底层连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint 截断 WAL，由守护进程按分钟级节奏调用
func (s *Store) Checkpoint(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error
}

// Analyze 刷新查询优化器统计，日级维护任务
func (s *Store) Analyze(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec("ANALYZE").Error
}

// MarkChainBroken 置位链断裂闸门
func (s *Store) MarkChainBroken(firstBadID int64) {
	if s.chainBroken.CompareAndSwap(false, true) {
		s.brokenAt.Store(firstBadID)
		logger.Error("hash chain broken, refusing appends",
			zap.Int64("first_bad_id", firstBadID))
	}
}

// ResumeAppends 显式恢复追加，仅限回滚完成或人工确认后调用
func (s *Store) ResumeAppends() {
	s.chainBroken.Store(false)
	s.brokenAt.Store(0)
}

// RefuseAppends 当前是否拒绝追加
func (s *Store) RefuseAppends() bool {
	return s.chainBroken.Load()
}

// withRetry 对 SQLITE_BUSY 类瞬时错误做带抖动的指数退避重试
func (s *Store) withRetry(ctx context.Context, fn func(db *gorm.DB) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn(s.db.WithContext(ctx))
		if lastErr == nil || !isBusyError(lastErr) {
			return lastErr
		}
		if attempt >= s.retry.MaxRetries {
			return fmt.Errorf("store busy after %d retries: %w", attempt, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retry.Next(attempt)):
		}
	}
}

// isBusyError 识别写锁竞争类错误
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// isDuplicateKeyError 识别唯一约束冲突
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
