package egress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/moltbot/ledgerd/internal/store"
	"github.com/moltbot/ledgerd/pkg/logger"
)

// ErrBudgetExhausted 日或月令牌预算耗尽，强制降级直到周期重置
var ErrBudgetExhausted = errors.New("token budget exhausted")

// BudgetManager 令牌预算管理，日/月双限额，消耗落库跨重启保持
type BudgetManager struct {
	repo         *store.BudgetRepository
	dailyLimit   int64
	monthlyLimit int64

	mu          sync.Mutex
	dayPeriod   string
	monthPeriod string
	dayUsed     int64
	monthUsed   int64
	now         func() time.Time
}

// NewBudgetManager 创建预算管理器并加载当期消耗
func NewBudgetManager(ctx context.Context, repo *store.BudgetRepository, dailyLimit, monthlyLimit int64) (*BudgetManager, error) {
	m := &BudgetManager{
		repo:         repo,
		dailyLimit:   dailyLimit,
		monthlyLimit: monthlyLimit,
		now:          time.Now,
	}
	if err := m.rollPeriodsLocked(ctx); err != nil {
		return nil, fmt.Errorf("load budget usage: %w", err)
	}
	return m, nil
}

// Allow 预算是否仍有余量
func (m *BudgetManager) Allow(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.rollPeriodsLocked(ctx); err != nil {
		return err
	}
	if m.dayUsed >= m.dailyLimit || m.monthUsed >= m.monthlyLimit {
		return ErrBudgetExhausted
	}
	return nil
}

// Consume 记录一次调用的令牌消耗
func (m *BudgetManager) Consume(ctx context.Context, tokens int64) error {
	if tokens <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.rollPeriodsLocked(ctx); err != nil {
		return err
	}
	m.dayUsed += tokens
	m.monthUsed += tokens

	if err := m.repo.AddUsage(ctx, m.dayPeriod, tokens); err != nil {
		return err
	}
	if err := m.repo.AddUsage(ctx, m.monthPeriod, tokens); err != nil {
		return err
	}

	if m.dayUsed >= m.dailyLimit {
		logger.Warn("daily token budget exhausted",
			zap.Int64("used", m.dayUsed), zap.Int64("limit", m.dailyLimit))
	}
	return nil
}

// Usage 当期日/月消耗
func (m *BudgetManager) Usage() (daily, monthly int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dayUsed, m.monthUsed
}

// rollPeriodsLocked 跨日/跨月时切换周期并重载累计值
func (m *BudgetManager) rollPeriodsLocked(ctx context.Context) error {
	now := m.now()
	day := "day:" + now.Format("2006-01-02")
	month := "month:" + now.Format("2006-01")

	if day != m.dayPeriod {
		used, err := m.repo.GetUsage(ctx, day)
		if err != nil {
			return err
		}
		m.dayPeriod = day
		m.dayUsed = used
	}
	if month != m.monthPeriod {
		used, err := m.repo.GetUsage(ctx, month)
		if err != nil {
			return err
		}
		m.monthPeriod = month
		m.monthUsed = used
	}
	return nil
}
