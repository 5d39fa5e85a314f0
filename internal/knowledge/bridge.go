// Package knowledge 维护记账规则库：生命周期、版本化与规则文件同步
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/internal/store"
	"github.com/moltbot/ledgerd/pkg/id"
	"github.com/moltbot/ledgerd/pkg/logger"
)

// 生命周期参数
const (
	// 灰度规则连续通过次数达到该值且零驳回时转正
	promoteAfterSuccess = 3
	// 驳回次数达到该值降级废弃
	demoteAfterRejects = 2
)

// ErrInvalidCategory 科目编码不合法
var ErrInvalidCategory = errors.New("invalid category code")

// Bridge 知识库桥：规则的唯一读写入口
// 读路径走写时复制快照，规则更新不阻塞分类
type Bridge struct {
	repo     *store.RuleRepository
	yamlPath string

	mu       sync.RWMutex
	snapshot []*model.Rule
}

// NewBridge 创建知识库桥
func NewBridge(repo *store.RuleRepository, yamlPath string) *Bridge {
	return &Bridge{repo: repo, yamlPath: yamlPath}
}

// Load 加载当前有效规则；库为空时从规则文件播种
func (b *Bridge) Load(ctx context.Context) error {
	rules, err := b.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	if len(rules) == 0 && b.yamlPath != "" {
		seeded, err := b.seedFromYAML(ctx)
		if err != nil {
			logger.Warn("seed rules from file failed", zap.Error(err))
		} else if seeded > 0 {
			logger.Info("rules seeded from file", zap.Int("count", seeded))
			rules, err = b.repo.ListActive(ctx)
			if err != nil {
				return err
			}
		}
	}

	b.swapSnapshot(rules)
	return nil
}

// Rules 当前规则快照，调用方只读
func (b *Bridge) Rules() []*model.Rule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}

// RecordHit 规则命中计数
func (b *Bridge) RecordHit(ctx context.Context, ruleID string) error {
	rule, err := b.repo.GetByRuleID(ctx, ruleID)
	if err != nil {
		return err
	}
	rule.HitCount++
	if err := b.repo.UpdateFeedback(ctx, rule); err != nil {
		return err
	}
	return b.refresh(ctx)
}

// RecordApproval 审计通过反馈
// 灰度规则连续通过 3 次且零驳回晋升 STABLE
func (b *Bridge) RecordApproval(ctx context.Context, ruleID string) error {
	rule, err := b.repo.GetByRuleID(ctx, ruleID)
	if err != nil {
		return err
	}

	rule.ConsecutiveSuccess++
	if rule.AuditLevel == model.AuditLevelGray &&
		rule.ConsecutiveSuccess >= promoteAfterSuccess &&
		rule.RejectCount == 0 {
		return b.transition(ctx, rule, model.AuditLevelStable,
			fmt.Sprintf("promoted after %d consecutive approvals", rule.ConsecutiveSuccess))
	}

	if err := b.repo.UpdateFeedback(ctx, rule); err != nil {
		return err
	}
	return b.refresh(ctx)
}

// RecordReject 审计驳回反馈
// 累计驳回 2 次降级 FAILED，连续通过计数清零
func (b *Bridge) RecordReject(ctx context.Context, ruleID string) error {
	rule, err := b.repo.GetByRuleID(ctx, ruleID)
	if err != nil {
		return err
	}

	rule.RejectCount++
	rule.ConsecutiveSuccess = 0
	if rule.RejectCount >= demoteAfterRejects && rule.AuditLevel != model.AuditLevelManual {
		return b.transition(ctx, rule, model.AuditLevelFailed,
			fmt.Sprintf("demoted after %d rejections", rule.RejectCount))
	}

	if err := b.repo.UpdateFeedback(ctx, rule); err != nil {
		return err
	}
	return b.refresh(ctx)
}

// Learn 沉淀新规则
// MANUAL 来源直接进入 STABLE 且永不被蒸馏清除；L2 来源进入灰度期
func (b *Bridge) Learn(ctx context.Context, keyword, category string, source model.RuleSource) (*model.Rule, error) {
	if !model.ValidCategory(category) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCategory, category)
	}

	level := model.AuditLevelGray
	if source == model.RuleSourceManual {
		level = model.AuditLevelStable
	}

	// 同关键词已有规则时按版本化取代，老板修正优先
	if existing := b.findByKeyword(keyword); existing != nil {
		next := &model.Rule{
			Keyword:    keyword,
			UseRegex:   existing.UseRegex,
			Category:   category,
			Priority:   existing.Priority,
			AmountMin:  existing.AmountMin,
			AmountMax:  existing.AmountMax,
			VendorContains: existing.VendorContains,
			AuditLevel: level,
			Source:     source,
		}
		if err := b.repo.Supersede(ctx, existing.RuleID, next,
			fmt.Sprintf("relearned from %s", source)); err != nil {
			return nil, err
		}
		if err := b.refresh(ctx); err != nil {
			return nil, err
		}
		logger.Info("rule relearned",
			zap.String("rule_id", existing.RuleID),
			zap.String("keyword", keyword),
			zap.String("category", category),
			zap.String("source", string(source)))
		return next, nil
	}

	rule := &model.Rule{
		RuleID:     id.NewRuleID(),
		Keyword:    keyword,
		Category:   category,
		Priority:   100,
		AuditLevel: level,
		Source:     source,
	}
	if err := b.repo.Create(ctx, rule); err != nil {
		return nil, err
	}
	if err := b.refresh(ctx); err != nil {
		return nil, err
	}
	logger.Info("rule learned",
		zap.String("rule_id", rule.RuleID),
		zap.String("keyword", keyword),
		zap.String("category", category),
		zap.String("source", string(source)))
	return rule, nil
}

// Distill 知识蒸馏：清理废弃规则与同稳定规则冲突的灰度规则
// STABLE 与 MANUAL 规则受保护，灰度让位
func (b *Bridge) Distill(ctx context.Context) (removed int, err error) {
	rules, err := b.repo.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	trustedKeywords := make(map[string]bool)
	for _, r := range rules {
		if r.AuditLevel.Trusted() {
			trustedKeywords[r.Keyword] = true
		}
	}

	for _, r := range rules {
		switch {
		case r.AuditLevel == model.AuditLevelFailed:
			if err := b.repo.Delete(ctx, r.RuleID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return removed, err
			}
			removed++
		case r.AuditLevel == model.AuditLevelGray && trustedKeywords[r.Keyword]:
			next := cloneRule(r)
			next.AuditLevel = model.AuditLevelFailed
			if err := b.repo.Supersede(ctx, r.RuleID, next, "conflicts with trusted rule"); err != nil {
				return removed, err
			}
			removed++
		}
	}

	if removed > 0 {
		logger.Info("knowledge distilled", zap.Int("removed", removed))
	}
	return removed, b.refresh(ctx)
}

// transition 生命周期流转：盖版本档案并重置计数
func (b *Bridge) transition(ctx context.Context, rule *model.Rule, to model.AuditLevel, reason string) error {
	next := cloneRule(rule)
	next.AuditLevel = to
	next.HitCount = rule.HitCount
	next.RejectCount = 0
	next.ConsecutiveSuccess = 0

	if err := b.repo.Supersede(ctx, rule.RuleID, next, reason); err != nil {
		return err
	}
	logger.Info("rule lifecycle transition",
		zap.String("rule_id", rule.RuleID),
		zap.String("from", string(rule.AuditLevel)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return b.refresh(ctx)
}

func (b *Bridge) refresh(ctx context.Context) error {
	rules, err := b.repo.ListActive(ctx)
	if err != nil {
		return err
	}
	b.swapSnapshot(rules)
	return nil
}

func (b *Bridge) swapSnapshot(rules []*model.Rule) {
	b.mu.Lock()
	b.snapshot = rules
	b.mu.Unlock()
}

func (b *Bridge) findByKeyword(keyword string) *model.Rule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.snapshot {
		if r.Keyword == keyword {
			return r
		}
	}
	return nil
}

func cloneRule(r *model.Rule) *model.Rule {
	c := *r
	c.ID = 0
	c.CreatedAt = 0
	c.UpdatedAt = 0
	return &c
}
