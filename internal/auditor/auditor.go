// Package auditor 实现审计代理：红线短路、异构共识与历史一致性
package auditor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/moltbot/ledgerd/internal/config"
	"github.com/moltbot/ledgerd/internal/knowledge"
	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/internal/store"
	"github.com/moltbot/ledgerd/pkg/logger"
)

// 投票策略
const (
	StrategyStrict   = "STRICT"   // 全票通过
	StrategyBalanced = "BALANCED" // 2/3 通过
	StrategyGrowth   = "GROWTH"   // 1/3 通过，创业期从宽
)

// Decision 审计裁决
type Decision struct {
	Outcome    model.EntryStatus
	RiskPoints int
	Verdicts   []Verdict
	History    *historyFinding
	Reason     string
}

// Auditor 审计代理
type Auditor struct {
	cfg     config.AuditConfig
	entries *store.EntryRepository
	bridge  *knowledge.Bridge
	judges  []Judge
	history *historyAnalyzer
	owner   string
}

// New 创建审计代理
func New(cfg config.AuditConfig, entries *store.EntryRepository, bridge *knowledge.Bridge, owner string) *Auditor {
	return &Auditor{
		cfg:     cfg,
		entries: entries,
		bridge:  bridge,
		owner:   owner,
		judges: []Judge{
			&complianceJudge{redLines: cfg.RedLines},
			&financeJudge{tier1: cfg.GetAmountTier1()},
			&taxJudge{},
		},
		history: &historyAnalyzer{
			entries:              entries,
			maxCategoryDeviation: cfg.GetMaxCategoryDeviation(),
			maxPriceDeviation:    cfg.GetMaxPriceDeviation(),
			now:                  time.Now,
		},
	}
}

// Audit 对一条 PROPOSED 流水执行审计并推进状态
// 持锁期间完成裁决，锁竞争失败时跳过由下一轮重试
func (a *Auditor) Audit(ctx context.Context, entry *model.LedgerEntry, in *Input) (*Decision, error) {
	if err := a.entries.Lock(ctx, entry.ID, a.owner); err != nil {
		return nil, err
	}

	decision := a.decide(ctx, in)

	updates := map[string]interface{}{}
	if decision.Outcome == model.EntryStatusRejected {
		updates["revert_reason"] = decision.Reason
	}
	if err := a.entries.Unlock(ctx, entry.ID, a.owner, decision.Outcome, updates); err != nil {
		return nil, fmt.Errorf("finalize audit: %w", err)
	}

	a.feedbackRule(ctx, entry, decision)

	logger.WithTrace(ctx).Info("entry audited",
		zap.Int64("entry_id", entry.ID),
		zap.String("outcome", string(decision.Outcome)),
		zap.Int("risk_points", decision.RiskPoints),
		zap.String("reason", decision.Reason))
	return decision, nil
}

// decide 纯裁决逻辑，不触碰状态
func (a *Auditor) decide(ctx context.Context, in *Input) *Decision {
	decision := &Decision{}

	// 1. 红线短路
	for _, word := range a.cfg.RedLines {
		text := in.Entry.Vendor + " " + in.Entry.Category
		if word != "" && strings.Contains(text, word) {
			decision.Outcome = model.EntryStatusRejected
			decision.Reason = fmt.Sprintf("red line %q", word)
			decision.Verdicts = []Verdict{{
				Judge: "red_line", Pass: false, Critical: true, Reason: decision.Reason,
			}}
			return decision
		}
	}

	// 2. 异构共识
	passes := 0
	for _, judge := range a.judges {
		v := judge.Judge(ctx, in)
		decision.Verdicts = append(decision.Verdicts, v)
		if v.Critical {
			decision.Outcome = model.EntryStatusRejected
			decision.Reason = fmt.Sprintf("%s critical: %s", v.Judge, v.Reason)
			return decision
		}
		if v.Pass {
			passes++
		}
	}
	required := a.requiredPasses()
	consensus := passes >= required

	// 3. 历史一致性
	finding, err := a.history.analyze(ctx, in.Entry)
	if err != nil {
		logger.Warn("history analysis failed", zap.Error(err))
		finding = &historyFinding{}
	}
	decision.History = finding
	decision.RiskPoints = finding.RiskPoints

	// 4. 汇总
	switch {
	case !consensus:
		decision.Outcome = model.EntryStatusNeedsReview
		decision.Reason = fmt.Sprintf("consensus failed: %d/%d passes, %d required",
			passes, len(a.judges), required)
	case in.Degraded || in.Confidence == 0:
		decision.Outcome = model.EntryStatusNeedsReview
		decision.Reason = "degraded classification requires human review"
	case decision.RiskPoints >= 3:
		decision.Outcome = model.EntryStatusNeedsReview
		decision.Reason = fmt.Sprintf("history deviation risk points %d", decision.RiskPoints)
	case decision.RiskPoints > 0:
		decision.Outcome = model.EntryStatusRisk
		decision.Reason = fmt.Sprintf("approved with %d risk points", decision.RiskPoints)
	default:
		decision.Outcome = model.EntryStatusAudited
		decision.Reason = "consensus approved"
	}
	return decision
}

// feedbackRule 把裁决回流到规则生命周期
func (a *Auditor) feedbackRule(ctx context.Context, entry *model.LedgerEntry, decision *Decision) {
	ruleID := entry.InferenceLog.RuleID
	if ruleID == "" {
		return
	}

	var err error
	switch decision.Outcome {
	case model.EntryStatusAudited, model.EntryStatusRisk:
		err = a.bridge.RecordApproval(ctx, ruleID)
	case model.EntryStatusRejected:
		err = a.bridge.RecordReject(ctx, ruleID)
	default:
		return
	}
	if err != nil {
		logger.Warn("rule feedback failed",
			zap.String("rule_id", ruleID), zap.Error(err))
	}
}

// requiredPasses 投票策略对应的最低通过票数
func (a *Auditor) requiredPasses() int {
	switch a.cfg.Strategy {
	case StrategyStrict:
		return len(a.judges)
	case StrategyGrowth:
		return 1
	default:
		return (len(a.judges)*2 + 2) / 3
	}
}
