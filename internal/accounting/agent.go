// Package accounting 实现记账代理：L1 规则引擎与 L2 深度推理的分层路由
package accounting

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/moltbot/ledgerd/internal/config"
	"github.com/moltbot/ledgerd/internal/egress"
	"github.com/moltbot/ledgerd/internal/knowledge"
	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/pkg/circuitbreaker"
	"github.com/moltbot/ledgerd/pkg/logger"
)

// 灰度规则连续命中多少次后升级到 L2 重推，冷却期内不重复升级
const (
	vendorUpgradeStreak   = 3
	vendorUpgradeCooldown = 24 * time.Hour
)

// Agent 记账代理
type Agent struct {
	cfg    config.AccountingConfig
	l1     *L1Engine
	l2     *L2Reasoner
	bridge *knowledge.Bridge

	highConfidence  float64
	shadowThreshold float64

	// 供应商升级路由：同一供应商连续走灰度通道时主动升级 L2 复核
	mu          sync.Mutex
	grayStreak  map[string]int
	lastUpgrade map[string]time.Time
}

// NewAgent 创建记账代理
func NewAgent(cfg config.AccountingConfig, l1 *L1Engine, l2 *L2Reasoner, bridge *knowledge.Bridge) *Agent {
	a := &Agent{
		cfg:             cfg,
		l1:              l1,
		l2:              l2,
		bridge:          bridge,
		highConfidence:  cfg.GetHighConfidence().InexactFloat64(),
		shadowThreshold: cfg.GetShadowThreshold().InexactFloat64(),
		grayStreak:      make(map[string]int),
		lastUpgrade:     make(map[string]time.Time),
	}
	a.l1.Reload(bridge.Rules())
	return a
}

// ReloadRules 规则变更后刷新 L1 索引
func (a *Agent) ReloadRules() {
	a.l1.Reload(a.bridge.Rules())
}

// Classify 对单据产出分类提案
// L1 命中走规则通道；未命中且 L2 可用时深度推理；降级时转人工
func (a *Agent) Classify(ctx context.Context, doc *model.Document) *Proposal {
	routing := model.InferenceStep{Stage: "routing", At: time.Now().UnixMilli()}

	if rule := a.l1.Match(doc); rule != nil {
		if rule.AuditLevel == model.AuditLevelGray && a.shouldUpgrade(doc.Vendor) {
			routing.Detail = "gray streak, upgrade to L2"
		} else {
			if err := a.bridge.RecordHit(ctx, rule.RuleID); err != nil {
				logger.Warn("record rule hit failed",
					zap.String("rule_id", rule.RuleID), zap.Error(err))
			} else {
				a.ReloadRules()
			}

			routing.Detail = "L1 hit"
			p := &Proposal{
				Category: rule.Category,
				Engine:   EngineL1,
				RuleID:   rule.RuleID,
				Steps:    []model.InferenceStep{routing, matchStep(rule)},
			}
			switch rule.AuditLevel {
			case model.AuditLevelBlocked:
				p.Blocked = true
				p.Confidence = 1.0
			case model.AuditLevelGray:
				p.Confidence = a.shadowThreshold
				p.RequiresShadowAudit = true
				a.noteGrayHit(doc.Vendor)
			default:
				p.Confidence = a.highConfidence
				a.clearGrayStreak(doc.Vendor)
			}
			return p
		}
	}

	if !a.cfg.L2.Enabled {
		routing.Detail = "L1 miss, L2 disabled"
		return degradedProposal(routing)
	}

	if routing.Detail == "" {
		routing.Detail = "L1 miss, escalate to L2"
	}
	proposal, err := a.l2.Reason(ctx, doc)
	if err != nil {
		switch {
		case errors.Is(err, circuitbreaker.ErrCircuitOpen):
			routing.Detail = "L2 circuit open, degraded"
		case errors.Is(err, egress.ErrBudgetExhausted):
			routing.Detail = "token budget exhausted, degraded"
		default:
			routing.Detail = "L2 failed: " + err.Error()
		}
		logger.Warn("l2 classification degraded",
			zap.String("vendor", doc.Vendor), zap.Error(err))
		return degradedProposal(routing)
	}

	proposal.Steps = append([]model.InferenceStep{routing}, proposal.Steps...)
	if proposal.Confidence < a.shadowThreshold {
		proposal.RequiresShadowAudit = true
	}

	// L2 结论沉淀为灰度规则，三次审计通过后转正
	if doc.Vendor != "" {
		if rule, err := a.bridge.Learn(ctx, doc.Vendor, proposal.Category, model.RuleSourceL2); err != nil {
			logger.Warn("learn gray rule from l2 failed",
				zap.String("vendor", doc.Vendor), zap.Error(err))
		} else {
			proposal.RuleID = rule.RuleID
			a.ReloadRules()
		}
	}
	return proposal
}

// shouldUpgrade 灰度连击达到阈值且冷却期外时升级 L2 重推
func (a *Agent) shouldUpgrade(vendor string) bool {
	if vendor == "" || !a.cfg.L2.Enabled {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.grayStreak[vendor] < vendorUpgradeStreak {
		return false
	}
	if last, ok := a.lastUpgrade[vendor]; ok && time.Since(last) < vendorUpgradeCooldown {
		return false
	}
	a.lastUpgrade[vendor] = time.Now()
	a.grayStreak[vendor] = 0
	return true
}

func (a *Agent) noteGrayHit(vendor string) {
	if vendor == "" {
		return
	}
	a.mu.Lock()
	a.grayStreak[vendor]++
	a.mu.Unlock()
}

func (a *Agent) clearGrayStreak(vendor string) {
	if vendor == "" {
		return
	}
	a.mu.Lock()
	delete(a.grayStreak, vendor)
	a.mu.Unlock()
}

// degradedProposal 降级提案，只能转人工复核
func degradedProposal(routing model.InferenceStep) *Proposal {
	return &Proposal{
		Engine:              EngineL1,
		Confidence:          0,
		Degraded:            true,
		RequiresShadowAudit: true,
		Steps:               []model.InferenceStep{routing},
	}
}
