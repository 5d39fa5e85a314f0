package accounting

import (
	"github.com/moltbot/ledgerd/internal/model"
)

// 推理引擎标识
const (
	EngineL1 = "L1"
	EngineL2 = "L2"
)

// Proposal 分类提案，交给审计代理裁决
type Proposal struct {
	Category   string
	Confidence float64
	Engine     string
	RuleID     string

	// 灰度规则命中或置信度不足时置位，强制进入影子审计
	RequiresShadowAudit bool
	// 红线类规则命中，直接进入驳回通道
	Blocked bool
	// 降级模式产出，仅能转人工
	Degraded bool

	Steps []model.InferenceStep
}

// InferenceLog 折叠为可落库的推理路径
func (p *Proposal) InferenceLog() model.InferenceLog {
	return model.InferenceLog{
		RuleID:     p.RuleID,
		Engine:     p.Engine,
		Confidence: p.Confidence,
		IsGray:     p.RequiresShadowAudit,
		Steps:      p.Steps,
	}
}
