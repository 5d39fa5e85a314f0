package accounting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/moltbot/ledgerd/internal/config"
	"github.com/moltbot/ledgerd/internal/egress"
	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/internal/store"
	"github.com/moltbot/ledgerd/pkg/logger"
)

// ErrStepCapExceeded 推理步数超上限仍未收敛
var ErrStepCapExceeded = errors.New("l2 reasoning exceeded step cap")

const l2SystemPrompt = `你是企业记账助手。根据单据信息推断会计科目。
每轮只输出一个 JSON 对象，不要输出其他内容：
查历史: {"action":"tool","tool":"vendor_history","vendor":"<供应商>"}
查规则: {"action":"tool","tool":"list_rules"}
定稿:   {"action":"final","category":"NNNN 或 NNNN-NN","confidence":0.0-1.0,"reason":"<一句话依据>"}`

// l2Decision 模型单轮输出
type l2Decision struct {
	Action     string  `json:"action"`
	Tool       string  `json:"tool,omitempty"`
	Vendor     string  `json:"vendor,omitempty"`
	Category   string  `json:"category,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// L2Reasoner 深度推理器：受步数上限约束的工具调用状态机
type L2Reasoner struct {
	cfg     config.L2Config
	proxy   *egress.Proxy
	entries *store.EntryRepository
	rules   func() []*model.Rule
}

// NewL2Reasoner 创建深度推理器
func NewL2Reasoner(cfg config.L2Config, proxy *egress.Proxy, entries *store.EntryRepository, rules func() []*model.Rule) *L2Reasoner {
	return &L2Reasoner{cfg: cfg, proxy: proxy, entries: entries, rules: rules}
}

// Reason 对单据执行多步推理，收敛为分类提案
func (r *L2Reasoner) Reason(ctx context.Context, doc *model.Document) (*Proposal, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutS)*time.Second)
	defer cancel()

	messages := []egress.ChatMessage{
		{Role: "system", Content: l2SystemPrompt},
		{Role: "user", Content: fmt.Sprintf("单据：供应商=%s 摘要=%s 金额=%s 日期=%s",
			doc.Vendor, doc.Description, doc.Amount.StringFixed(2),
			time.UnixMilli(doc.OccurredAt).Format("2006-01-02"))},
	}

	steps := []model.InferenceStep{{
		Stage:  "input_analysis",
		Detail: fmt.Sprintf("vendor=%s amount=%s", doc.Vendor, doc.Amount.StringFixed(2)),
		At:     time.Now().UnixMilli(),
	}}

	for step := 0; step < r.cfg.StepCap; step++ {
		resp, err := r.proxy.Chat(ctx, &egress.ChatRequest{
			Model:    r.cfg.Model,
			Messages: messages,
		})
		if err != nil {
			return nil, err
		}

		decision, err := parseDecision(resp.Content)
		if err != nil {
			// 输出不可解析按一步消耗处理，提示模型纠正
			messages = append(messages,
				egress.ChatMessage{Role: "assistant", Content: resp.Content},
				egress.ChatMessage{Role: "user", Content: "输出不是合法 JSON，请重新输出"})
			steps = append(steps, model.InferenceStep{
				Stage: "l2_reasoning", Detail: "unparseable output", At: time.Now().UnixMilli(),
			})
			continue
		}

		switch decision.Action {
		case "tool":
			result := r.runTool(ctx, decision, doc)
			messages = append(messages,
				egress.ChatMessage{Role: "assistant", Content: resp.Content},
				egress.ChatMessage{Role: "user", Content: result})
			steps = append(steps, model.InferenceStep{
				Stage:  "l2_reasoning",
				Detail: fmt.Sprintf("tool=%s", decision.Tool),
				At:     time.Now().UnixMilli(),
			})

		case "final":
			if !model.ValidCategory(decision.Category) {
				return nil, fmt.Errorf("l2 returned invalid category %q", decision.Category)
			}
			steps = append(steps, model.InferenceStep{
				Stage:  "confidence",
				Detail: fmt.Sprintf("category=%s confidence=%.2f reason=%s", decision.Category, decision.Confidence, decision.Reason),
				At:     time.Now().UnixMilli(),
			})
			return &Proposal{
				Category:   decision.Category,
				Confidence: decision.Confidence,
				Engine:     EngineL2,
				Steps:      steps,
			}, nil

		default:
			return nil, fmt.Errorf("l2 returned unknown action %q", decision.Action)
		}
	}

	logger.Warn("l2 reasoning did not converge",
		zap.String("vendor", doc.Vendor), zap.Int("step_cap", r.cfg.StepCap))
	return nil, ErrStepCapExceeded
}

// runTool 执行模型请求的工具，失败时把错误文本回给模型
func (r *L2Reasoner) runTool(ctx context.Context, d *l2Decision, doc *model.Document) string {
	switch d.Tool {
	case "vendor_history":
		vendor := d.Vendor
		if vendor == "" {
			vendor = doc.Vendor
		}
		entries, err := r.entries.ListByVendor(ctx, vendor, 10)
		if err != nil {
			return "历史查询失败: " + err.Error()
		}
		if len(entries) == 0 {
			return "该供应商无历史流水"
		}
		var b strings.Builder
		b.WriteString("历史流水：\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "- 科目=%s 金额=%s 日期=%s\n",
				e.Category, e.Amount.StringFixed(2),
				time.UnixMilli(e.OccurredAt).Format("2006-01-02"))
		}
		return b.String()

	case "list_rules":
		rules := r.rules()
		var b strings.Builder
		b.WriteString("现有规则：\n")
		count := 0
		for _, rule := range rules {
			if !rule.AuditLevel.Trusted() {
				continue
			}
			fmt.Fprintf(&b, "- 关键词=%q 科目=%s\n", rule.Keyword, rule.Category)
			count++
			if count >= 30 {
				break
			}
		}
		if count == 0 {
			return "暂无可参考规则"
		}
		return b.String()

	default:
		return fmt.Sprintf("未知工具 %q，可用: vendor_history, list_rules", d.Tool)
	}
}

// parseDecision 解析模型输出，容忍 JSON 外围的杂质文本
func parseDecision(content string) (*l2Decision, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return nil, errors.New("no json object in output")
	}
	var d l2Decision
	if err := json.Unmarshal([]byte(content[start:end+1]), &d); err != nil {
		return nil, err
	}
	return &d, nil
}
