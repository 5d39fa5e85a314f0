package accounting

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/pkg/logger"
)

// L1Engine 规则引擎：快速精确匹配 + 全量正则/条件求值双通道
type L1Engine struct {
	mu sync.RWMutex
	// 精确关键词哈希表，非正则无条件规则的快速通道
	fastMap map[string][]*model.Rule
	// 正则或带条件规则，按优先级降序、特异度降序逐条求值
	fullScan []*model.Rule
	compiled map[string]*regexp.Regexp
}

// NewL1Engine 创建规则引擎
func NewL1Engine() *L1Engine {
	return &L1Engine{
		fastMap:  make(map[string][]*model.Rule),
		compiled: make(map[string]*regexp.Regexp),
	}
}

// Reload 用最新规则快照重建索引
func (e *L1Engine) Reload(rules []*model.Rule) {
	fastMap := make(map[string][]*model.Rule)
	var fullScan []*model.Rule
	compiled := make(map[string]*regexp.Regexp)

	for _, r := range rules {
		if !r.Active() {
			continue
		}
		if r.UseRegex {
			re, err := regexp.Compile(r.Keyword)
			if err != nil {
				logger.Warn("rule regex invalid, skipped",
					zap.String("rule_id", r.RuleID), zap.Error(err))
				continue
			}
			compiled[r.RuleID] = re
			fullScan = append(fullScan, r)
			continue
		}
		if r.AmountMin != nil || r.AmountMax != nil || r.VendorContains != "" {
			fullScan = append(fullScan, r)
			continue
		}
		fastMap[r.Keyword] = append(fastMap[r.Keyword], r)
	}

	for _, rules := range fastMap {
		sortRules(rules)
	}
	sortRules(fullScan)

	e.mu.Lock()
	e.fastMap = fastMap
	e.fullScan = fullScan
	e.compiled = compiled
	e.mu.Unlock()
}

// Match 对单据执行规则匹配，未命中返回 nil
func (e *L1Engine) Match(doc *model.Document) *model.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	text := doc.Vendor + " " + doc.Description

	// 快速通道：单据文本分词后整词命中
	var fast *model.Rule
	for keyword, rules := range e.fastMap {
		if !strings.Contains(text, keyword) {
			continue
		}
		for _, r := range rules {
			if fast == nil || ruleLess(fast, r) {
				fast = r
			}
		}
	}

	// 全量通道：正则与条件规则
	var full *model.Rule
	for _, r := range e.fullScan {
		if !e.ruleMatches(r, doc, text) {
			continue
		}
		full = r
		break
	}

	switch {
	case fast == nil:
		return full
	case full == nil:
		return fast
	case ruleLess(fast, full):
		return full
	default:
		return fast
	}
}

func (e *L1Engine) ruleMatches(r *model.Rule, doc *model.Document, text string) bool {
	if r.UseRegex {
		re, ok := e.compiled[r.RuleID]
		if !ok || !re.MatchString(text) {
			return false
		}
	} else if !strings.Contains(text, r.Keyword) {
		return false
	}
	if r.VendorContains != "" && !strings.Contains(doc.Vendor, r.VendorContains) {
		return false
	}
	return r.AmountInRange(doc.Amount)
}

// sortRules 优先级降序，相同优先级窄规则在前
func sortRules(rules []*model.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Specificity() > rules[j].Specificity()
	})
}

// ruleLess a 是否应让位于 b
func ruleLess(a, b *model.Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Specificity() < b.Specificity()
}

// matchStep 生成规则命中的推理步骤
func matchStep(r *model.Rule) model.InferenceStep {
	return model.InferenceStep{
		Stage: "rule_match",
		Detail: fmt.Sprintf("rule %s keyword=%q category=%s level=%s",
			r.RuleID, r.Keyword, r.Category, r.AuditLevel),
		At: time.Now().UnixMilli(),
	}
}
