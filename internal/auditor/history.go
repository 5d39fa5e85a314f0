package auditor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/internal/store"
)

// historyAnalyzer 历史一致性分析
type historyAnalyzer struct {
	entries *store.EntryRepository

	maxCategoryDeviation decimal.Decimal
	maxPriceDeviation    decimal.Decimal
	now                  func() time.Time
}

// historyFinding 历史一致性结论，风险分进入总裁决
type historyFinding struct {
	RiskPoints    int
	CategoryShare float64 // 该科目在供应商历史中的占比
	PriceRatio    float64 // 本笔金额相对时间衰减加权均价的倍数
	Samples       int
}

// analyze 取供应商历史流水，计算科目分布偏离与价格偏离
func (h *historyAnalyzer) analyze(ctx context.Context, entry *model.LedgerEntry) (*historyFinding, error) {
	history, err := h.entries.ListByVendor(ctx, entry.Vendor, 50)
	if err != nil {
		return nil, err
	}

	finding := &historyFinding{Samples: len(history), CategoryShare: 1, PriceRatio: 1}
	if len(history) < 3 {
		// 样本不足不加风险分
		return finding, nil
	}

	// 科目分布：本科目历史占比过低视为偏离
	sameCategory := 0
	for _, e := range history {
		if e.Category == entry.Category {
			sameCategory++
		}
	}
	finding.CategoryShare = float64(sameCategory) / float64(len(history))
	if decimal.NewFromInt(1).Sub(decimal.NewFromFloat(finding.CategoryShare)).
		GreaterThan(h.maxCategoryDeviation) {
		finding.RiskPoints += 2
	}

	// 价格偏离：时间衰减加权均价 w = 1 / (1 + 距今天数)
	now := h.now()
	weightedSum := decimal.Zero
	weightTotal := decimal.Zero
	for _, e := range history {
		days := now.Sub(time.UnixMilli(e.OccurredAt)).Hours() / 24
		if days < 0 {
			days = 0
		}
		w := decimal.NewFromInt(1).Div(decimal.NewFromFloat(1 + days))
		weightedSum = weightedSum.Add(e.Amount.Abs().Mul(w))
		weightTotal = weightTotal.Add(w)
	}
	if weightTotal.IsZero() {
		return finding, nil
	}
	weightedMean := weightedSum.Div(weightTotal)
	if weightedMean.IsZero() {
		return finding, nil
	}

	ratio := entry.Amount.Abs().Div(weightedMean)
	finding.PriceRatio = ratio.InexactFloat64()
	if ratio.GreaterThan(h.maxPriceDeviation) {
		finding.RiskPoints += 2
	} else if ratio.GreaterThan(h.maxPriceDeviation.Div(decimal.NewFromInt(2))) {
		finding.RiskPoints++
	}
	return finding, nil
}
