package match

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moltbot/ledgerd/internal/model"
)

// 评分权重：金额为主，对方名称次之，时间衰减与分组加成收尾
const (
	weightAmount = 0.60
	weightName   = 0.30
	weightTime   = 0.10
	groupBonus   = 0.05
	// 名称相似度达到该值即视为满分
	nameFullScore = 0.80
)

// score 计算影子分录与账本流水的匹配得分，0~1
func score(p *model.PendingEntry, e *model.LedgerEntry, tolerance decimal.Decimal, windowDays int) float64 {
	diff := p.Amount.Abs().Sub(e.Amount.Abs()).Abs()
	if tolerance.IsPositive() && diff.GreaterThan(tolerance) {
		return 0
	}

	amountScore := 1.0
	if tolerance.IsPositive() && !diff.IsZero() {
		amountScore = 1 - diff.Div(tolerance).InexactFloat64()*0.1
	}

	ratio := similarity(p.Counterparty, e.Vendor)
	nameScore := ratio / nameFullScore
	if nameScore > 1 {
		nameScore = 1
	}

	days := time.UnixMilli(e.OccurredAt).Sub(time.UnixMilli(p.OccurredAt)).Hours() / 24
	if days < 0 {
		days = -days
	}
	timeScore := 1 - days/float64(windowDays)
	if timeScore < 0 {
		timeScore = 0
	}

	total := weightAmount*amountScore + weightName*nameScore + weightTime*timeScore
	if e.GroupID != "" {
		total += groupBonus
	}
	if total > 1 {
		total = 1
	}
	return total
}

// similarity 对方名称模糊比对，0~1
// 双向最长公共子序列占比，等价于 difflib ratio 的保守近似
func similarity(a, b string) float64 {
	a = normalizeName(a)
	b = normalizeName(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.9
	}

	ra, rb := []rune(a), []rune(b)
	lcs := lcsLength(ra, rb)
	return float64(2*lcs) / float64(len(ra)+len(rb))
}

// normalizeName 去除公司后缀与空白，降低名称噪音
var nameNoise = []string{"有限公司", "有限责任公司", "股份有限公司", "公司", "（", "）", "(", ")", " "}

func normalizeName(s string) string {
	out := strings.TrimSpace(s)
	for _, noise := range nameNoise {
		out = strings.ReplaceAll(out, noise, "")
	}
	return out
}

// lcsLength 最长公共子序列长度，滚动数组
func lcsLength(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
