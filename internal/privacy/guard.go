// Package privacy 提供出网与日志前的敏感信息脱敏
package privacy

import (
	"regexp"
	"strings"
	"sync"
)

// 脱敏类别
const (
	CategoryPhone    = "phone"
	CategoryIDCard   = "id_card"
	CategoryBankCard = "bank_card"
	CategoryKeyword  = "keyword"
)

// 边界锚定避免长卡号被短模式部分吞掉
var (
	// 大陆手机号
	phonePattern = regexp.MustCompile(`\b1[3-9]\d{9}\b`)
	// 18 位身份证号
	idCardPattern = regexp.MustCompile(`\b\d{17}[\dXx]\b`)
	// 16-19 位银行卡号
	bankCardPattern = regexp.MustCompile(`\b\d{16,19}\b`)
)

// Guard 脱敏器
// 同一文本重复脱敏结果不变，可安全叠加在任意出口
type Guard struct {
	keywords []string

	mu       sync.Mutex
	counters map[string]int64
}

// NewGuard 创建脱敏器，keywords 为部署级敏感词表
func NewGuard(keywords []string) *Guard {
	return &Guard{
		keywords: keywords,
		counters: make(map[string]int64),
	}
}

// Sanitize 清洗文本中的手机号、身份证号、银行卡号与敏感词
// 只记录类别计数，绝不留存原文
func (g *Guard) Sanitize(text string) string {
	if text == "" {
		return text
	}

	out := text
	out = g.replaceAll(out, idCardPattern, CategoryIDCard, maskIDCard)
	out = g.replaceAll(out, bankCardPattern, CategoryBankCard, maskBankCard)
	out = g.replaceAll(out, phonePattern, CategoryPhone, maskPhone)

	for _, kw := range g.keywords {
		if kw == "" {
			continue
		}
		if n := strings.Count(out, kw); n > 0 {
			g.incr(CategoryKeyword, int64(n))
			out = strings.ReplaceAll(out, kw, strings.Repeat("*", len([]rune(kw))))
		}
	}
	return out
}

// SanitizeMap 清洗键值对中的值
func (g *Guard) SanitizeMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = g.Sanitize(v)
	}
	return out
}

// Stats 各类别累计脱敏次数
func (g *Guard) Stats() map[string]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int64, len(g.counters))
	for k, v := range g.counters {
		out[k] = v
	}
	return out
}

func (g *Guard) replaceAll(text string, pattern *regexp.Regexp, category string, mask func(string) string) string {
	count := int64(0)
	out := pattern.ReplaceAllStringFunc(text, func(match string) string {
		masked := mask(match)
		if masked != match {
			count++
		}
		return masked
	})
	if count > 0 {
		g.incr(category, count)
	}
	return out
}

func (g *Guard) incr(category string, n int64) {
	g.mu.Lock()
	g.counters[category] += n
	g.mu.Unlock()
}

// maskPhone 138****5678
func maskPhone(s string) string {
	if len(s) != 11 {
		return s
	}
	return s[:3] + "****" + s[7:]
}

// maskIDCard 保留前 6 位与末 2 位
func maskIDCard(s string) string {
	if len(s) != 18 {
		return s
	}
	return s[:6] + strings.Repeat("*", 10) + s[16:]
}

// maskBankCard 保留前 4 位与末 4 位
func maskBankCard(s string) string {
	if len(s) < 16 {
		return s
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
