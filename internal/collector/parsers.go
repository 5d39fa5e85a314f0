package collector

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/pkg/id"
)

// StatementParser 流水解析器，按表头特征识别来源渠道
type StatementParser interface {
	Name() string
	// Detect 根据表头判断是否归本解析器处理
	Detect(header []string) bool
	// Parse 把表格行解析为影子分录
	Parse(header []string, rows [][]string, sourceFile string) ([]*model.PendingEntry, error)
}

// parserRegistry 解析器注册表，新渠道按名字注册接入
type parserRegistry struct {
	parsers []StatementParser
}

func newParserRegistry() *parserRegistry {
	return &parserRegistry{
		parsers: []StatementParser{
			&alipayParser{},
			&wechatParser{},
			&bankParser{},
		},
	}
}

// register 追加解析器，后注册者优先级靠后
func (r *parserRegistry) register(p StatementParser) {
	r.parsers = append(r.parsers, p)
}

// dispatch 按表头选择解析器，无人认领返回 nil
func (r *parserRegistry) dispatch(header []string) StatementParser {
	for _, p := range r.parsers {
		if p.Detect(header) {
			return p
		}
	}
	return nil
}

// alipayParser 支付宝账单，锚定列"业务流水号"
type alipayParser struct{}

func (p *alipayParser) Name() string { return "alipay" }

func (p *alipayParser) Detect(header []string) bool {
	return columnIndex(header, "业务流水号") >= 0
}

func (p *alipayParser) Parse(header []string, rows [][]string, sourceFile string) ([]*model.PendingEntry, error) {
	serialCol := columnIndex(header, "业务流水号")
	partyCol := columnIndex(header, "对方名称")
	amountCol := columnIndex(header, "金额")
	timeCol := columnIndex(header, "交易创建时间")
	directionCol := columnIndex(header, "收/支")
	remarkCol := columnIndex(header, "备注")

	if serialCol < 0 || amountCol < 0 {
		return nil, fmt.Errorf("alipay statement missing required columns")
	}

	var entries []*model.PendingEntry
	for _, row := range rows {
		serial := cell(row, serialCol)
		if serial == "" {
			continue
		}
		amount, err := normalizeAmount(cell(row, amountCol), cell(row, directionCol))
		if err != nil {
			continue
		}
		entries = append(entries, &model.PendingEntry{
			TraceID:      id.NewTraceID(),
			Source:       model.PendingSourceAlipay,
			Counterparty: cell(row, partyCol),
			Amount:       amount,
			OccurredAt:   parseStatementTime(cell(row, timeCol)),
			Description:  strings.TrimSpace("流水号 " + serial + " " + cell(row, remarkCol)),
			SourceFile:   sourceFile,
		})
	}
	return entries, nil
}

// wechatParser 微信支付账单，锚定列"交易单号"
type wechatParser struct{}

func (p *wechatParser) Name() string { return "wechat" }

func (p *wechatParser) Detect(header []string) bool {
	return columnIndex(header, "交易单号") >= 0
}

func (p *wechatParser) Parse(header []string, rows [][]string, sourceFile string) ([]*model.PendingEntry, error) {
	serialCol := columnIndex(header, "交易单号")
	partyCol := columnIndex(header, "交易对方")
	amountCol := columnIndex(header, "金额(元)")
	timeCol := columnIndex(header, "交易时间")
	directionCol := columnIndex(header, "收/支")
	goodsCol := columnIndex(header, "商品")

	if serialCol < 0 || amountCol < 0 {
		return nil, fmt.Errorf("wechat statement missing required columns")
	}

	var entries []*model.PendingEntry
	for _, row := range rows {
		serial := cell(row, serialCol)
		if serial == "" {
			continue
		}
		amount, err := normalizeAmount(cell(row, amountCol), cell(row, directionCol))
		if err != nil {
			continue
		}
		entries = append(entries, &model.PendingEntry{
			TraceID:      id.NewTraceID(),
			Source:       model.PendingSourceWechat,
			Counterparty: cell(row, partyCol),
			Amount:       amount,
			OccurredAt:   parseStatementTime(cell(row, timeCol)),
			Description:  strings.TrimSpace("单号 " + serial + " " + cell(row, goodsCol)),
			SourceFile:   sourceFile,
		})
	}
	return entries, nil
}

// bankParser 通用银行流水，锚定列"对方户名"
type bankParser struct{}

func (p *bankParser) Name() string { return "bank" }

func (p *bankParser) Detect(header []string) bool {
	return columnIndex(header, "对方户名") >= 0 && columnIndex(header, "金额") >= 0
}

func (p *bankParser) Parse(header []string, rows [][]string, sourceFile string) ([]*model.PendingEntry, error) {
	partyCol := columnIndex(header, "对方户名")
	amountCol := columnIndex(header, "金额")
	timeCol := columnIndex(header, "交易日期")
	summaryCol := columnIndex(header, "摘要")

	var entries []*model.PendingEntry
	for _, row := range rows {
		party := cell(row, partyCol)
		rawAmount := cell(row, amountCol)
		if party == "" || rawAmount == "" {
			continue
		}
		amount, err := normalizeAmount(rawAmount, "")
		if err != nil {
			continue
		}
		entries = append(entries, &model.PendingEntry{
			TraceID:      id.NewTraceID(),
			Source:       model.PendingSourceBank,
			Counterparty: party,
			Amount:       amount,
			OccurredAt:   parseStatementTime(cell(row, timeCol)),
			Description:  cell(row, summaryCol),
			SourceFile:   sourceFile,
		})
	}
	return entries, nil
}

// columnIndex 容忍表头空白与引号
func columnIndex(header []string, name string) int {
	for i, h := range header {
		if strings.TrimSpace(strings.Trim(h, `"`)) == name {
			return i
		}
	}
	return -1
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(row[idx]), `"`))
}

// normalizeAmount 金额归一化：去货币符号与千分位，支出为负
func normalizeAmount(raw, direction string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "¥")
	s = strings.TrimPrefix(s, "￥")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if strings.Contains(direction, "支出") && amount.IsPositive() {
		amount = amount.Neg()
	}
	return amount.Round(2), nil
}

// statementTimeLayouts 渠道导出常见的时间格式
var statementTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"20060102",
}

// parseStatementTime 解析失败时落到当前时间，保住记录不丢
func parseStatementTime(raw string) int64 {
	s := strings.TrimSpace(raw)
	for _, layout := range statementTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UnixMilli()
		}
	}
	return time.Now().UnixMilli()
}
