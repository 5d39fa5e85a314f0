package collector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltbot/ledgerd/internal/model"
)

func TestParserRegistry_DispatchByHeader(t *testing.T) {
	registry := newParserRegistry()

	cases := []struct {
		name   string
		header []string
		parser string
	}{
		{"alipay", []string{"业务流水号", "交易创建时间", "对方名称", "金额", "收/支"}, "alipay"},
		{"wechat", []string{"交易时间", "交易单号", "交易对方", "金额(元)", "收/支"}, "wechat"},
		{"bank", []string{"交易日期", "对方户名", "金额", "摘要"}, "bank"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := registry.dispatch(tc.header)
			require.NotNil(t, p)
			assert.Equal(t, tc.parser, p.Name())
		})
	}

	assert.Nil(t, registry.dispatch([]string{"姓名", "部门", "工资"}))
}

func TestAlipayParser_ParseRows(t *testing.T) {
	header := []string{"业务流水号", "交易创建时间", "对方名称", "金额", "收/支", "备注"}
	rows := [][]string{
		{"2026010122001", "2026-01-01 09:30:00", "滴滴出行科技有限公司", "58.50", "支出", "行程单"},
		{"", "2026-01-01 10:00:00", "无流水号行", "1.00", "支出", ""},
		{"2026010122002", "2026-01-02 18:00:00", "某某公司", "壹佰元", "支出", "金额非法"},
		{"2026010122003", "2026-01-03 12:00:00", "客户甲", "1,200.00", "收入", "回款"},
	}

	entries, err := (&alipayParser{}).Parse(header, rows, "alipay_202601.csv")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, model.PendingSourceAlipay, first.Source)
	assert.Equal(t, "滴滴出行科技有限公司", first.Counterparty)
	assert.True(t, first.Amount.Equal(decimal.NewFromFloat(-58.5)))
	assert.Contains(t, first.Description, "2026010122001")
	assert.Equal(t, "alipay_202601.csv", first.SourceFile)
	assert.NotEmpty(t, first.TraceID)

	// 收入方向保持正号，千分位被剥掉
	assert.True(t, entries[1].Amount.Equal(decimal.NewFromInt(1200)))
}

func TestAlipayParser_MissingRequiredColumns(t *testing.T) {
	_, err := (&alipayParser{}).Parse([]string{"业务流水号", "对方名称"}, nil, "x.csv")
	assert.Error(t, err)
}

func TestWechatParser_ParseRows(t *testing.T) {
	header := []string{"交易时间", "交易单号", "交易对方", "商品", "收/支", "金额(元)"}
	rows := [][]string{
		{"2026-01-05 12:30:00", "420001", "美团平台商户", "午餐", "支出", "¥35.00"},
	}

	entries, err := (&wechatParser{}).Parse(header, rows, "wechat.csv")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.PendingSourceWechat, entries[0].Source)
	assert.Equal(t, "美团平台商户", entries[0].Counterparty)
	assert.True(t, entries[0].Amount.Equal(decimal.NewFromInt(-35)))
	assert.Contains(t, entries[0].Description, "420001")
}

func TestBankParser_ParseRows(t *testing.T) {
	header := []string{"交易日期", "对方户名", "金额", "摘要"}
	rows := [][]string{
		{"2026/01/06", "华为技术有限公司", "-9,800.00", "货款"},
		{"2026/01/07", "", "100.00", "户名缺失"},
	}

	entries, err := (&bankParser{}).Parse(header, rows, "bank.csv")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.PendingSourceBank, entries[0].Source)
	assert.True(t, entries[0].Amount.Equal(decimal.NewFromInt(-9800)))
	assert.Equal(t, "货款", entries[0].Description)
}

func TestNormalizeAmount(t *testing.T) {
	cases := []struct {
		raw       string
		direction string
		want      string
	}{
		{"58.50", "支出", "-58.5"},
		{"¥35.00", "支出", "-35"},
		{"￥1,200.00", "收入", "1200"},
		{"-20.00", "支出", "-20"}, // 已带负号不再翻转
		{"0.005", "", "0.01"},
	}
	for _, tc := range cases {
		got, err := normalizeAmount(tc.raw, tc.direction)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got.String(), tc.raw)
	}

	_, err := normalizeAmount("", "支出")
	assert.Error(t, err)
	_, err = normalizeAmount("壹佰", "支出")
	assert.Error(t, err)
}

func TestParseStatementTime(t *testing.T) {
	ts := parseStatementTime("2026-01-01 09:30:00")
	parsed := time.UnixMilli(ts).In(time.Local)
	assert.Equal(t, 2026, parsed.Year())
	assert.Equal(t, time.January, parsed.Month())
	assert.Equal(t, 1, parsed.Day())

	// 无法解析时落到当前时间而不是 0
	assert.Greater(t, parseStatementTime("日期不详"), int64(0))
}

func TestDecodeText(t *testing.T) {
	utf8Text := []byte("交易单号,金额")
	got, enc := decodeText(utf8Text)
	assert.Equal(t, "交易单号,金额", got)
	assert.Equal(t, "utf-8", enc)

	bom := append([]byte{0xEF, 0xBB, 0xBF}, utf8Text...)
	got, enc = decodeText(bom)
	assert.Equal(t, "交易单号,金额", got)
	assert.Equal(t, "utf-8-bom", enc)

	// GB18030 编码的"金额"
	gbk := []byte{0xBD, 0xF0, 0xB6, 0xEE}
	got, enc = decodeText(gbk)
	assert.Equal(t, "金额", got)
	assert.Equal(t, "gb18030", enc)
}
