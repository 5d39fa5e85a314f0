package model

import "github.com/shopspring/decimal"

// Document 采集产出的结构化单据，等待分类入账
// 银行/支付流水不走此类型，直接落为 PendingEntry
type Document struct {
	TraceID     string
	TenantID    string
	Vendor      string
	Description string
	Amount      decimal.Decimal
	Currency    string
	OccurredAt  int64
	SourceFile  string
	GroupID     string
}
