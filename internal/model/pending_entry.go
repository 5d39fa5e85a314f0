package model

import (
	"github.com/shopspring/decimal"
)

// PendingSource 流水来源渠道
type PendingSource string

const (
	PendingSourceAlipay PendingSource = "ALIPAY"
	PendingSourceWechat PendingSource = "WECHAT"
	PendingSourceBank   PendingSource = "BANK"
)

// PendingStatus 影子分录状态
type PendingStatus string

const (
	PendingStatusUnreconciled PendingStatus = "UNRECONCILED" // 等待匹配
	PendingStatusMatched      PendingStatus = "MATCHED"      // 已匹配，等待确认
	PendingStatusReconciled   PendingStatus = "RECONCILED"   // 对账完成
)

// PendingEntry 影子分录：等待与账本流水对账的银行/支付流水行
type PendingEntry struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TraceID         string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"trace_id"`
	TenantID        string          `gorm:"type:varchar(64);index" json:"tenant_id,omitempty"`
	Source          PendingSource   `gorm:"type:varchar(16);not null;index" json:"source"`
	Counterparty    string          `gorm:"type:varchar(128);index" json:"counterparty"`
	Amount          decimal.Decimal `gorm:"type:decimal(18,2);not null;index" json:"amount"`
	OccurredAt      int64           `gorm:"type:bigint;not null;index" json:"occurred_at"`
	Description     string          `gorm:"type:varchar(512)" json:"description,omitempty"`
	Status          PendingStatus   `gorm:"type:varchar(16);not null;index;default:'UNRECONCILED'" json:"status"`
	MatchedLedgerID int64           `gorm:"type:bigint" json:"matched_ledger_id,omitempty"`
	MatchScore      float64         `gorm:"type:double" json:"match_score,omitempty"`
	SourceFile      string          `gorm:"type:varchar(512)" json:"source_file,omitempty"`
	EvidenceAskedAt int64           `gorm:"type:bigint" json:"evidence_asked_at,omitempty"` // 已追索凭证的时间，避免重复催办
	CreatedAt       int64           `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt       int64           `gorm:"type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (PendingEntry) TableName() string {
	return "pending_entries"
}
