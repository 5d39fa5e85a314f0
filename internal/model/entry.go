// Package model 定义账本守护进程的数据模型
package model

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// EntryStatus 账目状态
type EntryStatus string

const (
	EntryStatusProposed    EntryStatus = "PROPOSED"     // 已提出，等待审计
	EntryStatusLocking     EntryStatus = "LOCKING"      // 审计中，持有业务锁
	EntryStatusAudited     EntryStatus = "AUDITED"      // 审计通过，待入链
	EntryStatusPosted      EntryStatus = "POSTED"       // 已入链，不可变更
	EntryStatusNeedsReview EntryStatus = "NEEDS_REVIEW" // 等待人工卡片回调
	EntryStatusRisk        EntryStatus = "RISK"         // 已入账但带风险标记
	EntryStatusRejected    EntryStatus = "REJECTED"     // 审计驳回
	EntryStatusReverted    EntryStatus = "REVERTED"     // 已红冲
)

// IsTerminal 终态行只追加不修改
func (s EntryStatus) IsTerminal() bool {
	return s == EntryStatusPosted || s == EntryStatusRejected || s == EntryStatusReverted
}

// LedgerEntry 账本流水，哈希链式不可变记录
type LedgerEntry struct {
	ID         int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TraceID    string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"trace_id"`
	TenantID   string          `gorm:"type:varchar(64);index" json:"tenant_id,omitempty"` // 预留多租户字段，核心链路不做隔离
	Amount     decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"amount"`
	Currency   string          `gorm:"type:varchar(8);not null;default:'CNY'" json:"currency"`
	Vendor     string          `gorm:"type:varchar(128);index" json:"vendor"`
	Category   string          `gorm:"type:varchar(32)" json:"category"` // 科目编码 NNNN 或 NNNN-NN
	OccurredAt int64           `gorm:"type:bigint;not null;index" json:"occurred_at"`
	GroupID    string          `gorm:"type:varchar(64);index" json:"group_id,omitempty"`   // 多模态采集分组
	ProjectID  string          `gorm:"type:varchar(64)" json:"project_id,omitempty"`

	// 溯源信息
	InferenceLog InferenceLog `gorm:"type:text" json:"inference_log"`
	MatchedRule  string       `gorm:"type:varchar(64)" json:"matched_rule,omitempty"`
	SourceFile   string       `gorm:"type:varchar(512)" json:"source_file,omitempty"`

	// 哈希链
	PrevHash  string `gorm:"type:varchar(64)" json:"prev_hash"`
	ChainHash string `gorm:"type:varchar(64);index" json:"chain_hash"`

	Status    EntryStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	LockOwner string      `gorm:"type:varchar(64)" json:"lock_owner,omitempty"`
	LockedAt  int64       `gorm:"type:bigint" json:"locked_at,omitempty"`

	// 红冲回溯：红冲分录指向原分录 ID
	RevertOf     int64  `gorm:"type:bigint" json:"revert_of,omitempty"`
	RevertReason string `gorm:"type:varchar(256)" json:"revert_reason,omitempty"`

	CreatedAt int64 `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt int64 `gorm:"type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// ComputeChainHash 计算链式哈希
// H(prev_hash ∥ amount ∥ vendor ∥ category ∥ trace_id ∥ occurred_at)
func (e *LedgerEntry) ComputeChainHash(prevHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d",
		prevHash,
		e.Amount.StringFixed(2),
		e.Vendor,
		e.Category,
		e.TraceID,
		e.OccurredAt,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// InferenceStep 推理路径单步
type InferenceStep struct {
	Stage  string `json:"stage"`            // input_analysis, routing, rule_match, l2_reasoning, dimension, confidence
	Detail string `json:"detail"`
	At     int64  `json:"at,omitempty"`
}

// InferenceLog 结构化推理路径，穿透式证据链
type InferenceLog struct {
	RuleID     string          `json:"rule_id,omitempty"`
	Engine     string          `json:"engine,omitempty"` // L1 / L2
	Confidence float64         `json:"confidence"`
	IsGray     bool            `json:"is_gray,omitempty"`
	Steps      []InferenceStep `json:"steps,omitempty"`
	MatchInfo  json.RawMessage `json:"match_info,omitempty"`
}

// Value 实现 driver.Valuer 接口
func (l InferenceLog) Value() (driver.Value, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan 实现 sql.Scanner 接口
func (l *InferenceLog) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*l = InferenceLog{}
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported inference_log column type %T", value)
	}
}

// EntryTag 多维核算标签
type EntryTag struct {
	ID      int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryID int64  `gorm:"type:bigint;not null;index:idx_tag_entry" json:"entry_id"`
	Key     string `gorm:"type:varchar(64);not null;index:idx_tag_kv" json:"key"`
	Value   string `gorm:"type:varchar(128);not null;index:idx_tag_kv" json:"value"`
}

// TableName 返回表名
func (EntryTag) TableName() string {
	return "entry_tags"
}
