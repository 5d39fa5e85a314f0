package model

import (
	"regexp"

	"github.com/shopspring/decimal"
)

// AuditLevel 规则生命周期状态
type AuditLevel string

const (
	AuditLevelGray    AuditLevel = "GRAY"    // 灰度期，命中需影子审计
	AuditLevelStable  AuditLevel = "STABLE"  // 转正，快速通道直接采信
	AuditLevelManual  AuditLevel = "MANUAL"  // 人工修正沉淀，等同 STABLE 采信
	AuditLevelBlocked AuditLevel = "BLOCKED" // 阻断，命中直接拦截
	AuditLevelFailed  AuditLevel = "FAILED"  // 驳回过多废弃
)

// Trusted 是否可走高置信度快速通道
func (l AuditLevel) Trusted() bool {
	return l == AuditLevelStable || l == AuditLevelManual
}

// RuleSource 规则来源
type RuleSource string

const (
	RuleSourceManual RuleSource = "MANUAL" // 老板手动修正回流
	RuleSourceL2     RuleSource = "L2"     // 外部推理沉淀
	RuleSourceSeed   RuleSource = "SEED"   // 初始规则文件
)

// Rule 知识库规则
type Rule struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RuleID         string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"rule_id"`
	Keyword        string     `gorm:"type:varchar(128);not null;index" json:"keyword"`
	UseRegex       bool       `gorm:"not null;default:false" json:"use_regex"`
	Category       string     `gorm:"type:varchar(32);not null" json:"category"`
	Priority       int        `gorm:"type:integer;not null;default:100" json:"priority"` // 数字越大优先级越高
	AmountMin      *string    `gorm:"type:varchar(32)" json:"amount_min,omitempty"`      // 金额条件下界，空表示不限
	AmountMax      *string    `gorm:"type:varchar(32)" json:"amount_max,omitempty"`
	VendorContains string     `gorm:"type:varchar(128)" json:"vendor_contains,omitempty"`
	AuditLevel     AuditLevel `gorm:"type:varchar(16);not null;index;default:'GRAY'" json:"audit_level"`
	Source         RuleSource `gorm:"type:varchar(16);not null;default:'SEED'" json:"source"`

	// 审计反馈
	HitCount           int `gorm:"type:integer;not null;default:0" json:"hit_count"`
	RejectCount        int `gorm:"type:integer;not null;default:0" json:"reject_count"`
	ConsecutiveSuccess int `gorm:"type:integer;not null;default:0" json:"consecutive_success"`

	// 版本化：晋升/降级产生新版本，ValidUntil 标记被取代时间
	Version    int   `gorm:"type:integer;not null;default:1" json:"version"`
	ValidUntil int64 `gorm:"type:bigint" json:"valid_until,omitempty"` // 0 表示当前有效

	CreatedAt int64 `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt int64 `gorm:"type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (Rule) TableName() string {
	return "rules"
}

// Active 当前版本且未废弃
func (r *Rule) Active() bool {
	return r.ValidUntil == 0 && r.AuditLevel != AuditLevelFailed
}

// AmountInRange 检查金额是否落在规则条件内
func (r *Rule) AmountInRange(amount decimal.Decimal) bool {
	abs := amount.Abs()
	if r.AmountMin != nil {
		if min, err := decimal.NewFromString(*r.AmountMin); err == nil && abs.LessThan(min) {
			return false
		}
	}
	if r.AmountMax != nil {
		if max, err := decimal.NewFromString(*r.AmountMax); err == nil && abs.GreaterThan(max) {
			return false
		}
	}
	return true
}

// Specificity 规则特异度，优先级相同时窄规则先匹配
func (r *Rule) Specificity() int {
	score := len([]rune(r.Keyword))
	if r.AmountMin != nil {
		score += 10
	}
	if r.AmountMax != nil {
		score += 10
	}
	if r.VendorContains != "" {
		score += 5
	}
	return score
}

// categoryPattern 合法科目编码：NNNN 或 NNNN-NN
var categoryPattern = regexp.MustCompile(`^\d{4}(-\d{2})?$`)

// ValidCategory 校验科目编码格式
func ValidCategory(category string) bool {
	return categoryPattern.MatchString(category)
}

// RuleVersion 规则版本历史，晋升/降级时落档
type RuleVersion struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RuleID     string     `gorm:"type:varchar(64);not null;index" json:"rule_id"`
	Version    int        `gorm:"type:integer;not null" json:"version"`
	AuditLevel AuditLevel `gorm:"type:varchar(16);not null" json:"audit_level"`
	Category   string     `gorm:"type:varchar(32);not null" json:"category"`
	Reason     string     `gorm:"type:varchar(256)" json:"reason,omitempty"`
	CreatedAt  int64      `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
}

// TableName 返回表名
func (RuleVersion) TableName() string {
	return "rule_versions"
}
