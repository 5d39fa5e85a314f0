package model

// BudgetUsage 令牌消耗累计，按自然日与自然月各记一行
// Period 形如 day:2026-08-26 或 month:2026-08
type BudgetUsage struct {
	Period     string `gorm:"primaryKey;type:varchar(32)" json:"period"`
	TokensUsed int64  `gorm:"type:bigint;not null;default:0" json:"tokens_used"`
	UpdatedAt  int64  `gorm:"type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (BudgetUsage) TableName() string {
	return "budget_usages"
}
