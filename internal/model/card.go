package model

// CardKind 交互卡片类型
type CardKind string

const (
	CardKindReview         CardKind = "REVIEW"          // 单笔人工复核
	CardKindBatchReconcile CardKind = "BATCH_RECONCILE" // 批量对账确认
	CardKindEvidence       CardKind = "EVIDENCE"        // 凭证追索
)

// CardStatus 卡片状态，单向流转
type CardStatus string

const (
	CardStatusSent      CardStatus = "SENT"
	CardStatusClicked   CardStatus = "CLICKED"
	CardStatusCompleted CardStatus = "COMPLETED"
	CardStatusExpired   CardStatus = "EXPIRED"
)

// Terminal 终态卡片不再接受回调
func (s CardStatus) Terminal() bool {
	return s == CardStatusCompleted || s == CardStatusExpired
}

// CanAdvance 检查状态能否单向推进到 next
func (s CardStatus) CanAdvance(next CardStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case CardStatusClicked:
		return s == CardStatusSent
	case CardStatusCompleted:
		return s == CardStatusSent || s == CardStatusClicked
	case CardStatusExpired:
		return true
	default:
		return false
	}
}

// InteractionCard 人机交互卡片：签名、限时、角色受限的待办
type InteractionCard struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	CardID          string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"card_id"`
	Kind            CardKind   `gorm:"type:varchar(32);not null" json:"kind"`
	CallbackToken   string     `gorm:"type:varchar(128);not null" json:"-"` // HMAC 签名令牌，不对外序列化
	RequiredRole    string     `gorm:"type:varchar(32);not null" json:"required_role"`
	Status          CardStatus `gorm:"type:varchar(16);not null;index;default:'SENT'" json:"status"`
	LinkedEntityRef string     `gorm:"type:varchar(128);index" json:"linked_entity_ref"` // entry:<id> / pending:<id> / batch:<group>
	Payload         []byte     `gorm:"type:text" json:"payload,omitempty"`
	TraceID         string     `gorm:"type:varchar(64);index" json:"trace_id,omitempty"`
	ExpiresAt       int64      `gorm:"type:bigint;not null;index" json:"expires_at"`
	ConsumedAt      int64      `gorm:"type:bigint" json:"consumed_at,omitempty"` // 一次性回调标记
	CreatedAt       int64      `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt       int64      `gorm:"type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (InteractionCard) TableName() string {
	return "interaction_cards"
}
