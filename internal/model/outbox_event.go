package model

import (
	"encoding/json"
)

// OutboxKind 外发事件类型
type OutboxKind string

const (
	OutboxKindPushCard        OutboxKind = "PUSH_CARD"        // 交互卡片推送
	OutboxKindEvidenceRequest OutboxKind = "EVIDENCE_REQUEST" // 凭证追索
	OutboxKindBatchConfirm    OutboxKind = "BATCH_CONFIRM"    // 批量对账确认
	OutboxKindCritical        OutboxKind = "CRITICAL"         // 运维级告警
)

// OutboxStatus 外发事件状态
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "PENDING" // 待发送
	OutboxStatusSent    OutboxStatus = "SENT"    // 已发出，等待确认
	OutboxStatusAck     OutboxStatus = "ACK"     // 送达确认
	OutboxStatusFailed  OutboxStatus = "FAILED"  // 超过重试上限
)

// OutboxEvent 本地消息表记录，保证至少一次外发
type OutboxEvent struct {
	ID            int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID       string       `gorm:"type:varchar(64);uniqueIndex;not null" json:"event_id"`
	Kind          OutboxKind   `gorm:"type:varchar(32);not null;index" json:"kind"`
	Payload       []byte       `gorm:"type:text;not null" json:"payload"`
	Status        OutboxStatus `gorm:"type:varchar(16);not null;index:idx_outbox_due;default:'PENDING'" json:"status"`
	Attempts      int          `gorm:"type:integer;not null;default:0" json:"attempts"`
	MaxAttempts   int          `gorm:"type:integer;not null;default:5" json:"max_attempts"`
	NextAttemptAt int64        `gorm:"type:bigint;not null;index:idx_outbox_due" json:"next_attempt_at"`
	LastError     string       `gorm:"type:varchar(500)" json:"last_error,omitempty"`
	TraceID       string       `gorm:"type:varchar(64);index" json:"trace_id,omitempty"`
	CreatedAt     int64        `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt     int64        `gorm:"type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
	SentAt        int64        `gorm:"type:bigint" json:"sent_at,omitempty"`
}

// TableName 返回表名
func (OutboxEvent) TableName() string {
	return "outbox_events"
}

// SetPayload 设置事件内容
func (e *OutboxEvent) SetPayload(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Payload = data
	return nil
}

// GetPayload 读取事件内容
func (e *OutboxEvent) GetPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// CardEnvelope 对外推送的卡片信封，由 outbox worker 按渠道渲染
type CardEnvelope struct {
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Fields    map[string]string `json:"fields,omitempty"`
	ImageRefs []string          `json:"image_refs,omitempty"`
	Buttons   []CardButton      `json:"buttons,omitempty"`
	Metadata  CardMetadata      `json:"metadata"`
}

// CardButton 卡片按钮
type CardButton struct {
	Action string `json:"action"`
	Value  string `json:"value"`
}

// CardMetadata 卡片元数据
type CardMetadata struct {
	TraceID      string `json:"trace_id"`
	RequiredRole string `json:"required_role"`
	CardID       string `json:"card_id,omitempty"`
	Token        string `json:"token,omitempty"`
}
