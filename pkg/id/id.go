// Package id 提供 trace_id 与业务单号生成
package id

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewTraceID 生成全局唯一 trace_id，贯穿采集、记账、审计、对账全链路
func NewTraceID() string {
	return uuid.NewString()
}

// NewCardID 生成交互卡片 ID
func NewCardID() string {
	return "card-" + uuid.NewString()
}

// NewEventID 生成 outbox 事件 ID
func NewEventID() string {
	return "evt-" + uuid.NewString()
}

// NewRuleID 生成知识库规则 ID
func NewRuleID() string {
	return "rule-" + uuid.NewString()[:13]
}

// NewSnapshotID 生成快照 ID，带时间戳便于目录排序
func NewSnapshotID() string {
	return fmt.Sprintf("snap-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
