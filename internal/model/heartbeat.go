package model

// WorkerState 心跳状态
type WorkerState string

const (
	WorkerStateAlive       WorkerState = "ALIVE"
	WorkerStateDead        WorkerState = "DEAD"
	WorkerStateStuck       WorkerState = "STUCK"
	WorkerStateQuarantined WorkerState = "QUARANTINED"
)

// Heartbeat 受管 worker 的持久化心跳行
type Heartbeat struct {
	WorkerName    string      `gorm:"primaryKey;type:varchar(64)" json:"worker_name"`
	PID           int         `gorm:"column:pid;type:integer" json:"pid"`
	State         WorkerState `gorm:"type:varchar(16);not null" json:"state"`
	LastBeatAt    int64       `gorm:"type:bigint;not null" json:"last_beat_at"`
	PanicSnapshot string      `gorm:"type:text" json:"panic_snapshot,omitempty"`
	Restarts      int         `gorm:"type:integer;not null;default:0" json:"restarts"`
	UpdatedAt     int64       `gorm:"type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (Heartbeat) TableName() string {
	return "heartbeats"
}
