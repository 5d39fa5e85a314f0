package model

// Snapshot 账本库物理快照档案
type Snapshot struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	SnapshotID  string `gorm:"type:varchar(64);uniqueIndex;not null" json:"snapshot_id"`
	Description string `gorm:"type:varchar(256)" json:"description,omitempty"`
	Path        string `gorm:"type:varchar(512);not null" json:"path"`
	SizeBytes   int64  `gorm:"type:bigint;not null" json:"size_bytes"`
	CreatedAt   int64  `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
}

// TableName 返回表名
func (Snapshot) TableName() string {
	return "snapshots"
}
