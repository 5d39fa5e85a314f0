package model

// FileStatus 采集文件处理状态
type FileStatus string

const (
	FileStatusProcessed FileStatus = "PROCESSED"
	FileStatusFailed    FileStatus = "FAILED"
	FileStatusSkipped   FileStatus = "SKIPPED" // 重复内容或不支持的类型
)

// FileRecord 采集档案：按内容哈希去重，失败文件留痕可见
type FileRecord struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Path        string     `gorm:"type:varchar(512);not null;index" json:"path"`
	ContentHash string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"content_hash"`
	Status      FileStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	FailCause   string     `gorm:"type:varchar(500)" json:"fail_cause,omitempty"`
	ParserName  string     `gorm:"type:varchar(32)" json:"parser_name,omitempty"`
	RowCount    int        `gorm:"type:integer;not null;default:0" json:"row_count"`
	GroupID     string     `gorm:"type:varchar(64);index" json:"group_id,omitempty"`
	CreatedAt   int64      `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt   int64      `gorm:"type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (FileRecord) TableName() string {
	return "file_records"
}
