package store

import "errors"

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateTrace 同一 trace_id 重复追加，调用方按幂等成功处理
	ErrDuplicateTrace = errors.New("duplicate trace id")
	// ErrDuplicateFile 文件内容哈希已采集过
	ErrDuplicateFile = errors.New("duplicate file content hash")
	// ErrLocked 行锁被存活持有者占用
	ErrLocked = errors.New("entry locked by live owner")
	// ErrImmutableEntry 终态行禁止修改
	ErrImmutableEntry = errors.New("entry is terminal and immutable")
	// ErrChainViolation 哈希链断裂，拒绝追加直到回滚或显式恢复
	ErrChainViolation = errors.New("hash chain violation")
	// ErrSnapshotNotFound 快照不存在
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrCardConsumed 卡片回调已消费，一次性标记命中
	ErrCardConsumed = errors.New("card callback already consumed")
)
