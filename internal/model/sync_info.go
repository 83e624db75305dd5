package model

// SyncInfo 每条链的索引游标，BlockNum 为已完整索引的最高区块
type SyncInfo struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Chain     string `gorm:"column:chain;type:varchar(32);uniqueIndex;not null" json:"chain"`
	BlockNum  uint64 `gorm:"column:block_num;type:bigint;not null" json:"blockNum"`
	CreatedAt int64  `gorm:"column:created_at;type:bigint;not null;autoCreateTime:milli" json:"createdAt"`
	UpdatedAt int64  `gorm:"column:updated_at;type:bigint;not null;autoUpdateTime:milli" json:"updatedAt"`
}

// TableName 返回表名
func (SyncInfo) TableName() string {
	return "sync_infos"
}
