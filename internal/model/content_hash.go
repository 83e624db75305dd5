package model

// ContentHashStatus 内容哈希记录状态
type ContentHashStatus string

const (
	ContentHashStatusCreated  ContentHashStatus = "created"  // 已索引，待检查
	ContentHashStatusChecked  ContentHashStatus = "checked"  // 存储后端可取到，待 pin
	ContentHashStatusPinning  ContentHashStatus = "pinning"  // 已认领，pin 中
	ContentHashStatusPinned   ContentHashStatus = "pinned"   // 终态
	ContentHashStatusFailed   ContentHashStatus = "failed"   // pin 失败，retry < 上限时可重试
	ContentHashStatusNotFound ContentHashStatus = "notfound" // 无法解码或存储后端取不到
)

func (s ContentHashStatus) String() string {
	return string(s)
}

// IsTerminal pinned 与 notfound 不再变化；failed 是否终态取决于 retry
func (s ContentHashStatus) IsTerminal() bool {
	return s == ContentHashStatusPinned || s == ContentHashStatusNotFound
}

// ContentHashRecord 链上 ContenthashChanged 事件记录，每笔交易一行，只追加不删除
type ContentHashRecord struct {
	ID        int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	TxHash    string            `gorm:"column:tx_hash;type:varchar(66);uniqueIndex;not null" json:"txHash"`
	Node      string            `gorm:"column:node;type:varchar(66);index;not null;default:''" json:"node"`
	EnsName   string            `gorm:"column:ens_name;type:varchar(255);not null;default:''" json:"ensName"`
	Hash      string            `gorm:"column:hash;type:text;not null;default:''" json:"hash"`
	BlockNum  uint64            `gorm:"column:block_num;type:bigint;index;not null" json:"blockNum"`
	Status    ContentHashStatus `gorm:"column:status;type:varchar(16);index;not null;default:'created'" json:"status"`
	Retry     int               `gorm:"column:retry;type:int;not null;default:0" json:"retry"`
	CreatedAt int64             `gorm:"column:created_at;type:bigint;not null;autoCreateTime:milli" json:"createdAt"`
	UpdatedAt int64             `gorm:"column:updated_at;type:bigint;index;not null;autoUpdateTime:milli" json:"updatedAt"`
}

// TableName 返回表名
func (ContentHashRecord) TableName() string {
	return "content_hashes"
}

// ContentHashStatusEvent 状态变更事件 (发送到 Kafka)
type ContentHashStatusEvent struct {
	ID         int64             `json:"id"`
	TxHash     string            `json:"tx_hash"`
	Node       string            `json:"node"`
	CID        string            `json:"cid"`
	FromStatus ContentHashStatus `json:"from_status"`
	Status     ContentHashStatus `json:"status"`
	Retry      int               `json:"retry"`
	Reason     string            `json:"reason,omitempty"`
	OccurredAt int64             `json:"occurred_at"`
}
