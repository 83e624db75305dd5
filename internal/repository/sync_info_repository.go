package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dwebhost/dweb-alpha/internal/model"
)

var (
	ErrSyncInfoNotFound = errors.New("sync info not found")
)

// SyncInfoRepository 索引游标仓储接口
type SyncInfoRepository interface {
	GetByChain(ctx context.Context, chain string) (*model.SyncInfo, error)
	// Advance 只会抬高游标，blockNum 不大于当前值时为 no-op
	Advance(ctx context.Context, chain string, blockNum uint64) error
}

// syncInfoRepository 索引游标仓储实现
type syncInfoRepository struct {
	*Repository
}

// NewSyncInfoRepository 创建索引游标仓储
func NewSyncInfoRepository(db *gorm.DB) SyncInfoRepository {
	return &syncInfoRepository{
		Repository: NewRepository(db),
	}
}

func (r *syncInfoRepository) GetByChain(ctx context.Context, chain string) (*model.SyncInfo, error) {
	var info model.SyncInfo
	err := r.DB(ctx).Where("chain = ?", chain).First(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSyncInfoNotFound
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (r *syncInfoRepository) Advance(ctx context.Context, chain string, blockNum uint64) error {
	now := time.Now().UnixMilli()
	result := r.DB(ctx).Model(&model.SyncInfo{}).
		Where("chain = ? AND block_num < ?", chain, blockNum).
		Updates(map[string]interface{}{
			"block_num":  blockNum,
			"updated_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// 行不存在则创建；已存在且更高时 DoNothing
	info := &model.SyncInfo{
		Chain:     chain,
		BlockNum:  blockNum,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain"}},
		DoNothing: true,
	}).Create(info).Error
}
