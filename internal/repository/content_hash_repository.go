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
	ErrContentHashNotFound = errors.New("content hash record not found")
)

const insertBatchSize = 100

// ContentHashRepository 内容哈希记录仓储接口
type ContentHashRepository interface {
	// 索引写入，tx_hash 冲突时不做任何修改
	InsertIgnoreDuplicates(ctx context.Context, records []*model.ContentHashRecord) (int64, error)
	GetByTxHash(ctx context.Context, txHash string) (*model.ContentHashRecord, error)

	// 状态机
	ListByStatus(ctx context.Context, status model.ContentHashStatus, limit int) ([]*model.ContentHashRecord, error)
	TransitionStatus(ctx context.Context, id int64, from, to model.ContentHashStatus) (bool, error)
	ListPinCandidates(ctx context.Context, maxRetries int, staleBefore int64, limit int) ([]*model.ContentHashRecord, error)
	ClaimForPinning(ctx context.Context, id int64, maxRetries int, staleBefore int64) (bool, error)
	MarkPinFailed(ctx context.Context, id int64) (bool, error)

	// 名称解析
	ListUnresolvedNames(ctx context.Context, limit int) ([]*model.ContentHashRecord, error)
	SetEnsNameByNode(ctx context.Context, node, name string) (int64, error)
	TouchUnresolvedByNodes(ctx context.Context, nodes []string) error

	// 读接口与统计
	List(ctx context.Context, page *Pagination) ([]*model.ContentHashRecord, error)
	ListByNode(ctx context.Context, node string, page *Pagination) ([]*model.ContentHashRecord, error)
	CountDistinctNodes(ctx context.Context) (int64, error)
	CountDistinctHashes(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context, status model.ContentHashStatus) (int64, error)
}

// contentHashRepository 内容哈希记录仓储实现
type contentHashRepository struct {
	*Repository
}

// NewContentHashRepository 创建内容哈希记录仓储
func NewContentHashRepository(db *gorm.DB) ContentHashRepository {
	return &contentHashRepository{
		Repository: NewRepository(db),
	}
}

func (r *contentHashRepository) InsertIgnoreDuplicates(ctx context.Context, records []*model.ContentHashRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	now := time.Now().UnixMilli()
	for _, rec := range records {
		if rec.Status == "" {
			rec.Status = model.ContentHashStatusCreated
		}
		rec.CreatedAt = now
		rec.UpdatedAt = now
	}

	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}},
		DoNothing: true,
	}).CreateInBatches(records, insertBatchSize)
	return result.RowsAffected, result.Error
}

func (r *contentHashRepository) GetByTxHash(ctx context.Context, txHash string) (*model.ContentHashRecord, error) {
	var rec model.ContentHashRecord
	err := r.DB(ctx).Where("tx_hash = ?", txHash).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrContentHashNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *contentHashRepository) ListByStatus(ctx context.Context, status model.ContentHashStatus, limit int) ([]*model.ContentHashRecord, error) {
	var records []*model.ContentHashRecord
	err := r.DB(ctx).
		Where("status = ?", status).
		Order("updated_at ASC, id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// TransitionStatus 仅当行仍处于 from 状态时更新，返回是否生效
func (r *contentHashRepository) TransitionStatus(ctx context.Context, id int64, from, to model.ContentHashStatus) (bool, error) {
	result := r.DB(ctx).Model(&model.ContentHashRecord{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// pinEligible 可认领条件: checked；failed 且未达重试上限；pinning 且租约过期
func pinEligible(db *gorm.DB, maxRetries int, staleBefore int64) *gorm.DB {
	return db.Where(
		"((status = ?) OR (status = ? AND retry < ?) OR (status = ? AND updated_at < ?))",
		model.ContentHashStatusChecked,
		model.ContentHashStatusFailed, maxRetries,
		model.ContentHashStatusPinning, staleBefore,
	)
}

func (r *contentHashRepository) ListPinCandidates(ctx context.Context, maxRetries int, staleBefore int64, limit int) ([]*model.ContentHashRecord, error) {
	var records []*model.ContentHashRecord
	err := pinEligible(r.DB(ctx), maxRetries, staleBefore).
		Order("updated_at ASC, id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// ClaimForPinning 原子认领，RowsAffected == 1 为唯一的认领成功依据
func (r *contentHashRepository) ClaimForPinning(ctx context.Context, id int64, maxRetries int, staleBefore int64) (bool, error) {
	result := pinEligible(r.DB(ctx).Model(&model.ContentHashRecord{}).Where("id = ?", id), maxRetries, staleBefore).
		Updates(map[string]interface{}{
			"status":     model.ContentHashStatusPinning,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkPinFailed pinning -> failed，retry 加 1
func (r *contentHashRepository) MarkPinFailed(ctx context.Context, id int64) (bool, error) {
	result := r.DB(ctx).Model(&model.ContentHashRecord{}).
		Where("id = ? AND status = ?", id, model.ContentHashStatusPinning).
		Updates(map[string]interface{}{
			"status":     model.ContentHashStatusFailed,
			"retry":      gorm.Expr("retry + 1"),
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *contentHashRepository) ListUnresolvedNames(ctx context.Context, limit int) ([]*model.ContentHashRecord, error) {
	var records []*model.ContentHashRecord
	err := r.DB(ctx).
		Where("ens_name = ? AND node <> ?", "", "").
		Order("updated_at ASC, id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// SetEnsNameByNode 同一 node 的全部历史记录都写入名称
func (r *contentHashRepository) SetEnsNameByNode(ctx context.Context, node, name string) (int64, error) {
	result := r.DB(ctx).Model(&model.ContentHashRecord{}).
		Where("node = ?", node).
		Updates(map[string]interface{}{
			"ens_name":   name,
			"updated_at": time.Now().UnixMilli(),
		})
	return result.RowsAffected, result.Error
}

// TouchUnresolvedByNodes 刷新未解析记录的 updated_at，使下一批轮换到其它 node
func (r *contentHashRepository) TouchUnresolvedByNodes(ctx context.Context, nodes []string) error {
	if len(nodes) == 0 {
		return nil
	}
	return r.DB(ctx).Model(&model.ContentHashRecord{}).
		Where("node IN ? AND ens_name = ?", nodes, "").
		Update("updated_at", time.Now().UnixMilli()).Error
}

func (r *contentHashRepository) List(ctx context.Context, page *Pagination) ([]*model.ContentHashRecord, error) {
	return r.paged(r.DB(ctx).Model(&model.ContentHashRecord{}), page)
}

func (r *contentHashRepository) ListByNode(ctx context.Context, node string, page *Pagination) ([]*model.ContentHashRecord, error) {
	return r.paged(r.DB(ctx).Model(&model.ContentHashRecord{}).Where("node = ?", node), page)
}

func (r *contentHashRepository) paged(query *gorm.DB, page *Pagination) ([]*model.ContentHashRecord, error) {
	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	var records []*model.ContentHashRecord
	err := query.
		Order("block_num DESC, id DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&records).Error
	return records, err
}

func (r *contentHashRepository) CountDistinctNodes(ctx context.Context) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.ContentHashRecord{}).
		Where("node <> ?", "").
		Distinct("node").
		Count(&count).Error
	return count, err
}

func (r *contentHashRepository) CountDistinctHashes(ctx context.Context) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.ContentHashRecord{}).
		Where("hash NOT IN ?", []string{"", "0x"}).
		Distinct("hash").
		Count(&count).Error
	return count, err
}

func (r *contentHashRepository) CountByStatus(ctx context.Context, status model.ContentHashStatus) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.ContentHashRecord{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}
