package service

import (
	"context"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dwebhost/dweb-alpha/internal/contenthash"
	"github.com/dwebhost/dweb-alpha/internal/ipfs"
	"github.com/dwebhost/dweb-alpha/internal/metrics"
	"github.com/dwebhost/dweb-alpha/internal/model"
	"github.com/dwebhost/dweb-alpha/internal/repository"
	"github.com/dwebhost/dweb-alpha/pkg/logger"
)

var bytesPerMB = decimal.NewFromInt(1024 * 1024)

// RepoStater 存储后端容量查询
type RepoStater interface {
	RepoStat(ctx context.Context) (*ipfs.RepoStat, error)
}

// Statistics 看板统计
type Statistics struct {
	NumENS         int64  `json:"numENS"`
	NumContentHash int64  `json:"numContentHash"`
	NumPinned      int64  `json:"numPinned"`
	StorageUsed    string `json:"storageUsed"`
}

// ContentHashView 读接口返回的记录，CID 由 hash 解码，无法解码时为空
type ContentHashView struct {
	ID        int64                   `json:"id"`
	TxHash    string                  `json:"txHash"`
	Node      string                  `json:"node"`
	EnsName   string                  `json:"ensName"`
	Hash      string                  `json:"hash"`
	CID       string                  `json:"cid"`
	Path      string                  `json:"path"`
	BlockNum  uint64                  `json:"blockNum,string"`
	Status    model.ContentHashStatus `json:"status"`
	Retry     int                     `json:"retry"`
	CreatedAt int64                   `json:"createdAt"`
	UpdatedAt int64                   `json:"updatedAt"`
}

// ContentHashPage 分页结果
type ContentHashPage struct {
	Items      []*ContentHashView `json:"items"`
	Total      int64              `json:"total"`
	Page       int                `json:"page"`
	Limit      int                `json:"limit"`
	TotalPages int64              `json:"totalPages"`
}

// StatsService 统计与只读查询
type StatsService struct {
	repo    repository.ContentHashRepository
	storage RepoStater
}

// NewStatsService 创建统计服务
func NewStatsService(repo repository.ContentHashRepository, storage RepoStater) *StatsService {
	return &StatsService{repo: repo, storage: storage}
}

// GetStatistics 任一环节失败都返回零值统计
func (s *StatsService) GetStatistics(ctx context.Context) *Statistics {
	stats, err := s.collect(ctx)
	if err != nil {
		logger.Error("collect statistics failed", zap.Error(err))
		return &Statistics{StorageUsed: formatMB(0)}
	}
	return stats
}

func (s *StatsService) collect(ctx context.Context) (*Statistics, error) {
	numENS, err := s.repo.CountDistinctNodes(ctx)
	if err != nil {
		return nil, err
	}
	numHash, err := s.repo.CountDistinctHashes(ctx)
	if err != nil {
		return nil, err
	}
	numPinned, err := s.repo.CountByStatus(ctx, model.ContentHashStatusPinned)
	if err != nil {
		return nil, err
	}
	stat, err := s.storage.RepoStat(ctx)
	if err != nil {
		return nil, err
	}
	metrics.StorageUsedBytes.Set(float64(stat.RepoSize))

	return &Statistics{
		NumENS:         numENS,
		NumContentHash: numHash,
		NumPinned:      numPinned,
		StorageUsed:    formatMB(stat.RepoSize),
	}, nil
}

// ListContentHashes 全部记录分页，按区块倒序
func (s *StatsService) ListContentHashes(ctx context.Context, page, limit int) (*ContentHashPage, error) {
	p := repository.NewPagination(page, limit)
	rows, err := s.repo.List(ctx, p)
	if err != nil {
		return nil, err
	}
	return toPage(rows, p), nil
}

// ListByNode 某个 node 的历史记录分页
func (s *StatsService) ListByNode(ctx context.Context, node string, page, limit int) (*ContentHashPage, error) {
	p := repository.NewPagination(page, limit)
	rows, err := s.repo.ListByNode(ctx, strings.ToLower(node), p)
	if err != nil {
		return nil, err
	}
	return toPage(rows, p), nil
}

func toPage(rows []*model.ContentHashRecord, p *repository.Pagination) *ContentHashPage {
	items := make([]*ContentHashView, 0, len(rows))
	for _, rec := range rows {
		items = append(items, toView(rec))
	}
	return &ContentHashPage{
		Items:      items,
		Total:      p.Total,
		Page:       p.Page,
		Limit:      p.PageSize,
		TotalPages: p.TotalPages(),
	}
}

func toView(rec *model.ContentHashRecord) *ContentHashView {
	v := &ContentHashView{
		ID:        rec.ID,
		TxHash:    rec.TxHash,
		Node:      rec.Node,
		EnsName:   rec.EnsName,
		Hash:      rec.Hash,
		BlockNum:  rec.BlockNum,
		Status:    rec.Status,
		Retry:     rec.Retry,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if content, err := contenthash.DecodeHex(rec.Hash); err == nil {
		v.CID = content.CID.String()
		v.Path = content.Path()
	}
	return v
}

// formatMB 字节数转 MB，保留两位小数
func formatMB(size uint64) string {
	bytes := decimal.NewFromBigInt(new(big.Int).SetUint64(size), 0)
	return bytes.Div(bytesPerMB).StringFixed(2) + " MB"
}
