// ========================================
// IndexerService 索引服务
// ========================================
//
// ## 功能概述
// 按固定间隔从游标的下一个区块开始扫描 resolver 合约的 ContenthashChanged 事件，
// 每次最多处理 MaxBlockRange 个区块，写入 content_hashes (status=created)。
//
// ## 游标
// - sync_infos.block_num 为已完整索引的最高区块，只增不减
// - 事件写入与游标推进在同一个事务内，写入失败不会推进游标
// - 游标不存在时从 StartBlock 开始
//
// ## 确认数
// - 窗口上界为 head - Confirmations，默认 0
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/dwebhost/dweb-alpha/internal/blockchain"
	"github.com/dwebhost/dweb-alpha/internal/metrics"
	"github.com/dwebhost/dweb-alpha/internal/model"
	"github.com/dwebhost/dweb-alpha/internal/repository"
	pkgerrors "github.com/dwebhost/dweb-alpha/pkg/errors"
	"github.com/dwebhost/dweb-alpha/pkg/logger"
)

// EventSource 链上事件来源
type EventSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	GetEvents(ctx context.Context, contracts []common.Address, from, to uint64) ([]blockchain.RawEvent, error)
}

// Transactor 事务执行器，临时性数据库错误 (死锁、序列化失败) 时整体重试
type Transactor interface {
	TransactionWithRetry(ctx context.Context, maxRetries int, fn func(ctx context.Context) error) error
}

// 写入与游标推进作为一个事务的最大尝试次数
const indexTxAttempts = 3

// IndexerServiceConfig 配置
type IndexerServiceConfig struct {
	Chain         string
	Contracts     []common.Address
	StartBlock    uint64
	MaxBlockRange uint64
	Confirmations uint64
}

// IndexResult 一次索引的结果，FromBlock > ToBlock 表示没有新区块
type IndexResult struct {
	PrevBlock uint64 `json:"prevBlock"`
	FromBlock uint64 `json:"fromBlock"`
	ToBlock   uint64 `json:"toBlock"`
	Head      uint64 `json:"head"`
	Events    int    `json:"events"`
	Inserted  int64  `json:"inserted"`
}

// Advanced 本次是否推进了游标
func (r *IndexResult) Advanced() bool {
	return r.ToBlock >= r.FromBlock
}

// ToMap 转换为任务执行结果
func (r *IndexResult) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"prev_block": r.PrevBlock,
		"from_block": r.FromBlock,
		"to_block":   r.ToBlock,
		"head":       r.Head,
		"events":     r.Events,
		"inserted":   r.Inserted,
	}
}

// IndexerService 链上事件索引服务
type IndexerService struct {
	source   EventSource
	tx       Transactor
	syncRepo repository.SyncInfoRepository
	hashRepo repository.ContentHashRepository
	cfg      IndexerServiceConfig
	guard    runGuard
}

// NewIndexerService 创建索引服务
func NewIndexerService(
	source EventSource,
	tx Transactor,
	syncRepo repository.SyncInfoRepository,
	hashRepo repository.ContentHashRepository,
	cfg *IndexerServiceConfig,
) *IndexerService {
	c := *cfg
	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = 500
	}
	if c.Chain == "" {
		c.Chain = "mainnet"
	}
	return &IndexerService{
		source:   source,
		tx:       tx,
		syncRepo: syncRepo,
		hashRepo: hashRepo,
		cfg:      c,
	}
}

// Chain 游标所属链
func (s *IndexerService) Chain() string {
	return s.cfg.Chain
}

// Cursor 当前游标，不存在时返回 StartBlock
func (s *IndexerService) Cursor(ctx context.Context) (uint64, error) {
	info, err := s.syncRepo.GetByChain(ctx, s.cfg.Chain)
	if errors.Is(err, repository.ErrSyncInfoNotFound) {
		return s.cfg.StartBlock, nil
	}
	if err != nil {
		return 0, err
	}
	return info.BlockNum, nil
}

// LatestBlock 链头
func (s *IndexerService) LatestBlock(ctx context.Context) (uint64, error) {
	return s.source.LatestBlock(ctx)
}

// RunOnce 索引一个窗口
func (s *IndexerService) RunOnce(ctx context.Context) (*IndexResult, error) {
	if !s.guard.tryStart() {
		return nil, pkgerrors.ErrCycleInProgress
	}
	defer s.guard.done()

	cursor, err := s.Cursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	head, err := s.source.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("get latest block: %w", err)
	}

	from, to, ok := indexWindow(cursor, head, s.cfg.MaxBlockRange, s.cfg.Confirmations)
	result := &IndexResult{PrevBlock: cursor, FromBlock: from, ToBlock: to, Head: head}
	if !ok {
		metrics.RecordChainHead(cursor, head)
		return result, nil
	}

	events, err := s.source.GetEvents(ctx, s.cfg.Contracts, from, to)
	if err != nil {
		return nil, fmt.Errorf("get events [%d, %d]: %w", from, to, err)
	}
	result.Events = len(events)

	records := make([]*model.ContentHashRecord, 0, len(events))
	for _, ev := range events {
		records = append(records, &model.ContentHashRecord{
			TxHash:   ev.TxHash,
			Node:     ev.Node,
			Hash:     ev.Hash,
			BlockNum: ev.BlockNumber,
			Status:   model.ContentHashStatusCreated,
		})
	}

	err = s.tx.TransactionWithRetry(ctx, indexTxAttempts, func(txCtx context.Context) error {
		inserted, err := s.hashRepo.InsertIgnoreDuplicates(txCtx, records)
		if err != nil {
			return fmt.Errorf("insert events: %w", err)
		}
		result.Inserted = inserted
		return s.syncRepo.Advance(txCtx, s.cfg.Chain, to)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordBlockIndexed(from, to, head)
	metrics.RecordEvents(result.Inserted, int64(len(records))-result.Inserted)

	logger.Info("indexed block range",
		zap.String("chain", s.cfg.Chain),
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Uint64("head", head),
		zap.Int("events", result.Events),
		zap.Int64("inserted", result.Inserted))

	return result, nil
}

// indexWindow 计算 [cursor+1, min(cursor+maxRange, head-confirmations)]
func indexWindow(cursor, head, maxRange, confirmations uint64) (from, to uint64, ok bool) {
	from = cursor + 1
	if head < confirmations {
		return from, cursor, false
	}
	safeHead := head - confirmations
	to = from + maxRange - 1
	if to > safeHead {
		to = safeHead
	}
	if to < from {
		return from, cursor, false
	}
	return from, to, true
}
