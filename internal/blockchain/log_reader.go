package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dwebhost/dweb-alpha/pkg/logger"
)

// EventContenthashChanged ENS resolver 事件名
const EventContenthashChanged = "ContenthashChanged"

// ResolverABI ENS PublicResolver 中本服务关心的事件
const ResolverABI = `[{
	"anonymous": false,
	"inputs": [
		{"indexed": true, "internalType": "bytes32", "name": "node", "type": "bytes32"},
		{"indexed": false, "internalType": "bytes", "name": "hash", "type": "bytes"}
	],
	"name": "ContenthashChanged",
	"type": "event"
}]`

// ChainReader 链上只读接口，*Client 实现
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

// RawEvent 一条 ContenthashChanged 事件
type RawEvent struct {
	TxHash      string
	Node        string
	Hash        string // 0x 前缀十六进制
	BlockNumber uint64
	LogIndex    uint
}

// LogReader ContenthashChanged 事件读取
type LogReader struct {
	reader  ChainReader
	abi     abi.ABI
	eventID common.Hash
}

// NewLogReader 创建事件读取器
func NewLogReader(reader ChainReader) (*LogReader, error) {
	parsed, err := abi.JSON(strings.NewReader(ResolverABI))
	if err != nil {
		return nil, fmt.Errorf("parse resolver abi: %w", err)
	}
	ev, ok := parsed.Events[EventContenthashChanged]
	if !ok {
		return nil, fmt.Errorf("event %s not in abi", EventContenthashChanged)
	}
	return &LogReader{
		reader:  reader,
		abi:     parsed,
		eventID: ev.ID,
	}, nil
}

// EventID 事件 topic0
func (r *LogReader) EventID() common.Hash {
	return r.eventID
}

// LatestBlock 最新区块高度
func (r *LogReader) LatestBlock(ctx context.Context) (uint64, error) {
	return r.reader.BlockNumber(ctx)
}

// GetEvents 并发查询各合约 [from, to] 的事件，任一合约失败则整体失败
// 结果按 (区块, logIndex) 排序
func (r *LogReader) GetEvents(ctx context.Context, contracts []common.Address, from, to uint64) ([]RawEvent, error) {
	if len(contracts) == 0 || to < from {
		return nil, nil
	}

	perContract := make([][]RawEvent, len(contracts))
	g, gctx := errgroup.WithContext(ctx)
	for i, contract := range contracts {
		i, contract := i, contract
		g.Go(func() error {
			logs, err := r.reader.FilterLogs(gctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(from),
				ToBlock:   new(big.Int).SetUint64(to),
				Addresses: []common.Address{contract},
				Topics:    [][]common.Hash{{r.eventID}},
			})
			if err != nil {
				return fmt.Errorf("filter logs %s [%d,%d]: %w", contract.Hex(), from, to, err)
			}
			events := make([]RawEvent, 0, len(logs))
			for _, lg := range logs {
				ev, ok := r.parseLog(lg)
				if ok {
					events = append(events, ev)
				}
			}
			perContract[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []RawEvent
	for _, events := range perContract {
		all = append(all, events...)
	}
	sort.SliceStable(all, func(a, b int) bool {
		if all[a].BlockNumber != all[b].BlockNumber {
			return all[a].BlockNumber < all[b].BlockNumber
		}
		return all[a].LogIndex < all[b].LogIndex
	})
	return all, nil
}

// parseLog 解析单条日志，已被重组移除或格式不符的日志跳过
func (r *LogReader) parseLog(lg types.Log) (RawEvent, bool) {
	if lg.Removed {
		return RawEvent{}, false
	}
	if len(lg.Topics) < 2 || lg.Topics[0] != r.eventID {
		logger.Warn("unexpected log shape",
			zap.String("tx_hash", lg.TxHash.Hex()),
			zap.Int("topics", len(lg.Topics)))
		return RawEvent{}, false
	}

	values, err := r.abi.Unpack(EventContenthashChanged, lg.Data)
	if err != nil || len(values) != 1 {
		logger.Warn("unpack ContenthashChanged failed",
			zap.String("tx_hash", lg.TxHash.Hex()),
			zap.Error(err))
		return RawEvent{}, false
	}
	hash, ok := values[0].([]byte)
	if !ok {
		return RawEvent{}, false
	}

	return RawEvent{
		TxHash:      lg.TxHash.Hex(),
		Node:        lg.Topics[1].Hex(),
		Hash:        hexutil.Encode(hash),
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
	}, true
}
