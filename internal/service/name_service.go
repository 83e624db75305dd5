package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/dwebhost/dweb-alpha/internal/metrics"
	"github.com/dwebhost/dweb-alpha/internal/repository"
	pkgerrors "github.com/dwebhost/dweb-alpha/pkg/errors"
	"github.com/dwebhost/dweb-alpha/pkg/logger"
)

// NameLookup 名称服务批量查询，返回 node(小写) -> name
type NameLookup interface {
	Resolve(ctx context.Context, nodes []string) (map[string]string, error)
}

// NameResult 一轮名称解析结果
type NameResult struct {
	Candidates int   `json:"candidates"`
	Nodes      int   `json:"nodes"`
	Resolved   int   `json:"resolved"`
	Updated    int64 `json:"updated"`
}

// ToMap 转换为任务执行结果
func (r *NameResult) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"candidates": r.Candidates,
		"nodes":      r.Nodes,
		"resolved":   r.Resolved,
		"updated":    r.Updated,
	}
}

// NameService 为已索引 node 补全 ENS 名称
type NameService struct {
	repo      repository.ContentHashRepository
	lookup    NameLookup
	batchSize int
	guard     runGuard
}

// NewNameService 创建名称解析服务
func NewNameService(repo repository.ContentHashRepository, lookup NameLookup, batchSize int) *NameService {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &NameService{
		repo:      repo,
		lookup:    lookup,
		batchSize: batchSize,
	}
}

// RunOnce 解析一批未命名记录；查询失败时本轮不写入任何名称
func (s *NameService) RunOnce(ctx context.Context) (*NameResult, error) {
	if !s.guard.tryStart() {
		return nil, pkgerrors.ErrCycleInProgress
	}
	defer s.guard.done()

	rows, err := s.repo.ListUnresolvedNames(ctx, s.batchSize)
	if err != nil {
		return nil, err
	}
	metrics.BatchSize.WithLabelValues("name").Observe(float64(len(rows)))

	result := &NameResult{Candidates: len(rows)}

	// 小写 node -> 库中原始 node
	seen := make(map[string]string, len(rows))
	keys := make([]string, 0, len(rows))
	for _, rec := range rows {
		key := strings.ToLower(rec.Node)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = rec.Node
		keys = append(keys, key)
	}
	result.Nodes = len(keys)
	if len(keys) == 0 {
		return result, nil
	}

	names, err := s.lookup.Resolve(ctx, keys)
	if err != nil {
		metrics.NameResolutionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	var unresolved []string
	for _, key := range keys {
		node := seen[key]
		name := names[key]
		if name == "" {
			unresolved = append(unresolved, node)
			continue
		}
		n, err := s.repo.SetEnsNameByNode(ctx, node, name)
		if err != nil {
			logger.Error("set ens name failed", zap.String("node", node), zap.Error(err))
			continue
		}
		result.Resolved++
		result.Updated += n
	}

	if err := s.repo.TouchUnresolvedByNodes(ctx, unresolved); err != nil {
		logger.Warn("touch unresolved nodes failed", zap.Int("nodes", len(unresolved)), zap.Error(err))
	}

	metrics.NameResolutionsTotal.WithLabelValues("resolved").Add(float64(result.Resolved))
	metrics.NameResolutionsTotal.WithLabelValues("unresolved").Add(float64(len(unresolved)))

	logger.Info("ens names resolved",
		zap.Int("nodes", result.Nodes),
		zap.Int("resolved", result.Resolved),
		zap.Int64("rows_updated", result.Updated))
	return result, nil
}
