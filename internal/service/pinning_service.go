package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dwebhost/dweb-alpha/internal/contenthash"
	"github.com/dwebhost/dweb-alpha/internal/metrics"
	"github.com/dwebhost/dweb-alpha/internal/model"
	"github.com/dwebhost/dweb-alpha/internal/repository"
	pkgerrors "github.com/dwebhost/dweb-alpha/pkg/errors"
	"github.com/dwebhost/dweb-alpha/pkg/logger"
)

// Pinner 存储后端 pin 操作
type Pinner interface {
	PinAdd(ctx context.Context, path string) error
}

// PinningServiceConfig 配置
type PinningServiceConfig struct {
	BatchSize   int
	MaxRetries  int
	Concurrency int
	PinTimeout  time.Duration
	// ClaimTTL 之后仍为 pinning 的记录视为认领方已退出，可被重新认领
	ClaimTTL time.Duration
}

// PinningService checked / 可重试 failed 记录的 pin
type PinningService struct {
	repo      repository.ContentHashRepository
	pinner    Pinner
	publisher StatusPublisher
	cfg       PinningServiceConfig
	guard     runGuard
	now       func() time.Time
}

// NewPinningService 创建 pin 服务，publisher 可为 nil
func NewPinningService(
	repo repository.ContentHashRepository,
	pinner Pinner,
	publisher StatusPublisher,
	cfg *PinningServiceConfig,
) *PinningService {
	c := *cfg
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = c.BatchSize
	}
	if c.PinTimeout <= 0 {
		c.PinTimeout = 60 * time.Second
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 10 * time.Minute
	}
	return &PinningService{
		repo:      repo,
		pinner:    pinner,
		publisher: publisher,
		cfg:       c,
		now:       time.Now,
	}
}

// RunOnce 认领并 pin 一批记录
func (s *PinningService) RunOnce(ctx context.Context) (*BatchResult, error) {
	if !s.guard.tryStart() {
		return nil, pkgerrors.ErrCycleInProgress
	}
	defer s.guard.done()

	staleBefore := s.now().Add(-s.cfg.ClaimTTL).UnixMilli()
	candidates, err := s.repo.ListPinCandidates(ctx, s.cfg.MaxRetries, staleBefore, s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	metrics.BatchSize.WithLabelValues("pin").Observe(float64(len(candidates)))

	result := &BatchResult{}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, rec := range candidates {
		rec := rec
		g.Go(func() error {
			// 已认领的记录保持 pinning，ClaimTTL 过后重新认领
			defer recoverRow("pin", rec.ID, func() {
				mu.Lock()
				result.Failed++
				mu.Unlock()
			})
			claimed, err := s.repo.ClaimForPinning(ctx, rec.ID, s.cfg.MaxRetries, staleBefore)
			if err != nil {
				logger.Error("claim content hash failed", zap.Int64("id", rec.ID), zap.Error(err))
				return nil
			}
			if !claimed {
				// 已被其它实例认领或状态已变化
				return nil
			}
			metrics.RecordTransition(rec.Status.String(), model.ContentHashStatusPinning.String())

			pinned, applied := s.pinOne(ctx, rec)
			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			if !applied {
				return nil
			}
			if pinned {
				result.Succeeded++
			} else {
				result.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if result.Processed > 0 {
		logger.Info("pin pass finished",
			zap.Int("candidates", len(candidates)),
			zap.Int("claimed", result.Processed),
			zap.Int("pinned", result.Succeeded),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

// pinOne 已认领记录的 pin，返回是否 pinned 以及状态是否写入
func (s *PinningService) pinOne(ctx context.Context, rec *model.ContentHashRecord) (pinned bool, applied bool) {
	var cidStr string
	content, err := contenthash.DecodeHex(rec.Hash)
	if err == nil {
		cidStr = content.CID.String()
		pinCtx, cancel := context.WithTimeout(ctx, s.cfg.PinTimeout)
		err = s.pinner.PinAdd(pinCtx, content.Path())
		cancel()
	}

	if err == nil {
		ok, uerr := s.repo.TransitionStatus(ctx, rec.ID, model.ContentHashStatusPinning, model.ContentHashStatusPinned)
		if uerr != nil {
			logger.Error("mark pinned failed", zap.Int64("id", rec.ID), zap.Error(uerr))
			return false, false
		}
		if ok {
			metrics.RecordTransition(model.ContentHashStatusPinning.String(), model.ContentHashStatusPinned.String())
			publish(ctx, s.publisher, rec, model.ContentHashStatusPinning, model.ContentHashStatusPinned, rec.Retry, cidStr, nil)
			logger.Info("content pinned", zap.Int64("id", rec.ID), zap.String("cid", cidStr))
		}
		return true, ok
	}

	// 退出时未完成的记录保留 pinning，ClaimTTL 后重新认领
	if ctx.Err() != nil {
		return false, false
	}

	ok, uerr := s.repo.MarkPinFailed(ctx, rec.ID)
	if uerr != nil {
		logger.Error("mark pin failed failed", zap.Int64("id", rec.ID), zap.Error(uerr))
		return false, false
	}
	if ok {
		retry := rec.Retry + 1
		metrics.RecordTransition(model.ContentHashStatusPinning.String(), model.ContentHashStatusFailed.String())
		publish(ctx, s.publisher, rec, model.ContentHashStatusPinning, model.ContentHashStatusFailed, retry, cidStr, err)
		logger.Warn("pin content failed",
			zap.Int64("id", rec.ID),
			zap.String("hash", rec.Hash),
			zap.Int("retry", retry),
			zap.Error(err))
	}
	return false, ok
}
