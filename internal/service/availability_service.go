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

// ContentProber 存储后端可用性探测
type ContentProber interface {
	Cat(ctx context.Context, path string) (isDir bool, err error)
	Ls(ctx context.Context, path string) error
}

// AvailabilityServiceConfig 配置
type AvailabilityServiceConfig struct {
	BatchSize    int
	Concurrency  int
	ProbeTimeout time.Duration
}

// AvailabilityService created 记录的可用性检查
type AvailabilityService struct {
	repo      repository.ContentHashRepository
	prober    ContentProber
	publisher StatusPublisher
	cfg       AvailabilityServiceConfig
	guard     runGuard
}

// NewAvailabilityService 创建可用性检查服务，publisher 可为 nil
func NewAvailabilityService(
	repo repository.ContentHashRepository,
	prober ContentProber,
	publisher StatusPublisher,
	cfg *AvailabilityServiceConfig,
) *AvailabilityService {
	c := *cfg
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = c.BatchSize
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 30 * time.Second
	}
	return &AvailabilityService{
		repo:      repo,
		prober:    prober,
		publisher: publisher,
		cfg:       c,
	}
}

// RunOnce 检查一批 created 记录
func (s *AvailabilityService) RunOnce(ctx context.Context) (*BatchResult, error) {
	if !s.guard.tryStart() {
		return nil, pkgerrors.ErrCycleInProgress
	}
	defer s.guard.done()

	rows, err := s.repo.ListByStatus(ctx, model.ContentHashStatusCreated, s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	metrics.BatchSize.WithLabelValues("availability").Observe(float64(len(rows)))

	result := &BatchResult{}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, rec := range rows {
		rec := rec
		g.Go(func() error {
			defer recoverRow("availability", rec.ID, func() {
				mu.Lock()
				result.Failed++
				mu.Unlock()
			})
			to, applied := s.checkOne(ctx, rec)
			if !applied {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			switch to {
			case model.ContentHashStatusChecked:
				result.Succeeded++
			case model.ContentHashStatusNotFound:
				result.NotFound++
			default:
				result.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(rows) > 0 {
		logger.Info("availability check finished",
			zap.Int("batch", len(rows)),
			zap.Int("checked", result.Succeeded),
			zap.Int("notfound", result.NotFound),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

// checkOne 探测单条记录，返回目标状态及是否写入成功
func (s *AvailabilityService) checkOne(ctx context.Context, rec *model.ContentHashRecord) (model.ContentHashStatus, bool) {
	var cidStr string
	content, err := contenthash.DecodeHex(rec.Hash)
	if err == nil {
		cidStr = content.CID.String()
		err = s.probe(ctx, content.Path())
	}

	// 进程退出导致的取消不算作内容不可用
	if ctx.Err() != nil {
		return "", false
	}

	to := classifyProbe(err)
	applied, uerr := s.repo.TransitionStatus(ctx, rec.ID, model.ContentHashStatusCreated, to)
	if uerr != nil {
		logger.Error("update availability status failed",
			zap.Int64("id", rec.ID),
			zap.String("to", to.String()),
			zap.Error(uerr))
		return to, false
	}
	if !applied {
		return to, false
	}

	metrics.RecordTransition(model.ContentHashStatusCreated.String(), to.String())
	if err != nil {
		logger.Warn("content not available",
			zap.Int64("id", rec.ID),
			zap.String("tx_hash", rec.TxHash),
			zap.String("hash", rec.Hash),
			zap.String("status", to.String()),
			zap.Error(err))
	}
	if to != model.ContentHashStatusChecked {
		publish(ctx, s.publisher, rec, model.ContentHashStatusCreated, to, rec.Retry, cidStr, err)
	}
	return to, true
}

func (s *AvailabilityService) probe(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	isDir, err := s.prober.Cat(ctx, path)
	if err != nil {
		return err
	}
	if isDir {
		return s.prober.Ls(ctx, path)
	}
	return nil
}

// classifyProbe 解码失败、内容不存在、超时均视为 notfound，其它错误为 failed
func classifyProbe(err error) model.ContentHashStatus {
	switch {
	case err == nil:
		return model.ContentHashStatusChecked
	case pkgerrors.Is(err, pkgerrors.ErrContentDecode),
		pkgerrors.Is(err, pkgerrors.ErrContentNotFound),
		pkgerrors.Is(err, pkgerrors.ErrStorageTimeout):
		return model.ContentHashStatusNotFound
	default:
		return model.ContentHashStatusFailed
	}
}

// publish 终态事件，发布失败只记日志
func publish(ctx context.Context, pub StatusPublisher, rec *model.ContentHashRecord, from, to model.ContentHashStatus, retry int, cidStr string, cause error) {
	if pub == nil {
		return
	}
	evt := &model.ContentHashStatusEvent{
		ID:         rec.ID,
		TxHash:     rec.TxHash,
		Node:       rec.Node,
		CID:        cidStr,
		FromStatus: from,
		Status:     to,
		Retry:      retry,
		OccurredAt: time.Now().UnixMilli(),
	}
	if cause != nil {
		evt.Reason = cause.Error()
	}
	if err := pub.PublishStatus(ctx, evt); err != nil {
		logger.Warn("publish status event failed",
			zap.Int64("id", rec.ID),
			zap.String("status", to.String()),
			zap.Error(err))
	}
}
