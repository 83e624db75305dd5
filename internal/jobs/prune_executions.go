package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dwebhost/dweb-alpha/internal/scheduler"
	"github.com/dwebhost/dweb-alpha/pkg/logger"
)

// ExecutionPruner 执行记录清理
type ExecutionPruner interface {
	CleanupOldRecords(ctx context.Context, beforeTime int64) (int64, error)
	MarkStaleRunningAsFailed(ctx context.Context, threshold time.Duration) (int64, error)
}

// PruneExecutionsJob 清理过期执行记录，并把崩溃遗留的 running 记录标记为失败
type PruneExecutionsJob struct {
	scheduler.BaseJob
	repo           ExecutionPruner
	retention      time.Duration
	staleThreshold time.Duration
	now            func() time.Time
}

// NewPruneExecutionsJob 创建清理任务，staleThreshold 应大于任一任务的超时
func NewPruneExecutionsJob(repo ExecutionPruner, retention, staleThreshold time.Duration, opts Options) *PruneExecutionsJob {
	return &PruneExecutionsJob{
		BaseJob:        opts.base(scheduler.JobNamePruneExecutions),
		repo:           repo,
		retention:      retention,
		staleThreshold: staleThreshold,
		now:            time.Now,
	}
}

// Execute 执行清理
func (j *PruneExecutionsJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	stale, err := j.repo.MarkStaleRunningAsFailed(ctx, j.staleThreshold)
	if err != nil {
		return nil, fmt.Errorf("mark stale executions: %w", err)
	}

	before := j.now().Add(-j.retention).UnixMilli()
	deleted, err := j.repo.CleanupOldRecords(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("cleanup executions: %w", err)
	}

	if stale > 0 || deleted > 0 {
		logger.Info("job executions pruned",
			zap.Int64("stale_marked", stale),
			zap.Int64("deleted", deleted))
	}

	return &scheduler.JobResult{
		Scanned: int(stale + deleted),
		Changed: int(deleted),
		Details: map[string]interface{}{
			"stale_marked": stale,
			"deleted":      deleted,
			"before":       before,
		},
	}, nil
}
