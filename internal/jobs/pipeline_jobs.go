// Package jobs 把各个服务的单轮执行包装成调度任务
package jobs

import (
	"context"
	"time"

	"github.com/dwebhost/dweb-alpha/internal/scheduler"
	"github.com/dwebhost/dweb-alpha/internal/service"
)

// Options 任务公共参数，LockTTL 为 0 时不加分布式锁
type Options struct {
	Timeout     time.Duration
	LockTTL     time.Duration
	UseWatchdog bool
}

func (o Options) base(name string) scheduler.BaseJob {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return scheduler.NewBaseJob(name, scheduler.RunPolicy{
		Timeout:  timeout,
		LockTTL:  o.LockTTL,
		Watchdog: o.UseWatchdog,
	})
}

// IndexRunner 索引一个窗口
type IndexRunner interface {
	RunOnce(ctx context.Context) (*service.IndexResult, error)
}

// BatchRunner 可用性检查 / pin 的单轮执行
type BatchRunner interface {
	RunOnce(ctx context.Context) (*service.BatchResult, error)
}

// NameRunner 名称解析单轮执行
type NameRunner interface {
	RunOnce(ctx context.Context) (*service.NameResult, error)
}

// IndexerJob 链上事件索引任务
type IndexerJob struct {
	scheduler.BaseJob
	runner IndexRunner
}

// NewIndexerJob 创建索引任务
func NewIndexerJob(runner IndexRunner, opts Options) *IndexerJob {
	return &IndexerJob{BaseJob: opts.base(scheduler.JobNameIndexer), runner: runner}
}

// Execute 执行一次索引
func (j *IndexerJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	res, err := j.runner.RunOnce(ctx)
	if err != nil {
		return nil, err
	}
	affected := 0
	if res.Advanced() {
		affected = int(res.ToBlock - res.FromBlock + 1)
	}
	return &scheduler.JobResult{
		Scanned: res.Events,
		Changed: affected,
		Details: res.ToMap(),
	}, nil
}

// BatchJob 可用性检查与 pin 共用的批处理任务
type BatchJob struct {
	scheduler.BaseJob
	runner BatchRunner
}

// NewAvailabilityJob 创建可用性检查任务
func NewAvailabilityJob(runner BatchRunner, opts Options) *BatchJob {
	return &BatchJob{BaseJob: opts.base(scheduler.JobNameAvailability), runner: runner}
}

// NewPinJob 创建 pin 任务
func NewPinJob(runner BatchRunner, opts Options) *BatchJob {
	return &BatchJob{BaseJob: opts.base(scheduler.JobNamePin), runner: runner}
}

// Execute 执行一批
func (j *BatchJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	res, err := j.runner.RunOnce(ctx)
	if err != nil {
		return nil, err
	}
	return &scheduler.JobResult{
		Scanned: res.Processed,
		Changed: res.Succeeded + res.NotFound,
		Errors:  res.Failed,
		Details: res.ToMap(),
	}, nil
}

// NameResolveJob 名称补全任务
type NameResolveJob struct {
	scheduler.BaseJob
	runner NameRunner
}

// NewNameResolveJob 创建名称补全任务
func NewNameResolveJob(runner NameRunner, opts Options) *NameResolveJob {
	return &NameResolveJob{BaseJob: opts.base(scheduler.JobNameNameResolve), runner: runner}
}

// Execute 执行一轮名称解析
func (j *NameResolveJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	res, err := j.runner.RunOnce(ctx)
	if err != nil {
		return nil, err
	}
	return &scheduler.JobResult{
		Scanned: res.Candidates,
		Changed: int(res.Updated),
		Details: res.ToMap(),
	}, nil
}
