package service

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dwebhost/dweb-alpha/internal/model"
	"github.com/dwebhost/dweb-alpha/pkg/logger"
)

// runGuard 单实例内的重入保护，上一轮未结束时新 tick 直接返回
type runGuard struct {
	running atomic.Bool
}

func (g *runGuard) tryStart() bool {
	return g.running.CompareAndSwap(false, true)
}

func (g *runGuard) done() {
	g.running.Store(false)
}

// Running 当前是否有一轮在执行
func (g *runGuard) Running() bool {
	return g.running.Load()
}

// recoverRow 直接 defer 使用；单条记录的 panic 只记为该记录失败，不影响同批其它记录
func recoverRow(stage string, id int64, onPanic func()) {
	if r := recover(); r != nil {
		logger.Error("content hash processing panicked",
			zap.String("stage", stage),
			zap.Int64("id", id),
			zap.Any("panic", r),
			zap.Stack("stack"))
		onPanic()
	}
}

// StatusPublisher 记录进入终态时的事件发布，失败只记日志
type StatusPublisher interface {
	PublishStatus(ctx context.Context, evt *model.ContentHashStatusEvent) error
}

// BatchResult 一轮批处理的统计
type BatchResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	NotFound  int `json:"notFound"`
}

// ToMap 转换为任务执行结果
func (r *BatchResult) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"processed": r.Processed,
		"succeeded": r.Succeeded,
		"failed":    r.Failed,
		"not_found": r.NotFound,
	}
}
