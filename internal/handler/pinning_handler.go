// Package handler 只读 HTTP 接口
package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dwebhost/dweb-alpha/internal/model"
	"github.com/dwebhost/dweb-alpha/internal/scheduler"
	"github.com/dwebhost/dweb-alpha/internal/service"
	pkgerrors "github.com/dwebhost/dweb-alpha/pkg/errors"
	"github.com/dwebhost/dweb-alpha/pkg/logger"
)

// StatsReader 统计与列表查询
type StatsReader interface {
	GetStatistics(ctx context.Context) *service.Statistics
	ListContentHashes(ctx context.Context, page, limit int) (*service.ContentHashPage, error)
	ListByNode(ctx context.Context, node string, page, limit int) (*service.ContentHashPage, error)
}

// SyncReader 索引进度查询
type SyncReader interface {
	Chain() string
	Cursor(ctx context.Context) (uint64, error)
	LatestBlock(ctx context.Context) (uint64, error)
}

// JobLister 任务状态与执行历史查询
type JobLister interface {
	ListJobStatus(ctx context.Context) ([]*scheduler.JobStatus, error)
	ListExecutions(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error)
}

// PageQuery 分页参数，越界值由服务层规范化
type PageQuery struct {
	Page  int `form:"page"`
	Limit int `form:"limit"`
}

// SyncStatus 索引进度
type SyncStatus struct {
	Chain       string `json:"chain"`
	BlockNum    uint64 `json:"blockNum,string"`
	LatestBlock uint64 `json:"latestBlock,string,omitempty"`
	Lag         uint64 `json:"lag,string"`
	HeadError   string `json:"headError,omitempty"`
}

// PinningHandler pinning 读接口
type PinningHandler struct {
	stats StatsReader
	sync  SyncReader
	jobs  JobLister
}

// NewPinningHandler 创建处理器，jobs 可为 nil
func NewPinningHandler(stats StatsReader, sync SyncReader, jobs JobLister) *PinningHandler {
	return &PinningHandler{stats: stats, sync: sync, jobs: jobs}
}

// GetStatistics 汇总统计，存储后端失败时返回零值而不是错误
// @Router /pinning/statistics [get]
func (h *PinningHandler) GetStatistics(c *gin.Context) {
	Success(c, h.stats.GetStatistics(c.Request.Context()))
}

// ListContentHashes 分页列出全部记录
// @Param page query int false "页码" default(1)
// @Param limit query int false "每页数量" default(10)
// @Router /pinning/contenthashes [get]
func (h *PinningHandler) ListContentHashes(c *gin.Context) {
	var q PageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		BadRequest(c, "invalid page or limit")
		return
	}

	page, err := h.stats.ListContentHashes(c.Request.Context(), q.Page, q.Limit)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, page)
}

// ListByNode 分页列出某个 node 的全部历史
// @Param node query string true "ENS namehash"
// @Router /pinning/contenthash [get]
func (h *PinningHandler) ListByNode(c *gin.Context) {
	node := strings.TrimSpace(c.Query("node"))
	if node == "" {
		BadRequest(c, "node is required")
		return
	}

	var q PageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		BadRequest(c, "invalid page or limit")
		return
	}

	page, err := h.stats.ListByNode(c.Request.Context(), node, q.Page, q.Limit)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, page)
}

// GetSyncStatus 游标与链头差距，链头不可用时仍返回游标
// @Router /pinning/sync [get]
func (h *PinningHandler) GetSyncStatus(c *gin.Context) {
	ctx := c.Request.Context()

	cursor, err := h.sync.Cursor(ctx)
	if err != nil {
		Error(c, err)
		return
	}

	status := &SyncStatus{Chain: h.sync.Chain(), BlockNum: cursor}
	head, err := h.sync.LatestBlock(ctx)
	if err != nil {
		logger.FromContext(c.Request.Context()).Warn("get latest block for sync status failed", zap.Error(err))
		status.HeadError = err.Error()
	} else {
		status.LatestBlock = head
		if head > cursor {
			status.Lag = head - cursor
		}
	}
	Success(c, status)
}

// ListJobs 各任务最近一次执行
// @Router /pinning/jobs [get]
func (h *PinningHandler) ListJobs(c *gin.Context) {
	if h.jobs == nil {
		Success(c, []*scheduler.JobStatus{})
		return
	}
	statuses, err := h.jobs.ListJobStatus(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, statuses)
}

// ListJobExecutions 单个任务的执行历史
// @Param limit query int false "条数" default(20)
// @Router /pinning/jobs/{name}/executions [get]
func (h *PinningHandler) ListJobExecutions(c *gin.Context) {
	var q struct {
		Limit int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		BadRequest(c, "invalid limit")
		return
	}
	if h.jobs == nil {
		Error(c, pkgerrors.ErrJobNotFound)
		return
	}

	execs, err := h.jobs.ListExecutions(c.Request.Context(), c.Param("name"), q.Limit)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, execs)
}

// HealthCheck 依赖检查
type HealthCheck func(ctx context.Context) error

// Health 健康检查，任一依赖失败返回 503
func Health(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		results := make(map[string]string, len(checks))
		healthy := true
		for name, check := range checks {
			if err := check(c.Request.Context()); err != nil {
				results[name] = err.Error()
				healthy = false
				continue
			}
			results[name] = "ok"
		}

		status := http.StatusOK
		overall := "ok"
		if !healthy {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}
		c.JSON(status, gin.H{"status": overall, "checks": results})
	}
}
