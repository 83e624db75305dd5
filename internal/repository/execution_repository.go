package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/dwebhost/dweb-alpha/internal/model"
)

// ExecutionRepository 任务执行记录仓储
type ExecutionRepository struct {
	*Repository
}

// NewExecutionRepository 创建任务执行记录仓储
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{Repository: NewRepository(db)}
}

// Create 创建执行记录
func (r *ExecutionRepository) Create(ctx context.Context, exec *model.JobExecution) error {
	exec.CreatedAt = time.Now().UnixMilli()
	return r.DB(ctx).Create(exec).Error
}

// Finish 写入结束状态与耗时
func (r *ExecutionRepository) Finish(ctx context.Context, exec *model.JobExecution, status model.JobStatus, result model.JSONResult, execErr error) error {
	finished := time.Now().UnixMilli()
	duration := finished - exec.StartedAt

	exec.Status = status
	exec.FinishedAt = &finished
	exec.DurationMs = &duration
	exec.Result = result
	if execErr != nil {
		msg := execErr.Error()
		exec.ErrorMessage = &msg
	}
	return r.DB(ctx).Save(exec).Error
}

// GetLatestByJobName 获取任务最新执行记录，不存在返回 nil
func (r *ExecutionRepository) GetLatestByJobName(ctx context.Context, jobName string) (*model.JobExecution, error) {
	var exec model.JobExecution
	err := r.DB(ctx).
		Where("job_name = ?", jobName).
		Order("started_at DESC, id DESC").
		First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListByJobName 查询任务执行历史
func (r *ExecutionRepository) ListByJobName(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error) {
	var execs []*model.JobExecution
	err := r.DB(ctx).
		Where("job_name = ?", jobName).
		Order("started_at DESC, id DESC").
		Limit(limit).
		Find(&execs).Error
	return execs, err
}

// CountByJobNameAndStatus 统计任务执行次数
func (r *ExecutionRepository) CountByJobNameAndStatus(ctx context.Context, jobName string, status model.JobStatus) (int64, error) {
	var count int64
	err := r.DB(ctx).
		Model(&model.JobExecution{}).
		Where("job_name = ? AND status = ?", jobName, status).
		Count(&count).Error
	return count, err
}

// CleanupOldRecords 删除 beforeTime 之前开始的执行记录
func (r *ExecutionRepository) CleanupOldRecords(ctx context.Context, beforeTime int64) (int64, error) {
	result := r.DB(ctx).
		Where("started_at < ?", beforeTime).
		Delete(&model.JobExecution{})
	return result.RowsAffected, result.Error
}

// MarkStaleRunningAsFailed 进程崩溃后遗留的 running 记录标记为失败
func (r *ExecutionRepository) MarkStaleRunningAsFailed(ctx context.Context, threshold time.Duration) (int64, error) {
	now := time.Now()
	result := r.DB(ctx).
		Model(&model.JobExecution{}).
		Where("status = ? AND started_at < ?", model.JobStatusRunning, now.Add(-threshold).UnixMilli()).
		Updates(map[string]interface{}{
			"status":        model.JobStatusFailed,
			"finished_at":   now.UnixMilli(),
			"error_message": "execution abandoned before completion",
		})
	return result.RowsAffected, result.Error
}
