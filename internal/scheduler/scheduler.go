// Package scheduler 固定间隔任务调度
//
// 每个任务一个 cron 条目，执行前依次检查并发槽、可选的 Redis 租约，
// 执行结果写入 job_executions。任务返回 ErrCycleInProgress 时记为 skipped。
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dwebhost/dweb-alpha/internal/metrics"
	"github.com/dwebhost/dweb-alpha/internal/model"
	"github.com/dwebhost/dweb-alpha/internal/repository"
	pkgerrors "github.com/dwebhost/dweb-alpha/pkg/errors"
	"github.com/dwebhost/dweb-alpha/pkg/logger"
)

// Scheduler 任务调度器
type Scheduler struct {
	cron          *cron.Cron
	lockManager   *LockManager // nil 表示单实例部署，不加锁
	execRepo      *repository.ExecutionRepository
	jobs          map[string]Job
	jobConfigs    map[string]JobConfig
	mu            sync.RWMutex
	maxConcurrent int // 下限，实际容量随注册任务数增长
	active        int
	ctx           context.Context
	cancel        context.CancelFunc
}

// JobConfig 任务配置
type JobConfig struct {
	// Schedule cron 表达式 (支持秒) 或 @every 描述符
	Schedule string
	Enabled  bool
}

// Config 调度器配置
type Config struct {
	MaxConcurrentJobs int
	RedisClient       redis.UniversalClient
}

// NewScheduler 创建调度器
func NewScheduler(cfg *Config, execRepo *repository.ExecutionRepository) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}

	var lockManager *LockManager
	if cfg.RedisClient != nil {
		lockManager = NewLockManager(cfg.RedisClient)
	}

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		lockManager:   lockManager,
		execRepo:      execRepo,
		jobs:          make(map[string]Job),
		jobConfigs:    make(map[string]JobConfig),
		maxConcurrent: maxConcurrent,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// RegisterJob 注册任务
func (s *Scheduler) RegisterJob(job Job, config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}

	if config.Enabled {
		if _, err := s.cron.AddFunc(config.Schedule, func() { s.executeJob(job) }); err != nil {
			return fmt.Errorf("add cron job %s (%q): %w", job.Name(), config.Schedule, err)
		}
	}

	s.jobs[job.Name()] = job
	s.jobConfigs[job.Name()] = config

	logger.Info("job registered",
		zap.String("job", job.Name()),
		zap.String("schedule", config.Schedule),
		zap.Bool("enabled", config.Enabled))
	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop 停止调度，等待正在执行的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	logger.Info("scheduler stopped")
}

// TriggerJob 手动触发任务
func (s *Scheduler) TriggerJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return pkgerrors.Wrapf(pkgerrors.ErrJobNotFound, "%s", jobName)
	}

	go s.executeJob(job)
	return nil
}

// slotsPerJob 每个已注册任务保留的槽数，一个任务的重叠 tick 不会挤掉其它任务
const slotsPerJob = 2

// capacityLocked 调用方持有 s.mu
func (s *Scheduler) capacityLocked() int {
	if n := slotsPerJob * len(s.jobs); n > s.maxConcurrent {
		return n
	}
	return s.maxConcurrent
}

func (s *Scheduler) acquireSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.capacityLocked() {
		return false
	}
	s.active++
	return true
}

func (s *Scheduler) releaseSlot() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

// executeJob 执行一次任务，错误与 panic 都不会传到 cron
func (s *Scheduler) executeJob(job Job) {
	name := job.Name()

	if !s.acquireSlot() {
		logger.Warn("max concurrent jobs reached, skipping", zap.String("job", name))
		s.recordSkipped(name, "max concurrent jobs reached")
		return
	}
	defer s.releaseSlot()

	select {
	case <-s.ctx.Done():
		return
	default:
	}

	policy := job.Policy()
	ctx, cancel := context.WithTimeout(s.ctx, policy.Timeout)
	defer cancel()

	if policy.RequiresLock() && s.lockManager != nil {
		lock := s.lockManager.NewLock(name, policy.LockTTL, policy.Watchdog)
		acquired, err := lock.TryLock(ctx)
		if err != nil {
			logger.Error("acquire job lock failed", zap.String("job", name), zap.Error(err))
			metrics.JobRunsTotal.WithLabelValues(name, string(model.JobStatusFailed)).Inc()
			return
		}
		if !acquired {
			logger.Debug("job is running on another instance", zap.String("job", name))
			s.recordSkipped(name, "job is running on another instance")
			return
		}
		defer func() {
			if err := lock.Unlock(context.Background()); err != nil {
				logger.Error("release job lock failed", zap.String("job", name), zap.Error(err))
			}
		}()
	}

	startTime := time.Now()
	exec := &model.JobExecution{
		JobName:   name,
		Status:    model.JobStatusRunning,
		StartedAt: startTime.UnixMilli(),
	}
	if err := s.execRepo.Create(ctx, exec); err != nil {
		logger.Error("record job start failed", zap.String("job", name), zap.Error(err))
	}

	result, err := s.runSafely(ctx, job)
	duration := time.Since(startTime)

	status := model.JobStatusSuccess
	switch {
	case pkgerrors.Is(err, pkgerrors.ErrCycleInProgress):
		status = model.JobStatusSkipped
		logger.Debug("previous cycle still running, skipping", zap.String("job", name))
	case err != nil:
		status = model.JobStatusFailed
		logger.Error("job failed",
			zap.String("job", name),
			zap.Duration("duration", duration),
			zap.Error(err))
	default:
		logger.Debug("job completed",
			zap.String("job", name),
			zap.Duration("duration", duration),
			zap.Any("result", result.ToJSONResult()))
	}

	metrics.RecordJobRun(name, string(status), duration.Seconds())

	if exec.ID == 0 {
		return
	}
	if err := s.execRepo.Finish(context.Background(), exec, status, result.ToJSONResult(), err); err != nil {
		logger.Error("update job execution failed", zap.String("job", name), zap.Error(err))
	}
}

// runSafely 把 panic 转为错误
func (s *Scheduler) runSafely(ctx context.Context, job Job) (result *JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked",
				zap.String("job", job.Name()),
				zap.Any("panic", r),
				zap.Stack("stack"))
			result = nil
			err = fmt.Errorf("job %s panicked: %v", job.Name(), r)
		}
	}()
	return job.Execute(ctx)
}

// recordSkipped 记录未真正执行的 tick
func (s *Scheduler) recordSkipped(jobName, message string) {
	metrics.JobRunsTotal.WithLabelValues(jobName, string(model.JobStatusSkipped)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UnixMilli()
	var zero int64
	exec := &model.JobExecution{
		JobName:      jobName,
		Status:       model.JobStatusSkipped,
		StartedAt:    now,
		FinishedAt:   &now,
		DurationMs:   &zero,
		ErrorMessage: &message,
	}
	if err := s.execRepo.Create(ctx, exec); err != nil {
		logger.Error("record job execution failed", zap.String("job", jobName), zap.Error(err))
	}
}

// JobStatus 任务状态
type JobStatus struct {
	Name           string `json:"name"`
	Enabled        bool   `json:"enabled"`
	Schedule       string `json:"schedule"`
	TimeoutMs      int64  `json:"timeoutMs"`
	IsLocked       bool   `json:"isLocked"`
	LastStatus     string `json:"lastStatus,omitempty"`
	LastStartedAt  int64  `json:"lastStartedAt,omitempty"`
	LastFinishedAt int64  `json:"lastFinishedAt,omitempty"`
	LastDurationMs int64  `json:"lastDurationMs,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	FailedRuns     int64  `json:"failedRuns"`
}

// GetJobStatus 获取任务状态
func (s *Scheduler) GetJobStatus(ctx context.Context, jobName string) (*JobStatus, error) {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	config := s.jobConfigs[jobName]
	s.mu.RUnlock()

	if !exists {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrJobNotFound, "%s", jobName)
	}

	lastExec, err := s.execRepo.GetLatestByJobName(ctx, jobName)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{
		Name:      jobName,
		Enabled:   config.Enabled,
		Schedule:  config.Schedule,
		TimeoutMs: job.Policy().Timeout.Milliseconds(),
	}
	if s.lockManager != nil && job.Policy().RequiresLock() {
		status.IsLocked, _ = s.lockManager.IsLocked(ctx, jobName)
	}

	status.FailedRuns, err = s.execRepo.CountByJobNameAndStatus(ctx, jobName, model.JobStatusFailed)
	if err != nil {
		return nil, err
	}

	if lastExec != nil {
		status.LastStatus = string(lastExec.Status)
		status.LastStartedAt = lastExec.StartedAt
		if lastExec.FinishedAt != nil {
			status.LastFinishedAt = *lastExec.FinishedAt
		}
		if lastExec.DurationMs != nil {
			status.LastDurationMs = *lastExec.DurationMs
		}
		if lastExec.ErrorMessage != nil {
			status.LastError = *lastExec.ErrorMessage
		}
	}
	return status, nil
}

// ListJobStatus 列出所有任务状态，按名称排序
func (s *Scheduler) ListJobStatus(ctx context.Context) ([]*JobStatus, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	statuses := make([]*JobStatus, 0, len(names))
	for _, name := range names {
		status, err := s.GetJobStatus(ctx, name)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// 执行历史默认 / 最大条数
const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// ListExecutions 任务最近的执行记录，新的在前
func (s *Scheduler) ListExecutions(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error) {
	s.mu.RLock()
	_, exists := s.jobs[jobName]
	s.mu.RUnlock()
	if !exists {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrJobNotFound, "%s", jobName)
	}

	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	return s.execRepo.ListByJobName(ctx, jobName, limit)
}
