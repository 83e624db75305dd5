package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dwebhost/dweb-alpha/internal/model"
	"github.com/dwebhost/dweb-alpha/internal/repository"
	pkgerrors "github.com/dwebhost/dweb-alpha/pkg/errors"
)

// setupSchedulerTestDB 创建测试数据库
func setupSchedulerTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&model.JobExecution{}))
	return db
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// mockJob 模拟任务用于测试
type mockJob struct {
	BaseJob
	executeFunc func(ctx context.Context) (*JobResult, error)
	execCount   int64
}

func newMockJob(name string, lockTTL time.Duration, executeFunc func(ctx context.Context) (*JobResult, error)) *mockJob {
	return &mockJob{
		BaseJob:     NewBaseJob(name, RunPolicy{Timeout: 5 * time.Second, LockTTL: lockTTL}),
		executeFunc: executeFunc,
	}
}

func (j *mockJob) Execute(ctx context.Context) (*JobResult, error) {
	atomic.AddInt64(&j.execCount, 1)
	if j.executeFunc != nil {
		return j.executeFunc(ctx)
	}
	return &JobResult{Scanned: 1, Changed: 1}, nil
}

func (j *mockJob) count() int64 {
	return atomic.LoadInt64(&j.execCount)
}

func newTestScheduler(t *testing.T, client redis.UniversalClient) (*Scheduler, *repository.ExecutionRepository) {
	execRepo := repository.NewExecutionRepository(setupSchedulerTestDB(t))
	s := NewScheduler(&Config{MaxConcurrentJobs: 2, RedisClient: client}, execRepo)
	t.Cleanup(s.Stop)
	return s, execRepo
}

func latest(t *testing.T, repo *repository.ExecutionRepository, name string) *model.JobExecution {
	t.Helper()
	exec, err := repo.GetLatestByJobName(context.Background(), name)
	require.NoError(t, err)
	require.NotNil(t, exec)
	return exec
}

func TestScheduler_RegisterJob(t *testing.T) {
	s, _ := newTestScheduler(t, nil)

	job := newMockJob("test-job", 0, nil)
	require.NoError(t, s.RegisterJob(job, JobConfig{Schedule: EverySpec(10 * time.Second), Enabled: true}))

	// 重复注册
	err := s.RegisterJob(job, JobConfig{Schedule: EverySpec(time.Second), Enabled: true})
	assert.Error(t, err)

	// 非法表达式
	err = s.RegisterJob(newMockJob("bad", 0, nil), JobConfig{Schedule: "not a cron", Enabled: true})
	assert.Error(t, err)

	// 禁用的任务不校验表达式
	require.NoError(t, s.RegisterJob(newMockJob("disabled", 0, nil), JobConfig{Enabled: false}))

	assert.Len(t, s.cron.Entries(), 1)
}

func TestScheduler_ExecuteJob_Success(t *testing.T) {
	s, repo := newTestScheduler(t, nil)

	job := newMockJob("indexer", 0, func(ctx context.Context) (*JobResult, error) {
		return &JobResult{Scanned: 3, Details: map[string]interface{}{"to_block": 150}}, nil
	})
	s.executeJob(job)

	assert.Equal(t, int64(1), job.count())
	exec := latest(t, repo, "indexer")
	assert.Equal(t, model.JobStatusSuccess, exec.Status)
	assert.Nil(t, exec.ErrorMessage)
	assert.NotNil(t, exec.FinishedAt)
	assert.EqualValues(t, 3, exec.Result["scanned"])
	assert.EqualValues(t, 150, exec.Result["to_block"])
}

func TestScheduler_ExecuteJob_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(ctx context.Context) (*JobResult, error)
		want    model.JobStatus
		wantErr string
	}{
		{
			name: "failure",
			fn: func(ctx context.Context) (*JobResult, error) {
				return nil, errors.New("rpc unavailable")
			},
			want:    model.JobStatusFailed,
			wantErr: "rpc unavailable",
		},
		{
			name: "previous cycle running",
			fn: func(ctx context.Context) (*JobResult, error) {
				return nil, pkgerrors.ErrCycleInProgress
			},
			want: model.JobStatusSkipped,
		},
		{
			name: "panic",
			fn: func(ctx context.Context) (*JobResult, error) {
				panic("boom")
			},
			want:    model.JobStatusFailed,
			wantErr: "panicked: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, repo := newTestScheduler(t, nil)
			s.executeJob(newMockJob("job", 0, tt.fn))

			exec := latest(t, repo, "job")
			assert.Equal(t, tt.want, exec.Status)
			if tt.wantErr != "" {
				require.NotNil(t, exec.ErrorMessage)
				assert.Contains(t, *exec.ErrorMessage, tt.wantErr)
			}
		})
	}
}

func TestScheduler_ExecuteJob_Timeout(t *testing.T) {
	s, repo := newTestScheduler(t, nil)

	job := &mockJob{
		BaseJob: NewBaseJob("slow", RunPolicy{Timeout: 20 * time.Millisecond}),
		executeFunc: func(ctx context.Context) (*JobResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	s.executeJob(job)

	exec := latest(t, repo, "slow")
	assert.Equal(t, model.JobStatusFailed, exec.Status)
	require.NotNil(t, exec.ErrorMessage)
	assert.Contains(t, *exec.ErrorMessage, "deadline exceeded")
}

func TestScheduler_MaxConcurrent(t *testing.T) {
	s, repo := newTestScheduler(t, nil)

	// 占满并发槽
	s.active = s.maxConcurrent

	job := newMockJob("pin", 0, nil)
	s.executeJob(job)

	assert.Zero(t, job.count())
	exec := latest(t, repo, "pin")
	assert.Equal(t, model.JobStatusSkipped, exec.Status)
	assert.Equal(t, s.maxConcurrent, s.active)
}

// TestScheduler_CapacityScalesWithJobs 测试注册任务越多并发槽越多，其它任务的 tick 不被挤掉
func TestScheduler_CapacityScalesWithJobs(t *testing.T) {
	s, repo := newTestScheduler(t, nil)

	names := []string{JobNameIndexer, JobNameAvailability, JobNamePin}
	mocks := make(map[string]*mockJob, len(names))
	for _, name := range names {
		mocks[name] = newMockJob(name, 0, nil)
		require.NoError(t, s.RegisterJob(mocks[name], JobConfig{Schedule: EverySpec(time.Minute), Enabled: true}))
	}
	assert.Equal(t, 6, s.capacityLocked())

	// 下限 2，3 个任务各 2 槽
	s.active = 5
	s.executeJob(mocks[JobNamePin])
	assert.Equal(t, int64(1), mocks[JobNamePin].count())
	assert.Equal(t, model.JobStatusSuccess, latest(t, repo, JobNamePin).Status)
	assert.Equal(t, 5, s.active)

	s.active = 6
	s.executeJob(mocks[JobNameIndexer])
	assert.Zero(t, mocks[JobNameIndexer].count())
	assert.Equal(t, model.JobStatusSkipped, latest(t, repo, JobNameIndexer).Status)
}

func TestScheduler_LockHeldElsewhere(t *testing.T) {
	_, client := setupRedis(t)
	s, repo := newTestScheduler(t, client)

	other := NewDistributedLock(client, "pin", time.Minute, false)
	ok, err := other.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	job := newMockJob("pin", time.Minute, nil)
	s.executeJob(job)

	assert.Zero(t, job.count())
	assert.Equal(t, model.JobStatusSkipped, latest(t, repo, "pin").Status)

	// 释放后可执行，执行完锁被释放
	require.NoError(t, other.Unlock(context.Background()))
	s.executeJob(job)
	assert.Equal(t, int64(1), job.count())
	assert.Equal(t, model.JobStatusSuccess, latest(t, repo, "pin").Status)

	locked, err := s.lockManager.IsLocked(context.Background(), "pin")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestScheduler_LockHeldDuringExecution(t *testing.T) {
	_, client := setupRedis(t)
	s, _ := newTestScheduler(t, client)

	var lockedDuringRun bool
	job := newMockJob("availability-check", time.Minute, func(ctx context.Context) (*JobResult, error) {
		lockedDuringRun, _ = s.lockManager.IsLocked(ctx, "availability-check")
		return &JobResult{}, nil
	})
	s.executeJob(job)

	assert.True(t, lockedDuringRun)
}

func TestScheduler_TriggerJob(t *testing.T) {
	s, repo := newTestScheduler(t, nil)

	job := newMockJob("name-resolve", 0, nil)
	require.NoError(t, s.RegisterJob(job, JobConfig{Schedule: EverySpec(time.Hour), Enabled: true}))

	assert.Error(t, s.TriggerJob("missing"))
	require.NoError(t, s.TriggerJob("name-resolve"))

	assert.Eventually(t, func() bool {
		exec, err := repo.GetLatestByJobName(context.Background(), "name-resolve")
		return err == nil && exec != nil && exec.Status == model.JobStatusSuccess
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_ListJobStatus(t *testing.T) {
	_, client := setupRedis(t)
	s, _ := newTestScheduler(t, client)

	require.NoError(t, s.RegisterJob(newMockJob("pin", time.Minute, nil), JobConfig{Schedule: EverySpec(time.Minute), Enabled: true}))
	failing := newMockJob("indexer", 0, func(ctx context.Context) (*JobResult, error) {
		return nil, errors.New("head unavailable")
	})
	require.NoError(t, s.RegisterJob(failing, JobConfig{Schedule: EverySpec(15 * time.Second), Enabled: true}))
	s.executeJob(failing)

	statuses, err := s.ListJobStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, "indexer", statuses[0].Name)
	assert.Equal(t, "@every 15s", statuses[0].Schedule)
	assert.Equal(t, string(model.JobStatusFailed), statuses[0].LastStatus)
	assert.Equal(t, "head unavailable", statuses[0].LastError)
	assert.Equal(t, int64(1), statuses[0].FailedRuns)
	assert.False(t, statuses[0].IsLocked)

	assert.Equal(t, "pin", statuses[1].Name)
	assert.Empty(t, statuses[1].LastStatus)

	_, err = s.GetJobStatus(context.Background(), "missing")
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrJobNotFound))
}

func TestScheduler_ListExecutions(t *testing.T) {
	s, repo := newTestScheduler(t, nil)
	ctx := context.Background()

	require.NoError(t, s.RegisterJob(newMockJob("pin", 0, nil), JobConfig{Enabled: false}))
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, repo.Create(ctx, &model.JobExecution{JobName: "pin", Status: model.JobStatusSuccess, StartedAt: i * 1000}))
	}

	execs, err := s.ListExecutions(ctx, "pin", 0)
	require.NoError(t, err)
	require.Len(t, execs, 3)
	assert.Equal(t, int64(3000), execs[0].StartedAt)

	execs, err = s.ListExecutions(ctx, "pin", 2)
	require.NoError(t, err)
	assert.Len(t, execs, 2)

	// 超过上限按上限截断
	execs, err = s.ListExecutions(ctx, "pin", maxHistoryLimit+50)
	require.NoError(t, err)
	assert.Len(t, execs, 3)

	_, err = s.ListExecutions(ctx, "missing", 10)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrJobNotFound))
}
