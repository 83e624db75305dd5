package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/dwebhost/dweb-alpha/internal/model"
)

// 任务名
const (
	JobNameIndexer         = "indexer"
	JobNameAvailability    = "availability-check"
	JobNamePin             = "pin"
	JobNameNameResolve     = "name-resolve"
	JobNamePruneExecutions = "prune-executions"
)

// Job 一个可调度的任务
type Job interface {
	Name() string
	Policy() RunPolicy
	Execute(ctx context.Context) (*JobResult, error)
}

// RunPolicy 单次执行的约束，LockTTL 为 0 表示不加租约
type RunPolicy struct {
	Timeout  time.Duration
	LockTTL  time.Duration
	Watchdog bool
}

// RequiresLock 是否需要 Redis 租约
func (p RunPolicy) RequiresLock() bool {
	return p.LockTTL > 0
}

// JobResult 单次执行的计数，写入 job_executions.result
type JobResult struct {
	Scanned int
	Changed int
	Errors  int
	Details map[string]interface{}
}

// ToJSONResult nil 结果对应空 result 列
func (r *JobResult) ToJSONResult() model.JSONResult {
	if r == nil {
		return nil
	}
	out := make(model.JSONResult, len(r.Details)+3)
	for k, v := range r.Details {
		out[k] = v
	}
	out["scanned"] = r.Scanned
	out["changed"] = r.Changed
	out["errors"] = r.Errors
	return out
}

// BaseJob 供具体任务嵌入
type BaseJob struct {
	name   string
	policy RunPolicy
}

func NewBaseJob(name string, policy RunPolicy) BaseJob {
	return BaseJob{name: name, policy: policy}
}

func (j BaseJob) Name() string { return j.name }

func (j BaseJob) Policy() RunPolicy { return j.policy }

// EverySpec 固定间隔的 cron 表达式
func EverySpec(interval time.Duration) string {
	return fmt.Sprintf("@every %s", interval)
}
