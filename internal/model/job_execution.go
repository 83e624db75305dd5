package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JobStatus 任务执行状态
type JobStatus string

const (
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
	JobStatusSkipped JobStatus = "skipped"
)

// JobExecution 一次调度 tick 的执行记录
type JobExecution struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	JobName      string     `gorm:"column:job_name;type:varchar(64);index;not null" json:"jobName"`
	Status       JobStatus  `gorm:"column:status;type:varchar(16);not null" json:"status"`
	StartedAt    int64      `gorm:"column:started_at;index;not null" json:"startedAt"`
	FinishedAt   *int64     `gorm:"column:finished_at" json:"finishedAt,omitempty"`
	DurationMs   *int64     `gorm:"column:duration_ms" json:"durationMs,omitempty"`
	ErrorMessage *string    `gorm:"column:error_message;type:text" json:"errorMessage,omitempty"`
	Result       JSONResult `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	CreatedAt    int64      `gorm:"column:created_at;not null;autoCreateTime:milli" json:"createdAt"`
}

// TableName 表名
func (JobExecution) TableName() string {
	return "job_executions"
}

// JSONResult JSON 结果类型
type JSONResult map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSONResult) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan 实现 sql.Scanner 接口，sqlite 可能返回 string
func (j *JSONResult) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("unsupported JSONResult source %T", value)
	}
}
