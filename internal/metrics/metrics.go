// Package metrics 提供 pinning 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dweb_pinning"

// 索引指标
var (
	// BlocksIndexedTotal 已索引区块数
	BlocksIndexedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_indexed_total",
			Help:      "已索引区块总数",
		},
	)

	// EventsIndexedTotal 新写入的 ContenthashChanged 事件
	EventsIndexedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_indexed_total",
			Help:      "索引到的事件数",
		},
		[]string{"result"}, // inserted, duplicate
	)

	// LatestIndexedBlockGauge 游标高度
	LatestIndexedBlockGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_indexed_block",
			Help:      "已完整索引的最高区块",
		},
	)

	// LatestChainBlockGauge 链头高度
	LatestChainBlockGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_chain_block",
			Help:      "最近一次观察到的链头",
		},
	)

	// BlockIndexLag 落后链头的区块数
	BlockIndexLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "block_index_lag",
			Help:      "游标落后链头的区块数",
		},
	)
)

// 状态机指标
var (
	// StatusTransitionsTotal 状态迁移次数
	StatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "内容哈希记录状态迁移次数",
		},
		[]string{"from", "to"},
	)

	// BatchSize 每轮处理的行数
	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "每轮处理的记录数",
			Buckets:   []float64{0, 1, 5, 10, 20, 50, 100},
		},
		[]string{"pass"}, // availability, pin, name
	)
)

// 存储后端指标
var (
	// StorageRequestsTotal 存储后端调用次数
	StorageRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_requests_total",
			Help:      "存储后端调用次数",
		},
		[]string{"op", "result"},
	)

	// StorageRequestDuration 存储后端调用耗时
	StorageRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_request_duration_seconds",
			Help:      "存储后端调用耗时(秒)",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"op"},
	)

	// StorageBreakerOpen 熔断器是否打开
	StorageBreakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_breaker_open",
			Help:      "存储后端熔断器打开为 1",
		},
	)

	// StorageUsedBytes 仓库占用
	StorageUsedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_used_bytes",
			Help:      "存储后端仓库占用(字节)",
		},
	)
)

// 名称服务与任务指标
var (
	// NameResolutionsTotal ENS 名称解析结果
	NameResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "name_resolutions_total",
			Help:      "ENS 名称解析结果",
		},
		[]string{"result"}, // resolved, unresolved, error
	)

	// JobRunsTotal 任务执行次数
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "调度任务执行次数",
		},
		[]string{"job", "status"},
	)

	// JobDuration 任务耗时
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "调度任务耗时(秒)",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"job"},
	)

	// KafkaMessagesProduced Kafka 发送
	KafkaMessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Kafka 发送消息数",
		},
		[]string{"topic", "result"},
	)
)

// HTTP 指标
var (
	// HTTPRequestsTotal 读接口请求数
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration 读接口耗时
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP 请求耗时(秒)",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RecordBlockIndexed 记录一个索引窗口完成
func RecordBlockIndexed(from, to, chainHead uint64) {
	if to >= from {
		BlocksIndexedTotal.Add(float64(to - from + 1))
	}
	LatestIndexedBlockGauge.Set(float64(to))
	RecordChainHead(to, chainHead)
}

// RecordChainHead 更新链头与落后量
func RecordChainHead(cursor, chainHead uint64) {
	LatestChainBlockGauge.Set(float64(chainHead))
	if chainHead >= cursor {
		BlockIndexLag.Set(float64(chainHead - cursor))
	}
}

// RecordEvents 记录写入与重复事件数
func RecordEvents(inserted, duplicates int64) {
	EventsIndexedTotal.WithLabelValues("inserted").Add(float64(inserted))
	EventsIndexedTotal.WithLabelValues("duplicate").Add(float64(duplicates))
}

// RecordTransition 记录状态迁移
func RecordTransition(from, to string) {
	StatusTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordJobRun 记录任务执行
func RecordJobRun(job, status string, durationSeconds float64) {
	JobRunsTotal.WithLabelValues(job, status).Inc()
	JobDuration.WithLabelValues(job).Observe(durationSeconds)
}

// RecordHTTPRequest 记录一次 HTTP 请求
func RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}
