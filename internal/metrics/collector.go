// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Result labels used by RecordPublish.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 发布指标
	publishTotal       *prometheus.CounterVec
	publishDuration    *prometheus.HistogramVec
	mergeRejections    *prometheus.CounterVec
	artifactsPublished *prometheus.CounterVec
	stateTransitions   *prometheus.CounterVec

	// 存储指标
	storeCallDuration *prometheus.HistogramVec
	storeCallErrors   *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry 创建指标收集器并注册到指定 Registry
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 发布指标
	c.publishTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_operations_total",
			Help:      "Total number of register/publish operations",
		},
		[]string{"operation", "result"},
	)

	c.publishDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_operation_duration_seconds",
			Help:      "Register/publish operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	c.mergeRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_rejections_total",
			Help:      "Total number of executor outputs rejected by the merge",
		},
		[]string{"kind"},
	)

	c.artifactsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_published_total",
			Help:      "Total number of artifacts linked to executions",
		},
		[]string{"event_type"},
	)

	c.stateTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_state_transitions_total",
			Help:      "Total number of execution state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	// 存储指标
	c.storeCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_call_duration_seconds",
			Help:      "Record store call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	c.storeCallErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_call_errors_total",
			Help:      "Total number of failed record store calls",
		},
		[]string{"operation", "code"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🚀 发布指标记录
// =============================================================================

// RecordPublish 记录一次注册/发布操作
func (c *Collector) RecordPublish(operation, result string, duration time.Duration) {
	c.publishTotal.WithLabelValues(operation, result).Inc()
	c.publishDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordMergeRejection 记录一次合并拒绝
func (c *Collector) RecordMergeRejection(kind string) {
	c.mergeRejections.WithLabelValues(kind).Inc()
}

// RecordArtifactsPublished 记录按事件类型链接的产物数量
func (c *Collector) RecordArtifactsPublished(eventType string, count int) {
	if count <= 0 {
		return
	}
	c.artifactsPublished.WithLabelValues(eventType).Add(float64(count))
}

// RecordStateTransition 记录执行状态转换
func (c *Collector) RecordStateTransition(fromState, toState string) {
	c.stateTransitions.WithLabelValues(stateLabel(fromState), toState).Inc()
}

// =============================================================================
// 🗄️ 存储指标记录
// =============================================================================

// RecordStoreCall 记录一次存储调用；code 为空表示成功
func (c *Collector) RecordStoreCall(operation, code string, duration time.Duration) {
	c.storeCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if code != "" {
		c.storeCallErrors.WithLabelValues(operation, code).Inc()
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// stateLabel 把空状态（新建执行）映射为可读的 label
func stateLabel(state string) string {
	if state == "" {
		return "none"
	}
	return state
}
