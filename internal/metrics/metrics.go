// ============================================================================
// Assignment Scheduler Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露排程器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - scheduler_submissions_total{outcome}: 提交結果 (assigned/queued/duplicate/rejected)
//      - scheduler_assignments_created_total{unit}: 建立的指派
//      - scheduler_dispatch_passes_total{unit}: dispatch pass 次數
//      - scheduler_reservations_rejected_total{unit}: 合格人員都無法保留容量
//      - scheduler_queue_races_total{unit}: compare-and-delete 失敗
//      - scheduler_escalations_total{trigger}: 升級 (manual/sla_breach)
//      - scheduler_notification_failures_total: 通知失敗
//      - scheduler_rate_limit_denials_total{class}: 限流拒絕
//      - scheduler_invariant_violations_total: 計數器不變量違反（應永遠為 0）
//
//   2. 分佈 (Histogram):
//      - scheduler_dispatch_pass_duration_seconds
//
//   3. 狀態 (Gauge):
//      - scheduler_queue_depth{unit}
//      - scheduler_unit_wip{unit}
//
// Prometheus 查詢示例:
//
//   # 每分鐘指派數
//   sum(rate(scheduler_assignments_created_total[1m]))
//
//   # 95 分位 pass 延遲
//   histogram_quantile(0.95, scheduler_dispatch_pass_duration_seconds_bucket)
//
//   # 積壓
//   sum(scheduler_queue_depth)
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scheduler"

// Collector Prometheus 指標收集器
type Collector struct {
	submissions          *prometheus.CounterVec
	assignmentsCreated   *prometheus.CounterVec
	dispatchPasses       *prometheus.CounterVec
	reservationsRejected *prometheus.CounterVec
	queueRaces           *prometheus.CounterVec
	escalations          *prometheus.CounterVec
	notificationFailures prometheus.Counter
	rateLimitDenials     *prometheus.CounterVec
	invariantViolations  prometheus.Counter

	passDuration prometheus.Histogram

	queueDepth *prometheus.GaugeVec
	unitWIP    *prometheus.GaugeVec
}

// NewCollector 創建指標收集器並註冊到 reg（nil 時使用 DefaultRegisterer）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Work item submissions by outcome",
		}, []string{"outcome"}),
		assignmentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_created_total",
			Help:      "Assignments created, direct or drained from the queue",
		}, []string{"unit"}),
		dispatchPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_passes_total",
			Help:      "Completed dispatch passes",
		}, []string{"unit"}),
		reservationsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_rejected_total",
			Help:      "Candidates left queued because no eligible staff could be reserved",
		}, []string{"unit"}),
		queueRaces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_races_total",
			Help:      "Queue entries already removed by a concurrent pass",
		}, []string{"unit"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Recorded escalations by trigger",
		}, []string{"trigger"}),
		notificationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Supervisor notifications that could not be delivered",
		}),
		rateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denials_total",
			Help:      "Calls denied by the rate limiter",
		}, []string{"class"}),
		invariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Capacity bookkeeping violations; must stay at zero",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_pass_duration_seconds",
			Help:      "Dispatch pass latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queued work items per unit",
		}, []string{"unit"}),
		unitWIP: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unit_wip",
			Help:      "Active assignments per unit",
		}, []string{"unit"}),
	}

	reg.MustRegister(
		c.submissions,
		c.assignmentsCreated,
		c.dispatchPasses,
		c.reservationsRejected,
		c.queueRaces,
		c.escalations,
		c.notificationFailures,
		c.rateLimitDenials,
		c.invariantViolations,
		c.passDuration,
		c.queueDepth,
		c.unitWIP,
	)
	return c
}

// RecordSubmission 記錄提交結果
func (c *Collector) RecordSubmission(outcome string) {
	c.submissions.WithLabelValues(outcome).Inc()
}

// RecordAssignment 記錄建立指派
func (c *Collector) RecordAssignment(unitID string) {
	c.assignmentsCreated.WithLabelValues(unitID).Inc()
}

// RecordPass 記錄一次 dispatch pass
func (c *Collector) RecordPass(unitID string, seconds float64) {
	c.dispatchPasses.WithLabelValues(unitID).Inc()
	c.passDuration.Observe(seconds)
}

// RecordRejected 記錄保留容量失敗
func (c *Collector) RecordRejected(unitID string) {
	c.reservationsRejected.WithLabelValues(unitID).Inc()
}

// RecordRace 記錄佇列競爭
func (c *Collector) RecordRace(unitID string) {
	c.queueRaces.WithLabelValues(unitID).Inc()
}

// RecordEscalation 記錄升級
func (c *Collector) RecordEscalation(trigger string) {
	c.escalations.WithLabelValues(trigger).Inc()
}

// RecordNotificationFailure 記錄通知失敗
func (c *Collector) RecordNotificationFailure() {
	c.notificationFailures.Inc()
}

// RecordRateLimitDenial 記錄限流拒絕
func (c *Collector) RecordRateLimitDenial(class string) {
	c.rateLimitDenials.WithLabelValues(class).Inc()
}

// RecordInvariantViolation 記錄不變量違反
func (c *Collector) RecordInvariantViolation() {
	c.invariantViolations.Inc()
}

// SetQueueDepth 設置單位佇列長度
func (c *Collector) SetQueueDepth(unitID string, depth int) {
	c.queueDepth.WithLabelValues(unitID).Set(float64(depth))
}

// SetUnitWIP 設置單位進行中指派數
func (c *Collector) SetUnitWIP(unitID string, count int) {
	c.unitWIP.WithLabelValues(unitID).Set(float64(count))
}

// Handler 回傳 /metrics handler（nil 時使用 DefaultGatherer）
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
