package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raspguard/raspguard-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 评估指标
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	probeOutcomesTotal *prometheus.CounterVec
	probeDuration      *prometheus.HistogramVec
	riskScore          *prometheus.GaugeVec
	verdict            *prometheus.GaugeVec
	lastEvaluation     prometheus.Gauge

	// 威胁处理指标
	threatsHandledTotal *prometheus.CounterVec

	// 基线与事件
	baselineWritesTotal    *prometheus.CounterVec
	eventsPublishedTotal   *prometheus.CounterVec
	streamClientsConnected prometheus.Gauge
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "raspguard"
	}

	pm := &PrometheusMetrics{
		logger: logger,

		// HTTP 请求指标
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),

		// 评估指标
		evaluationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Total number of security evaluations",
			},
			[]string{"result"}, // secure, threat, inconclusive
		),
		evaluationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Security evaluation duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
		probeOutcomesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_outcomes_total",
				Help:      "Probe outcomes by family and status",
			},
			[]string{"family", "status"},
		),
		probeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Probe execution duration in seconds",
				Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 2},
			},
			[]string{"family"},
		),
		riskScore: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "risk_score",
				Help:      "Weighted score of the latest evaluation per family",
			},
			[]string{"family"},
		),
		verdict: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "threat_detected",
				Help:      "1 when the latest evaluation flagged the family",
			},
			[]string{"family"},
		),
		lastEvaluation: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_evaluation_timestamp_seconds",
				Help:      "Unix time of the latest evaluation",
			},
		),

		// 威胁处理指标
		threatsHandledTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "threats_handled_total",
				Help:      "Total number of handled threats",
			},
			[]string{"threat", "enforced"},
		),

		baselineWritesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "baseline_writes_total",
				Help:      "Baseline store writes",
			},
			[]string{"name", "status"},
		),
		eventsPublishedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "threat_events_published_total",
				Help:      "Threat events published to the broker",
			},
			[]string{"status"},
		),
		streamClientsConnected: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stream_clients_connected",
				Help:      "Number of connected report stream clients",
			},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// ObserveReport 记录一次评估
func (pm *PrometheusMetrics) ObserveReport(report *domain.SecurityReport, elapsed time.Duration) {
	result := "secure"
	switch {
	case !report.IsSecure():
		result = "threat"
	case report.Inconclusive:
		result = "inconclusive"
	}
	pm.evaluationsTotal.WithLabelValues(result).Inc()
	pm.evaluationDuration.Observe(elapsed.Seconds())
	pm.lastEvaluation.Set(float64(report.Timestamp.Unix()))

	for _, o := range report.Outcomes {
		pm.probeOutcomesTotal.WithLabelValues(string(o.Family), string(o.Status)).Inc()
		pm.probeDuration.WithLabelValues(string(o.Family)).Observe(o.Duration.Seconds())
	}
	for _, family := range domain.AllThreats {
		pm.riskScore.WithLabelValues(string(family)).Set(float64(report.Scores[family]))
		detected := 0.0
		if report.Detected(family) {
			detected = 1
		}
		pm.verdict.WithLabelValues(string(family)).Set(detected)
	}
}

// ObserveThreat 记录威胁处理
func (pm *PrometheusMetrics) ObserveThreat(threat domain.ThreatType, enforced bool) {
	pm.threatsHandledTotal.WithLabelValues(string(threat), strconv.FormatBool(enforced)).Inc()
}

// RecordBaselineWrite 记录基线写入
func (pm *PrometheusMetrics) RecordBaselineWrite(name string, err error) {
	pm.baselineWritesTotal.WithLabelValues(name, statusLabel(err)).Inc()
}

// RecordEventPublished 记录事件发布结果
func (pm *PrometheusMetrics) RecordEventPublished(err error) {
	pm.eventsPublishedTotal.WithLabelValues(statusLabel(err)).Inc()
}

// StreamClientConnected 流客户端连接
func (pm *PrometheusMetrics) StreamClientConnected() {
	pm.streamClientsConnected.Inc()
}

// StreamClientDisconnected 流客户端断开
func (pm *PrometheusMetrics) StreamClientDisconnected() {
	pm.streamClientsConnected.Dec()
}

func statusLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
