// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 資格情報ストア、セッションガード、テナント集約、HTTPミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordCredentialRefresh(outcome string)
	RecordSessionRejection(reason string)
	RecordTenantFetch(outcome, reason string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordSessionsCleaned(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	credentialRefresh *prometheus.CounterVec
	sessionRejected   *prometheus.CounterVec
	tenantFetch       *prometheus.CounterVec
	tenantLatency     prometheus.Histogram
	httpStatus        *prometheus.CounterVec
	sessionsCleaned   prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		credentialRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantlens_credential_refresh_total",
			Help: "資格情報の読み出し結果別の合計数",
		}, []string{"outcome"}),
		sessionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantlens_session_rejected_total",
			Help: "セッション検証で拒否された合計数",
		}, []string{"reason"}),
		tenantFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantlens_tenant_fetch_total",
			Help: "テナント単位のクライアント一覧取得の合計数",
		}, []string{"outcome", "reason"}),
		tenantLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tenantlens_tenant_fetch_latency_seconds",
			Help:    "テナント単位のクライアント一覧取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantlens_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tenantlens_sessions_cleaned_total",
			Help: "クリーンアップで削除された期限切れセッションの合計数",
		}),
	}

	reg.MustRegister(
		c.credentialRefresh,
		c.sessionRejected,
		c.tenantFetch,
		c.tenantLatency,
		c.httpStatus,
		c.sessionsCleaned,
	)

	return c
}

// RecordCredentialRefresh は資格情報の読み出し結果を記録する。
func (c *Collector) RecordCredentialRefresh(outcome string) {
	c.credentialRefresh.WithLabelValues(outcome).Inc()
}

// RecordSessionRejection はセッション拒否を記録する。
func (c *Collector) RecordSessionRejection(reason string) {
	c.sessionRejected.WithLabelValues(reason).Inc()
}

// RecordTenantFetch はテナント単位の取得結果とレイテンシを記録する。
func (c *Collector) RecordTenantFetch(outcome, reason string, duration time.Duration) {
	c.tenantFetch.WithLabelValues(outcome, reason).Inc()
	c.tenantLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSessionsCleaned は削除されたセッション数を記録する。
func (c *Collector) RecordSessionsCleaned(count int64) {
	c.sessionsCleaned.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
