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
// サービス層とGraphクライアントから利用する。
type MetricsCollector interface {
	RecordLoginSuccess()
	RecordLoginFailure(reason string)
	RecordTokenExchangeLatency(duration time.Duration)
	RecordTokenCacheWrite()
	RecordGraphAPIStatus(method string, status int)
	RecordHTTPStatus(statusCode int)
	RecordSessionsCleaned(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	loginSuccess    prometheus.Counter
	loginFail       *prometheus.CounterVec
	exchangeLatency prometheus.Histogram
	cacheWrites     prometheus.Counter
	graphStatus     *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	sessionsCleaned prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adportal_login_success_total",
			Help: "ログイン成功の合計数",
		}),
		loginFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adportal_login_fail_total",
			Help: "ログイン失敗の理由別合計数",
		}, []string{"reason"}),
		exchangeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "adportal_token_exchange_latency_seconds",
			Help:    "認可コード交換のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cacheWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adportal_token_cache_writes_total",
			Help: "トークンキャッシュの永続化書き込み合計数",
		}),
		graphStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adportal_graph_api_status_total",
			Help: "Graph API呼び出しのメソッド・ステータスコード別合計数",
		}, []string{"method", "status_code"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adportal_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adportal_sessions_cleaned_total",
			Help: "クリーンアップで削除された期限切れセッションの合計数",
		}),
	}

	reg.MustRegister(
		c.loginSuccess,
		c.loginFail,
		c.exchangeLatency,
		c.cacheWrites,
		c.graphStatus,
		c.httpStatus,
		c.sessionsCleaned,
	)

	return c
}

// RecordLoginSuccess はログイン成功を記録する。
func (c *Collector) RecordLoginSuccess() {
	c.loginSuccess.Inc()
}

// RecordLoginFailure はログイン失敗を理由付きで記録する。
func (c *Collector) RecordLoginFailure(reason string) {
	c.loginFail.WithLabelValues(reason).Inc()
}

// RecordTokenExchangeLatency は認可コード交換のレイテンシを記録する。
func (c *Collector) RecordTokenExchangeLatency(duration time.Duration) {
	c.exchangeLatency.Observe(duration.Seconds())
}

// RecordTokenCacheWrite はトークンキャッシュの書き込みを記録する。
func (c *Collector) RecordTokenCacheWrite() {
	c.cacheWrites.Inc()
}

// RecordGraphAPIStatus はGraph API呼び出しの結果を記録する。
func (c *Collector) RecordGraphAPIStatus(method string, status int) {
	c.graphStatus.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSessionsCleaned はクリーンアップで削除されたセッション数を記録する。
func (c *Collector) RecordSessionsCleaned(count int64) {
	c.sessionsCleaned.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
