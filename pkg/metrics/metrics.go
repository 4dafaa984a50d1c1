// Package metrics はゲートウェイのPrometheusメトリクスを定義する。
//
// グローバルなレジストリは使用せず、Metrics構造体が専用のレジストリを保持する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tollgate"

// Metrics はゲートウェイが公開するメトリクスの集合。
type Metrics struct {
	// registry はメトリクスの登録先。
	registry *prometheus.Registry
	// requests はルート・ステータス別のリクエスト数。
	requests *prometheus.CounterVec
	// duration はルート別のリクエスト処理時間。
	duration *prometheus.HistogramVec
	// rateLimit はルート・結果別のレートリミット判定数。
	rateLimit *prometheus.CounterVec
	// breakerState はルート別のサーキットブレーカー状態（0=CLOSED, 1=OPEN, 2=HALF_OPEN）。
	breakerState *prometheus.GaugeVec
	// tokensMinted は種別ごとの不透明トークン発行数。
	tokensMinted *prometheus.CounterVec
	// tokensRevoked は失効させた不透明トークン数。
	tokensRevoked prometheus.Counter
	// eventsDropped はバッファ溢れで破棄されたイベント数。
	eventsDropped prometheus.Counter
}

// New は新しいMetricsを生成し、専用レジストリに登録する。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Number of requests handled by the gateway pipeline.",
		}, []string{"route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end pipeline latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by route template and result.",
		}, []string{"route", "result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per route (0=closed, 1=open, 2=half_open).",
		}, []string{"route"}),
		tokensMinted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_minted_total",
			Help:      "Opaque tokens minted by kind.",
		}, []string{"kind"}),
		tokensRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_revoked_total",
			Help:      "Opaque token mappings deleted by revocation.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Lifecycle events dropped because the dispatch buffer was full.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.duration, m.rateLimit, m.breakerState,
		m.tokensMinted, m.tokensRevoked, m.eventsDropped,
	)
	return m
}

// Handler は/metricsエンドポイント用のHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry は内部のレジストリを返す。テストでの値の検証に使用する。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest はリクエスト1件の結果を記録する。
func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// RateLimitDecision はレートリミットの判定結果を記録する。
func (m *Metrics) RateLimitDecision(route string, allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.rateLimit.WithLabelValues(route, result).Inc()
}

// BreakerState はサーキットブレーカーの状態を記録する。
func (m *Metrics) BreakerState(route string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(route).Set(float64(state))
}

// TokenMinted は不透明トークンの発行を記録する。
func (m *Metrics) TokenMinted(kind string) {
	if m == nil {
		return
	}
	m.tokensMinted.WithLabelValues(kind).Inc()
}

// TokensRevoked は失効したトークン数を記録する。
func (m *Metrics) TokensRevoked(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensRevoked.Add(float64(n))
}

// EventDropped はイベントの破棄を記録する。
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
