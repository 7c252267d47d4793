// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/brifyai/dashboard-brify-sub001/internal/auth"
	"github.com/brifyai/dashboard-brify-sub001/internal/model"
	"github.com/brifyai/dashboard-brify-sub001/internal/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dashboard"

// Collector はPrometheusメトリクスを収集する実装。
// auth.Recorder, guard.DecisionRecorder, profile.Recorder, backend.RequestObserver を満たす。
type Collector struct {
	reg prometheus.Registerer

	signIns            *prometheus.CounterVec
	sessionTransitions *prometheus.CounterVec
	guardDecisions     *prometheus.CounterVec
	guardAttempts      prometheus.Histogram
	profileLookups     *prometheus.CounterVec
	backendRequests    *prometheus.CounterVec
	backendLatency     *prometheus.HistogramVec
	sessionsDeleted    prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reg: reg,
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sign_in_total",
			Help:      "結果別のサインイン試行数",
		}, []string{"outcome"}),
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "種類別のセッション遷移数",
		}, []string{"kind"}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_decisions_total",
			Help:      "状態と理由別のRoute Guard判定数",
		}, []string{"state", "reason"}),
		guardAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "guard_resolve_attempts",
			Help:      "1回の判定に要したセッション確認の試行回数",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
		profileLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_lookups_total",
			Help:      "結果別のプロフィール取得数",
		}, []string{"outcome"}),
		backendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "エンドポイントとステータスコード別のバックエンド呼び出し数",
		}, []string{"endpoint", "status_code"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "バックエンド呼び出しのレイテンシ（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		sessionsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persisted_sessions_deleted_total",
			Help:      "クリーンアップで削除された永続化セッションの合計数",
		}),
	}

	reg.MustRegister(
		c.signIns,
		c.sessionTransitions,
		c.guardDecisions,
		c.guardAttempts,
		c.profileLookups,
		c.backendRequests,
		c.backendLatency,
		c.sessionsDeleted,
	)

	return c
}

// RecordSignIn はサインインの結果を記録する。
func (c *Collector) RecordSignIn(outcome auth.SignInOutcome) {
	c.signIns.WithLabelValues(string(outcome)).Inc()
}

// RecordSessionTransition はセッション遷移を記録する。
func (c *Collector) RecordSessionTransition(kind model.SessionEventKind) {
	c.sessionTransitions.WithLabelValues(string(kind)).Inc()
}

// RecordGuardDecision はRoute Guardの判定を記録する。
// attemptsが0の場合（セッション確認まで到達しなかった場合）は試行回数を記録しない。
func (c *Collector) RecordGuardDecision(state, reason string, attempts int) {
	c.guardDecisions.WithLabelValues(state, reason).Inc()
	if attempts > 0 {
		c.guardAttempts.Observe(float64(attempts))
	}
}

// RecordProfileLookup はプロフィール取得の結果を記録する。
func (c *Collector) RecordProfileLookup(outcome profile.LookupOutcome) {
	c.profileLookups.WithLabelValues(string(outcome)).Inc()
}

// ObserveBackendRequest はバックエンド呼び出しを記録する。
// statusCodeが0の場合は通信自体が失敗したことを表す。
func (c *Collector) ObserveBackendRequest(endpoint string, statusCode int, duration time.Duration) {
	code := strconv.Itoa(statusCode)
	if statusCode == 0 {
		code = "error"
	}
	c.backendRequests.WithLabelValues(endpoint, code).Inc()
	c.backendLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordSessionsDeleted はクリーンアップで削除したセッション数を記録する。
func (c *Collector) RecordSessionsDeleted(count int64) {
	c.sessionsDeleted.Add(float64(count))
}

// WatchCachedSessions はメモリ上にキャッシュされたSession Store数をゲージとして公開する。
func (c *Collector) WatchCachedSessions(count func() int) {
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cached_session_stores",
		Help:      "メモリ上にキャッシュされたSession Store数",
	}, func() float64 { return float64(count()) }))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 一部のコレクターが失敗しても残りのメトリクスは返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}
