// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス記録のインターフェース。
// チェックイン、ログイン状態確認、QRログイン、リレーから利用する。
type Recorder interface {
	// RecordDispatch は1回のディスパッチの件数と所要時間を記録する。
	RecordDispatch(total, succeeded int, duration time.Duration)
	// RecordDispatchStatus はアイデンティティ1件分の応答ステータスを記録する。0は応答なし。
	RecordDispatchStatus(statusCode int)
	// RecordVerify はログイン状態確認1件の結果を記録する。
	RecordVerify(loggedIn bool)
	// RecordLoginSession はQRログインセッションが到達した終端状態を記録する。
	RecordLoginSession(state string)
	// SetRelayChannels は現在登録中のリレーチャネル数を記録する。
	SetRelayChannels(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	dispatchTotal     prometheus.Counter
	dispatchIdentity  *prometheus.CounterVec
	dispatchLatency   prometheus.Histogram
	dispatchStatus    *prometheus.CounterVec
	verifyTotal       *prometheus.CounterVec
	loginSessionTotal *prometheus.CounterVec
	relayChannels     prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dispatchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_dispatch_total",
			Help: "チェックインのディスパッチ実行回数",
		}),
		dispatchIdentity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_dispatch_identity_total",
			Help: "ディスパッチ対象アイデンティティの結果別件数",
		}, []string{"result"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rollcall_dispatch_latency_seconds",
			Help:    "ディスパッチ全体のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		dispatchStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_dispatch_http_status_total",
			Help: "チェックイン応答のHTTPステータスコード別件数",
		}, []string{"status_code"}),
		verifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_verify_total",
			Help: "ログイン状態確認の結果別件数",
		}, []string{"status"}),
		loginSessionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_login_session_total",
			Help: "QRログインセッションの終端状態別件数",
		}, []string{"state"}),
		relayChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rollcall_relay_channels",
			Help: "登録中のリレーチャネル数",
		}),
	}

	reg.MustRegister(
		c.dispatchTotal,
		c.dispatchIdentity,
		c.dispatchLatency,
		c.dispatchStatus,
		c.verifyTotal,
		c.loginSessionTotal,
		c.relayChannels,
	)

	return c
}

// RecordDispatch は1回のディスパッチを記録する。
func (c *Collector) RecordDispatch(total, succeeded int, duration time.Duration) {
	c.dispatchTotal.Inc()
	c.dispatchIdentity.WithLabelValues("succeeded").Add(float64(succeeded))
	c.dispatchIdentity.WithLabelValues("failed").Add(float64(total - succeeded))
	c.dispatchLatency.Observe(duration.Seconds())
}

// RecordDispatchStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordDispatchStatus(statusCode int) {
	label := "none"
	if statusCode > 0 {
		label = strconv.Itoa(statusCode)
	}
	c.dispatchStatus.WithLabelValues(label).Inc()
}

// RecordVerify はログイン状態確認の結果を記録する。
func (c *Collector) RecordVerify(loggedIn bool) {
	status := "logged_out"
	if loggedIn {
		status = "logged_in"
	}
	c.verifyTotal.WithLabelValues(status).Inc()
}

// RecordLoginSession はQRログインセッションの終端状態を記録する。
func (c *Collector) RecordLoginSession(state string) {
	c.loginSessionTotal.WithLabelValues(state).Inc()
}

// SetRelayChannels は登録中のリレーチャネル数を記録する。
func (c *Collector) SetRelayChannels(n int) {
	c.relayChannels.Set(float64(n))
}

// RegisterSessionGauges はQRログインのセッション数と上流で待機中のチャレンジ数を
// スクレイプ時に読み出すゲージとして登録する。
func RegisterSessionGauges(reg prometheus.Registerer, loginSessions, pendingChallenges func() int) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rollcall_login_sessions",
			Help: "進行中のQRログインセッション数",
		}, func() float64 { return float64(loginSessions()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rollcall_login_pending_challenges",
			Help: "スキャン待ちで上流接続を保持しているチャレンジ数",
		}, func() float64 { return float64(pendingChallenges()) }),
	)
}

// Nop は何も記録しないRecorder。メトリクス未設定のコンポーネントの既定値に使う。
type Nop struct{}

func (Nop) RecordDispatch(int, int, time.Duration) {}
func (Nop) RecordDispatchStatus(int)               {}
func (Nop) RecordVerify(bool)                      {}
func (Nop) RecordLoginSession(string)              {}
func (Nop) SetRelayChannels(int)                   {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
