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
// 申込サービス・ワーカー・HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordSignupCreated(status string)
	RecordTransition(from, to string)
	RecordPromotion()
	RecordBusy()
	RecordLockWait(duration time.Duration)
	RecordWaitlistExpired(count int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signupsCreated  *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	promotions      prometheus.Counter
	busy            prometheus.Counter
	lockWait        prometheus.Histogram
	waitlistExpired prometheus.Counter
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signupsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_signups_created_total",
			Help: "作成された申込の合計数（初期状態別）",
		}, []string{"status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_signup_transitions_total",
			Help: "申込の状態遷移の合計数",
		}, []string{"from", "to"}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shepherd_waitlist_promotions_total",
			Help: "キャンセル待ちから繰り上げられた申込の合計数",
		}),
		busy: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shepherd_admission_busy_total",
			Help: "ロック待ちタイムアウトでBUSYを返した回数",
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shepherd_admission_lock_wait_seconds",
			Help:    "募集ロックの取得待ち時間（秒）",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		waitlistExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shepherd_waitlist_expired_total",
			Help: "募集期間終了により辞退扱いにしたキャンセル待ちの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.signupsCreated,
		c.transitions,
		c.promotions,
		c.busy,
		c.lockWait,
		c.waitlistExpired,
		c.httpStatus,
	)

	return c
}

// RecordSignupCreated は申込の作成を記録する。
func (c *Collector) RecordSignupCreated(status string) {
	c.signupsCreated.WithLabelValues(status).Inc()
}

// RecordTransition は状態遷移を記録する。
func (c *Collector) RecordTransition(from, to string) {
	c.transitions.WithLabelValues(from, to).Inc()
}

// RecordPromotion はキャンセル待ちの繰り上げを記録する。
func (c *Collector) RecordPromotion() {
	c.promotions.Inc()
}

// RecordBusy はロック待ちタイムアウトを記録する。
func (c *Collector) RecordBusy() {
	c.busy.Inc()
}

// RecordLockWait は募集ロックの取得待ち時間を記録する。
func (c *Collector) RecordLockWait(duration time.Duration) {
	c.lockWait.Observe(duration.Seconds())
}

// RecordWaitlistExpired は期限切れで辞退扱いにした件数を記録する。
func (c *Collector) RecordWaitlistExpired(count int) {
	c.waitlistExpired.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
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

// Nop は何も記録しないMetricsCollector。メトリクスを使わないテストやCLIで使う。
type Nop struct{}

func (Nop) RecordSignupCreated(string)      {}
func (Nop) RecordTransition(string, string) {}
func (Nop) RecordPromotion()                {}
func (Nop) RecordBusy()                     {}
func (Nop) RecordLockWait(time.Duration)    {}
func (Nop) RecordWaitlistExpired(int)       {}
func (Nop) RecordHTTPStatus(int)            {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
