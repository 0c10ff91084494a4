package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "payment"

// Metrics 결제 엔진 지표
type Metrics struct {
	PgRequests       *prometheus.CounterVec
	PgLookups        *prometheus.CounterVec
	CallbacksTotal   *prometheus.CounterVec
	SweepsTotal      *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	RecoveriesTotal  *prometheus.CounterVec
	EscalationsTotal prometheus.Counter
	OutboxPublished  *prometheus.CounterVec
}

// New 지표 생성 후 레지스트리에 등록
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PgRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pg_requests_total",
			Help:      "결제 요청 결과별 건수 (accepted, uncertain, not_reached)",
		}, []string{"result"}),
		PgLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pg_lookups_total",
			Help:      "PG 거래 조회 결과별 건수",
		}, []string{"result"}),
		CallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "PG 콜백 처리 결과별 건수",
		}, []string{"outcome"}),
		SweepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_sweeps_total",
			Help:      "정합성 스케줄러 실행 결과별 건수",
		}, []string{"result"}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciliation_sweep_duration_seconds",
			Help:      "정합성 스케줄러 1회 실행 시간",
			Buckets:   prometheus.DefBuckets,
		}),
		RecoveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_orders_total",
			Help:      "주문별 복구 결과 건수",
		}, []string{"outcome"}),
		EscalationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "PG 승인 후 이행 실패로 수동 처리 대상이 된 결제 건수",
		}),
		OutboxPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox 이벤트 발행 결과별 건수",
		}, []string{"result"}),
	}
}

// NewNop 등록하지 않는 지표 (테스트용)
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
