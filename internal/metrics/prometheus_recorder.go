package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once            sync.Once
	dispatchPass    prom.Histogram
	claims          *prom.CounterVec
	pendingRequests *prom.GaugeVec
	buildOutcomes   *prom.CounterVec
	buildDuration   *prom.HistogramVec
	stepDuration    *prom.HistogramVec
	schedulerFires  *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.dispatchPass = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "forgeci",
			Name:      "dispatch_pass_duration_seconds",
			Help:      "Duration of one build request distributor pass",
			Buckets:   prom.DefBuckets,
		})
		pr.claims = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "forgeci",
			Name:      "claims_total",
			Help:      "Build request claim attempts by outcome",
		}, []string{"outcome"})
		pr.pendingRequests = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "forgeci",
			Name:      "pending_build_requests",
			Help:      "Unclaimed build requests per builder",
		}, []string{"builder"})
		pr.buildOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "forgeci",
			Name:      "build_outcomes_total",
			Help:      "Terminal builds by result",
		}, []string{"builder", "result"})
		pr.buildDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "forgeci",
			Name:      "build_duration_seconds",
			Help:      "Wall time of finished builds",
			Buckets:   prom.DefBuckets,
		}, []string{"builder"})
		pr.stepDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "forgeci",
			Name:      "step_duration_seconds",
			Help:      "Wall time of finished steps",
			Buckets:   prom.DefBuckets,
		}, []string{"builder", "step"})
		pr.schedulerFires = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "forgeci",
			Name:      "scheduler_fires_total",
			Help:      "Build set submissions per scheduler",
		}, []string{"scheduler"})
		reg.MustRegister(pr.dispatchPass, pr.claims, pr.pendingRequests,
			pr.buildOutcomes, pr.buildDuration, pr.stepDuration, pr.schedulerFires)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveDispatchPass(d time.Duration) {
	if p == nil || p.dispatchPass == nil {
		return
	}
	p.dispatchPass.Observe(d.Seconds())
}

func (p *PrometheusRecorder) RecordClaim(outcome string) {
	if p == nil || p.claims == nil {
		return
	}
	p.claims.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) SetPendingRequests(builder string, n int) {
	if p == nil || p.pendingRequests == nil {
		return
	}
	p.pendingRequests.WithLabelValues(builder).Set(float64(n))
}

func (p *PrometheusRecorder) RecordBuildOutcome(builder, result string) {
	if p == nil || p.buildOutcomes == nil {
		return
	}
	p.buildOutcomes.WithLabelValues(builder, result).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(builder string, d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.WithLabelValues(builder).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveStepDuration(builder, step string, d time.Duration) {
	if p == nil || p.stepDuration == nil {
		return
	}
	p.stepDuration.WithLabelValues(builder, step).Observe(d.Seconds())
}

func (p *PrometheusRecorder) RecordSchedulerFire(scheduler string) {
	if p == nil || p.schedulerFires == nil {
		return
	}
	p.schedulerFires.WithLabelValues(scheduler).Inc()
}
