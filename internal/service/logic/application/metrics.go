package application

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"storelogic/internal/service/logic/domain"
)

// Metrics 汇总规则服务的 Prometheus 指标。
type Metrics struct {
	decisions    *prometheus.CounterVec
	evaluations  *prometheus.CounterVec
	evalDuration *prometheus.HistogramVec
	mutations    *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
}

// NewMetrics 创建并注册指标。reg 为 nil 时使用默认注册表。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logic",
			Name:      "decisions_total",
			Help:      "Trigger point decisions by outcome.",
		}, []string{"trigger_point", "outcome"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logic",
			Name:      "script_evaluations_total",
			Help:      "Individual script evaluations by status.",
		}, []string{"trigger_point", "status"}),
		evalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "logic",
			Name:      "script_evaluation_seconds",
			Help:      "Latency of a single script evaluation.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .25, .5},
		}, []string{"trigger_point"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logic",
			Name:      "script_mutations_total",
			Help:      "Administrative script mutations by operation and result.",
		}, []string{"operation", "result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logic",
			Name:      "script_cache_lookups_total",
			Help:      "Active script cache lookups by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.decisions, m.evaluations, m.evalDuration, m.mutations, m.cacheLookups)
	return m
}

func (m *Metrics) observeDecision(trigger domain.TriggerPoint, d *domain.Decision) {
	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	m.decisions.WithLabelValues(string(trigger), outcome).Inc()
}

func (m *Metrics) observeMutation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mutations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) observeCache(result string) {
	m.cacheLookups.WithLabelValues(result).Inc()
}

// instrumentedEvaluator 为每次脚本执行记录耗时和状态。
type instrumentedEvaluator struct {
	next    domain.Evaluator
	metrics *Metrics
}

func (e instrumentedEvaluator) Evaluate(ctx context.Context, script *domain.LogicScript, execCtx *domain.ExecutionContext) (*domain.Outcome, error) {
	start := time.Now()
	outcome, err := e.next.Evaluate(ctx, script, execCtx)
	trigger := string(script.TriggerPoint)
	e.metrics.evalDuration.WithLabelValues(trigger).Observe(time.Since(start).Seconds())

	status := domain.StatusError
	switch {
	case err != nil || outcome == nil:
	case outcome.Allowed:
		status = domain.StatusAllowed
	default:
		status = domain.StatusDenied
	}
	e.metrics.evaluations.WithLabelValues(trigger, string(status)).Inc()
	return outcome, err
}
