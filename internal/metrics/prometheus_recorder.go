package metrics

import (
	"time"

	"github.com/epubpress/courier/internal/model"
	prom "github.com/prometheus/client_golang/prometheus"
)

var phases = []model.Phase{model.PhaseIdle, model.PhaseSubmitting, model.PhasePolling, model.PhaseDelivering}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	started   prom.Counter
	completed *prom.CounterVec
	duration  *prom.HistogramVec
	failed    *prom.CounterVec
	polls     *prom.CounterVec
	phase     *prom.GaugeVec
}

// NewPrometheusRecorder constructs the metrics and registers them on reg.
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		started: prom.NewCounter(prom.CounterOpts{
			Namespace: "epubpress",
			Name:      "orchestrations_started_total",
			Help:      "Publish orchestrations started",
		}),
		completed: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "epubpress",
			Name:      "orchestrations_completed_total",
			Help:      "Orchestrations delivered, by delivery method",
		}, []string{"method"}),
		duration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "epubpress",
			Name:      "orchestration_duration_seconds",
			Help:      "Time from submit to successful delivery",
			Buckets:   []float64{5, 10, 20, 30, 60, 120, 180, 300},
		}, []string{"method"}),
		failed: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "epubpress",
			Name:      "orchestrations_failed_total",
			Help:      "Orchestrations failed, by error kind",
		}, []string{"kind"}),
		polls: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "epubpress",
			Name:      "status_polls_total",
			Help:      "Status polls by result",
		}, []string{"result"}),
		phase: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "epubpress",
			Name:      "orchestration_phase",
			Help:      "1 for the current orchestration phase, 0 otherwise",
		}, []string{"phase"}),
	}
	reg.MustRegister(pr.started, pr.completed, pr.duration, pr.failed, pr.polls, pr.phase)
	pr.SetPhase(model.PhaseIdle)
	return pr
}

func (p *PrometheusRecorder) IncStarted() {
	p.started.Inc()
}

func (p *PrometheusRecorder) IncCompleted(method model.DeliveryMethod, d time.Duration) {
	p.completed.WithLabelValues(string(method)).Inc()
	if d > 0 {
		p.duration.WithLabelValues(string(method)).Observe(d.Seconds())
	}
}

func (p *PrometheusRecorder) IncFailed(kind model.ErrorKind) {
	p.failed.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusRecorder) IncPoll(result PollResult) {
	p.polls.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) SetPhase(phase model.Phase) {
	for _, ph := range phases {
		v := 0.0
		if ph == phase {
			v = 1
		}
		p.phase.WithLabelValues(ph.String()).Set(v)
	}
}
