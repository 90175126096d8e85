package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoCodeAlone/conductor/contract"
)

type metrics struct {
	events   *prometheus.CounterVec
	requeued prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_scheduler_events_total",
		Help: "Scheduler events by source and result (processed, retry_scheduled, dead_lettered or a rejection code).",
	}, []string{"source", "result"})
	requeued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_scheduler_retries_requeued_total",
		Help: "Due retry entries resubmitted by the sweeper.",
	})

	var err error
	if events, err = contract.RegisterOrReuse(reg, events); err != nil {
		return nil, err
	}
	if requeued, err = contract.RegisterOrReuse(reg, requeued); err != nil {
		return nil, err
	}
	return &metrics{events: events, requeued: requeued}, nil
}

func (m *metrics) observe(res ProcessResult) {
	if m == nil {
		return
	}
	result := string(res.Status)
	switch {
	case res.RejectionCode != "":
		result = res.RejectionCode
	case res.Disposition != "":
		result = string(res.Disposition)
	}
	m.events.WithLabelValues(string(res.Source), result).Inc()
}

func (m *metrics) retryRequeued() {
	if m == nil {
		return
	}
	m.requeued.Inc()
}
