package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bridges queue lifecycle events into prometheus collectors.
// Attach it to a service with Attach; detach before dropping it.
type Metrics struct {
	jobsAdded     *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	activeJobs    *prometheus.GaugeVec

	registrations []registration
}

type registration struct {
	event EventType
	id    int
}

// NewMetrics creates and registers the queue collectors on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeq_jobs_added_total",
			Help: "Jobs admitted to the queue",
		}, []string{"queue"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeq_jobs_completed_total",
			Help: "Jobs that finished successfully",
		}, []string{"queue"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeq_jobs_failed_total",
			Help: "Jobs that reached the failed state",
		}, []string{"queue"}),
		activeJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forgeq_active_jobs",
			Help: "Jobs currently being processed",
		}, []string{"queue"}),
	}
	reg.MustRegister(m.jobsAdded, m.jobsCompleted, m.jobsFailed, m.activeJobs)
	return m
}

// Attach subscribes the collectors to a service's event stream.
func (m *Metrics) Attach(svc *Service) {
	queue := svc.Name()
	m.registrations = append(m.registrations,
		registration{EventWaiting, svc.On(EventWaiting, func(Event) {
			m.jobsAdded.WithLabelValues(queue).Inc()
		})},
		registration{EventActive, svc.On(EventActive, func(Event) {
			m.activeJobs.WithLabelValues(queue).Inc()
		})},
		registration{EventCompleted, svc.On(EventCompleted, func(e Event) {
			m.jobsCompleted.WithLabelValues(queue).Inc()
			// The active gauge only tracks worker-driven jobs.
			if e.Data["worker_id"] != nil {
				m.activeJobs.WithLabelValues(queue).Dec()
			}
		})},
		registration{EventFailed, svc.On(EventFailed, func(e Event) {
			m.jobsFailed.WithLabelValues(queue).Inc()
			if e.Data["worker_id"] != nil {
				m.activeJobs.WithLabelValues(queue).Dec()
			}
		})},
	)
}

// Detach removes the event subscriptions added by Attach.
func (m *Metrics) Detach(svc *Service) {
	for _, r := range m.registrations {
		svc.Off(r.event, r.id)
	}
	m.registrations = nil
}
