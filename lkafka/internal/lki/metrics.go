package lki

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "lkafka"

const (
	commitModeSync  = "sync"
	commitModeAsync = "async"
	commitModeFinal = "final"
)

// Metrics holds the Prometheus collectors of a single Consumer. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	recordsConsumed   *prometheus.CounterVec
	handlerFailures   *prometheus.CounterVec
	commits           *prometheus.CounterVec
	topicSwitches     prometheus.Counter
	leadershipChanges *prometheus.CounterVec
	leader            prometheus.Gauge
	activeLoops       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer, identity ConsumerIdentity) (*Metrics, error) {
	labels := prometheus.Labels{"consumer": identity.ID, "group": identity.GroupID}

	m := &Metrics{
		recordsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "records_consumed_total",
			Help:        "Records handed to the record handler.",
			ConstLabels: labels,
		}, []string{"topic"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "handler_failures_total",
			Help:        "Records for which the handler or deserializer failed.",
			ConstLabels: labels,
		}, []string{"topic"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "commits_total",
			Help:        "Offset commits by mode and result.",
			ConstLabels: labels,
		}, []string{"mode", "result"}),
		topicSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "topic_switches_total",
			Help:        "Completed topic switches.",
			ConstLabels: labels,
		}),
		leadershipChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "leadership_changes_total",
			Help:        "Leadership transitions acted upon.",
			ConstLabels: labels,
		}, []string{"state"}),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "leader",
			Help:        "1 if this consumer is currently bound as leader.",
			ConstLabels: labels,
		}),
		activeLoops: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "poll_loop_active",
			Help:        "1 while a poll loop is running.",
			ConstLabels: labels,
		}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	if m.recordsConsumed, err = register(reg, m.recordsConsumed); err != nil {
		return nil, err
	}
	if m.handlerFailures, err = register(reg, m.handlerFailures); err != nil {
		return nil, err
	}
	if m.commits, err = register(reg, m.commits); err != nil {
		return nil, err
	}
	if m.topicSwitches, err = register(reg, m.topicSwitches); err != nil {
		return nil, err
	}
	if m.leadershipChanges, err = register(reg, m.leadershipChanges); err != nil {
		return nil, err
	}
	if m.leader, err = register(reg, m.leader); err != nil {
		return nil, err
	}
	if m.activeLoops, err = register(reg, m.activeLoops); err != nil {
		return nil, err
	}
	return m, nil
}

// register reuses an identical collector already registered, e.g. by a previous
// Consumer instance with the same identity.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) recordConsumed(topic string) {
	if m != nil {
		m.recordsConsumed.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) handlerFailed(topic string) {
	if m != nil {
		m.handlerFailures.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) commit(mode string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commits.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) topicSwitched() {
	if m != nil {
		m.topicSwitches.Inc()
	}
}

func (m *Metrics) leadershipChanged(state LeadershipState) {
	if m == nil {
		return
	}
	m.leadershipChanges.WithLabelValues(state.String()).Inc()
	if state == Leader {
		m.leader.Set(1)
	} else {
		m.leader.Set(0)
	}
}

func (m *Metrics) loopActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.activeLoops.Set(1)
	} else {
		m.activeLoops.Set(0)
	}
}
