package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Manager before its collectors are registered.
type Option func(*Manager)

// WithNamespace prefixes every metric name. Empty keeps "lookout".
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithSubsystem sets the second name segment. Empty keeps "engine".
func WithSubsystem(subsystem string) Option {
	return func(m *Manager) {
		if subsystem != "" {
			m.subsystem = subsystem
		}
	}
}

// WithLatencyBuckets replaces the millisecond buckets used by poll,
// summarizer, store and HTTP latency histograms.
func WithLatencyBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.histogramBuckets = buckets
		}
	}
}

// WithConstLabels attaches labels such as the deployment name to every
// collector.
func WithConstLabels(labels map[string]string) Option {
	return func(m *Manager) {
		if len(labels) > 0 {
			m.customLabels = labels
		}
	}
}

// WithRegisterer registers collectors on r instead of the default registerer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(m *Manager) {
		if r != nil {
			m.registry = r
		}
	}
}
