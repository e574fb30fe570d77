// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects evaluation and analysis counters.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	evaluations *prometheus.CounterVec
	analysis    prometheus.Histogram
	groups      prometheus.Gauge
	nonzeros    *prometheus.GaugeVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nlcore_evaluations_total",
			Help: "Dispatcher evaluations by kind",
		}, []string{"kind"}),
		analysis: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nlcore_analysis_duration_seconds",
			Help:    "Structure analysis duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		groups: f.NewGauge(prometheus.GaugeOpts{
			Name: "nlcore_groups",
			Help: "Nonlinear groups after the last aggregation",
		}),
		nonzeros: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nlcore_nonzeros",
			Help: "Structural nonzeros of the last analysis",
		}, []string{"matrix"}),
	}
}

func (m *Metrics) evaluated(kind string) {
	if m != nil {
		m.evaluations.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) analyzed(start time.Time, s *Structure) {
	if m == nil {
		return
	}
	m.analysis.Observe(time.Since(start).Seconds())
	m.nonzeros.WithLabelValues("jacobian").Set(float64(len(s.JacRows)))
	m.nonzeros.WithLabelValues("hessian").Set(float64(len(s.HessRows)))
	m.nonzeros.WithLabelValues("gradient").Set(float64(len(s.GradCols)))
}

func (m *Metrics) aggregated(groups int) {
	if m != nil {
		m.groups.Set(float64(groups))
	}
}
