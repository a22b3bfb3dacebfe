package player

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigmistqke/eddy/compositor"
)

// Metrics exports the render-loop frame accounting and engine health.
type Metrics struct {
	framesExpected prometheus.Counter
	framesRendered prometheus.Counter
	framesDropped  prometheus.Counter
	framesStale    prometheus.Counter
	clipsLoaded    prometheus.Gauge
	loopHandoffs   prometheus.Counter
	loopFallbacks  prometheus.Counter
}

// NewMetrics registers the engine metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		framesExpected: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddy_frames_expected_total",
			Help: "Placements the compositor expected to render.",
		}),
		framesRendered: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddy_frames_rendered_total",
			Help: "Placements rendered with a live frame.",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddy_frames_dropped_total",
			Help: "Placements skipped because no frame had arrived.",
		}),
		framesStale: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddy_frames_stale_total",
			Help: "Renders that re-used a frame whose successor was due.",
		}),
		clipsLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eddy_clips_loaded",
			Help: "Clip entries currently owned by the coordinator.",
		}),
		loopHandoffs: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddy_loop_handoffs_total",
			Help: "Loop wraps served by a pre-scheduled successor unit.",
		}),
		loopFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddy_loop_fallbacks_total",
			Help: "Loop wraps served by an in-place seek.",
		}),
	}
}

func (m *Metrics) observeRender(s compositor.Stats) {
	if m == nil {
		return
	}
	m.framesExpected.Add(float64(s.Expected))
	m.framesRendered.Add(float64(s.Rendered))
	m.framesDropped.Add(float64(s.Dropped))
	m.framesStale.Add(float64(s.Stale))
}
