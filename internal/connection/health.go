package connection

import (
	"math"
	"time"
)

// latencyAlpha is the weight of a new latency sample in the EMA.
const latencyAlpha = 0.2

// HealthMetrics tracks probe outcomes for the active endpoint.
type HealthMetrics struct {
	LatencyEMA  time.Duration
	SuccessRate float64
	ErrorRate   float64
	LastCheckAt time.Time
	// Samples counts successful probes since the endpoint became active.
	Samples int
}

func newHealthMetrics() HealthMetrics {
	return HealthMetrics{SuccessRate: 1}
}

func (h *HealthMetrics) recordSuccess(latency time.Duration, at time.Time) {
	if h.Samples == 0 {
		h.LatencyEMA = latency
	} else {
		h.LatencyEMA = time.Duration(float64(h.LatencyEMA)*(1-latencyAlpha) + float64(latency)*latencyAlpha)
	}
	h.Samples++
	h.SuccessRate = math.Min(1, h.SuccessRate+0.1)
	h.ErrorRate = math.Max(0, h.ErrorRate-0.1)
	h.LastCheckAt = at
}

func (h *HealthMetrics) recordFailure(at time.Time) {
	h.SuccessRate = math.Max(0, h.SuccessRate-0.2)
	h.ErrorRate = math.Min(1, h.ErrorRate+0.2)
	h.LastCheckAt = at
}
