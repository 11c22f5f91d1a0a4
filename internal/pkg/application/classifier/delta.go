package classifier

import (
	"math"

	"github.com/diwise/ingest-gateway/pkg/types"
)

// deltaSpikeResult is the outcome of evaluating the delta-spike rules
// against a fresh LastReading; nil means no spike.
type deltaSpikeResult struct {
	DeltaAbs  float64
	DeltaRel  float64
	SlopeAbs  float64
	SlopeRel  float64
	DtSeconds float64
	Triggered []string
}

// evaluateDeltaSpike applies the delta-spike rules against the most
// recent reading.
//
// The noise-floor check is AND (both delta_abs and delta_rel under
// floor), not OR — using OR would filter legitimate step changes.
func evaluateDeltaSpike(ts types.ThresholdSet, noise types.NoiseFloor, value float64, last types.LastReading, dtSeconds float64) *deltaSpikeResult {
	deltaAbs := math.Abs(value - last.Value)

	var deltaRel float64
	if math.Abs(last.Value) > 1e-6 {
		deltaRel = deltaAbs / math.Abs(last.Value)
	}

	if deltaAbs < noise.Abs && deltaRel < noise.Rel {
		return nil
	}

	if dtSeconds < 0.001 {
		dtSeconds = 0.001
	}

	slopeAbs := deltaAbs / dtSeconds
	var slopeRel float64
	// Slope thresholds are skipped entirely when dt < 1s to avoid false
	// positives from batched ingestion.
	slopeGateOpen := dtSeconds >= 1.0
	if slopeGateOpen {
		slopeRel = deltaRel / dtSeconds
	}

	var triggered []string

	if ts.AbsDelta != nil && deltaAbs >= *ts.AbsDelta {
		triggered = append(triggered, "abs_delta")
	}
	if ts.RelDelta != nil && deltaRel >= *ts.RelDelta {
		triggered = append(triggered, "rel_delta")
	}
	if slopeGateOpen {
		if ts.AbsSlope != nil && slopeAbs >= *ts.AbsSlope {
			triggered = append(triggered, "abs_slope")
		}
		if ts.RelSlope != nil && slopeRel >= *ts.RelSlope {
			triggered = append(triggered, "rel_slope")
		}
	}

	if len(triggered) == 0 {
		return nil
	}

	return &deltaSpikeResult{
		DeltaAbs:  deltaAbs,
		DeltaRel:  deltaRel,
		SlopeAbs:  slopeAbs,
		SlopeRel:  slopeRel,
		DtSeconds: dtSeconds,
		Triggered: triggered,
	}
}
