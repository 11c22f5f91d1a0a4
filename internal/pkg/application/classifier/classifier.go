package classifier

import (
	"context"
	"math"
	"time"

	"github.com/diwise/ingest-gateway/pkg/types"
)

// Classifier evaluates one observation against per-stream state and
// configuration and returns exactly one Classification
// It is the core algorithm of the gateway.
type Classifier struct {
	states      *SensorStateManager
	config      *thresholdCache
	consecutive *consecutiveTracker
	cooldown    *cooldownTracker
}

func New(states *SensorStateManager, config ConfigRepository) *Classifier {
	return &Classifier{
		states:      states,
		config:      newThresholdCache(config),
		consecutive: newConsecutiveTracker(),
		cooldown:    newCooldownTracker(),
	}
}

// Classify evaluates in strict order: value sanity, state gate, physical
// range, warning band, history freshness, delta spike, cooldown.
func (c *Classifier) Classify(ctx context.Context, streamKey string, value float64, ingestTS time.Time) (types.Classification, error) {
	// Step 1: value sanity.
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return types.Classification{Kind: types.ClassificationPrediction, Reason: "invalid"}, nil
	}

	// Step 2: state gate. A STALE stream that reports again restarts its
	// warm-up (STALE -> INITIALIZING).
	rec, err := c.states.RegisterValidReading(ctx, streamKey)
	if err != nil {
		return types.Classification{}, err
	}
	if rec.OperationalState == types.StateStale {
		if _, err := c.states.TransitionToWithRetry(ctx, streamKey, types.StateInitializing); err != nil {
			return types.Classification{}, err
		}
	}

	canGenerate, reason, err := c.states.CanGenerateEvents(ctx, streamKey)
	if err != nil {
		return types.Classification{}, err
	}
	if !canGenerate {
		return types.Classification{Kind: types.ClassificationPrediction, Reason: reason}, nil
	}

	ts, hasThresholds, err := c.config.ThresholdSet(ctx, streamKey)
	if err != nil {
		return types.Classification{}, err
	}

	// Step 3: physical range.
	if hasThresholds && ts.HasPhysicalRange {
		violated := value < ts.Min || value > ts.Max
		if violated {
			required := ts.ConsecutiveReadingsRequired
			if required < 1 {
				required = types.DefaultConsecutiveReadingsRequired
			}
			count := c.consecutive.IncrementOutOfRange(streamKey)
			if count < required {
				return types.Classification{Kind: types.ClassificationPrediction, Reason: "pending hysteresis"}, nil
			}

			which := "max"
			if value < ts.Min {
				which = "min"
			}

			current, err := c.states.GetState(ctx, streamKey)
			if err != nil {
				return types.Classification{}, err
			}
			if current.OperationalState != types.StateAlert {
				if _, err := c.states.TransitionToWithRetry(ctx, streamKey, types.StateAlert); err != nil {
					return types.Classification{}, err
				}
			}
			return types.Classification{Kind: types.ClassificationAlert, Reason: "physical range violated", ThresholdViolated: which}, nil
		}
		c.consecutive.Reset(streamKey)
	}

	// Step 4: warning-band short-circuit.
	if hasThresholds && ts.HasWarningBand && value >= ts.WarningMin && value <= ts.WarningMax {
		return types.Classification{Kind: types.ClassificationPrediction, Reason: "inside warning band; delta not applicable"}, nil
	}

	// Step 5: history freshness.
	last, found, err := c.config.LastReading(ctx, streamKey)
	if err != nil {
		return types.Classification{}, err
	}
	if !found || last.Age(ingestTS) > maxReadingAgeSeconds*time.Second {
		c.config.SetLastReading(streamKey, types.LastReading{Value: value, Timestamp: ingestTS})
		return types.Classification{Kind: types.ClassificationPrediction, Reason: "no recent history"}, nil
	}

	// Step 6: delta-spike detection.
	if !hasThresholds || (ts.AbsDelta == nil && ts.RelDelta == nil && ts.AbsSlope == nil && ts.RelSlope == nil) {
		c.config.SetLastReading(streamKey, types.LastReading{Value: value, Timestamp: ingestTS})
		return types.Classification{Kind: types.ClassificationPrediction, Reason: "no delta thresholds configured"}, nil
	}

	sensorType, err := c.config.SensorType(ctx, streamKey)
	if err != nil {
		return types.Classification{}, err
	}
	noise := types.NoiseFloorFor(sensorType)

	dt := ingestTS.Sub(last.Timestamp).Seconds()
	spike := evaluateDeltaSpike(ts, noise, value, last, dt)

	c.config.SetLastReading(streamKey, types.LastReading{Value: value, Timestamp: ingestTS})

	if spike == nil {
		return types.Classification{Kind: types.ClassificationPrediction, Reason: "no spike"}, nil
	}

	// Step 7: cooldown.
	if c.cooldown.InCooldown(streamKey, ingestTS) {
		return types.Classification{Kind: types.ClassificationPrediction, Reason: "delta spike in cooldown"}, nil
	}

	// Step 8: transition to WARNING and return it.
	severity := ts.Severity
	if severity == "" {
		severity = types.SeverityWarning
	}
	current, err := c.states.GetState(ctx, streamKey)
	if err != nil {
		return types.Classification{}, err
	}
	if current.OperationalState != types.StateWarning {
		if _, err := c.states.TransitionToWithRetry(ctx, streamKey, types.StateWarning); err != nil {
			return types.Classification{}, err
		}
	}
	c.cooldown.MarkEmitted(streamKey, ingestTS)

	return types.Classification{
		Kind:      types.ClassificationWarning,
		Reason:    "delta spike",
		DeltaAbs:  spike.DeltaAbs,
		DeltaRel:  spike.DeltaRel,
		SlopeAbs:  spike.SlopeAbs,
		SlopeRel:  spike.SlopeRel,
		DtSeconds: spike.DtSeconds,
		LastValue: last.Value,
		Triggered: spike.Triggered,
		Severity:  severity,
	}, nil
}

// InvalidateThresholds must be called by any write path that mutates a
// stream's ThresholdSet row.
func (c *Classifier) InvalidateThresholds(streamKey string) {
	c.config.InvalidateThresholds(streamKey)
}
