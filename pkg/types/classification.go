package types

// ClassificationKind is the disjoint outcome of classifying one
// observation; exactly one is ever produced invariant 1.
type ClassificationKind string

const (
	ClassificationAlert      ClassificationKind = "ALERT"
	ClassificationWarning    ClassificationKind = "WARNING"
	ClassificationPrediction ClassificationKind = "ML_PREDICTION"
)

// Classification is the classifier's verdict for one observation, carrying
// enough context for the routed sub-pipeline to act without re-deriving it.
type Classification struct {
	Kind   ClassificationKind
	Reason string

	// Populated when Kind == ClassificationWarning (delta spike).
	DeltaAbs   float64
	DeltaRel   float64
	SlopeAbs   float64
	SlopeRel   float64
	DtSeconds  float64
	LastValue  float64
	Triggered  []string
	Severity   DeltaSeverity

	// Populated when Kind == ClassificationAlert.
	ThresholdViolated string // "min" or "max"
}
