package metrics

import (
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus"
)

func TestRegistry_RecordAndReport(t *testing.T) {
	is := is.New(t)
	r := NewRegistry(prometheus.NewRegistry())

	base := time.Now().UTC()
	seq := int64(1)
	r.RecordObservation("iot:sensor:1", base, base.Add(50*time.Millisecond), &seq, "ML_PREDICTION")
	seq = 2
	r.RecordObservation("iot:sensor:1", base.Add(time.Second), base.Add(time.Second+50*time.Millisecond), &seq, "ML_PREDICTION")

	report := r.Report("iot:sensor:1")
	is.Equal(report.Aggregate.Count, 2)
	is.Equal(report.Health, HealthPass)
}

func TestAssess_FailsOnHighLagAndOutOfOrder(t *testing.T) {
	is := is.New(t)
	agg := Aggregate{MaxLagMs: 5000, OutOfOrderRate: 0.5}
	is.Equal(Assess(agg), HealthFail)
}

func TestAssess_WarnsOnModerateDegradation(t *testing.T) {
	is := is.New(t)
	agg := Aggregate{MaxLagMs: 300, OutOfOrderRate: 0.02}
	is.Equal(Assess(agg), HealthWarn)
}

func TestRegistry_OutOfOrderDetection(t *testing.T) {
	is := is.New(t)
	r := NewRegistry(prometheus.NewRegistry())

	base := time.Now().UTC()
	seq1, seq2 := int64(5), int64(3)
	r.RecordObservation("s", base, base, &seq1, "ML_PREDICTION")
	r.RecordObservation("s", base, base, &seq2, "ML_PREDICTION")

	report := r.Report("s")
	is.True(report.Aggregate.OutOfOrderRate > 0)
}
