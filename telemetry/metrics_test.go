package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()

	if CapturesStarted == nil {
		t.Error("CapturesStarted counter not initialized")
	}
	if CaptureDuration == nil {
		t.Error("CaptureDuration histogram not initialized")
	}
	if ReconcileDuration == nil {
		t.Error("ReconcileDuration histogram not initialized")
	}
	if ActiveCapturesGauge == nil {
		t.Error("ActiveCapturesGauge not initialized")
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	Init()

	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})
	prometheus.MustRegister(testHistogram)
	defer prometheus.Unregister(testHistogram)

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil {
		t.Fatal("Histogram metric is nil")
	}
	if *metric.Histogram.SampleCount == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestGaugeHelpers(t *testing.T) {
	Init()

	SetEventSubConnected(true)
	SetEventSubConnected(false)
	for _, n := range []int{0, 3, 10} {
		SetActiveCaptures(n)
		SetQueuedCaptures(n)
	}
	// Should not panic.
}
