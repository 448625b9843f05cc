package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionOpened(ctx)
	m.SessionOpened(ctx)
	m.SessionClosed(ctx)

	met := findMetric(collect(t, reader), "voice.sessions.active")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", met.Data)
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Fatalf("active sessions = %+v, want 1", sum.DataPoints)
	}
}

func TestRecordStageByAttribute(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStage(ctx, StageGeneration, 120*time.Millisecond)
	m.RecordStage(ctx, StageGeneration, 300*time.Millisecond)
	m.RecordStage(ctx, StageSynthesis, time.Second)

	met := findMetric(collect(t, reader), "voice.stage.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", met.Data)
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		v, _ := dp.Attributes.Value("stage")
		counts[v.AsString()] = dp.Count
	}
	if counts[StageGeneration] != 2 || counts[StageSynthesis] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestUtteranceErrorCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordUtteranceError(ctx, "GenerationError")
	m.RecordUtteranceError(ctx, "GenerationError")
	m.RecordUtteranceError(ctx, "ProtocolError")

	met := findMetric(collect(t, reader), "voice.utterance.errors")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Fatalf("total errors = %d, want 3", total)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.SessionOpened(ctx)
	m.SessionClosed(ctx)
	m.RecordStage(ctx, StageTranscription, time.Second)
	m.RecordUtterance(ctx, "ok")
	m.RecordUtteranceError(ctx, "x")
	m.RecordAuthFailure(ctx)
	m.RecordStaleDrop(ctx, "reply")
}

func TestProviderServesPrometheus(t *testing.T) {
	p, err := InitProvider()
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	m, err := NewMetrics(p.MeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordAuthFailure(context.Background())

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "voice_auth_failures") {
		t.Fatalf("expected auth failure metric in scrape output, got:\n%s", body)
	}
}
