package session

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/zhouzirui/voice-chatter/backend/internal/model/voice"
	"github.com/zhouzirui/voice-chatter/backend/internal/observe"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/ai"
)

func utteranceOutcomes(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voice.utterances" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", met.Data)
			}
			for _, dp := range sum.DataPoints {
				outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
				got[outcome.AsString()] += dp.Value
			}
		}
	}
	return got
}

func TestShutdownCountsInterruptedUtterances(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m := newTestManager(t, Dependencies{
		Recognizer: &scriptedRecognizer{final: "こんにちは"},
		Responder:  ai.NewOrchestrator(&fakeGenerator{reply: "はい"}, time.Second),
		Speaker:    twoChunkSpeaker(&fakeSynth{}),
		Metrics:    metrics,
	})
	done, out := openSession(t, m)
	listening, _ := openSession(t, m)
	openSession(t, m)

	handle(t, done, voice.StartUtterance{}, audioMsg(0), voice.StopUtterance{})
	expectTranscriptFinal(t, out, "こんにちは")
	out.next(t)
	out.next(t)
	waitState(t, done, voice.StateIdle)

	handle(t, listening, voice.StartUtterance{}, audioMsg(0))

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown err: %v", err)
	}

	got := utteranceOutcomes(t, reader)
	if got["ok"] != 1 || got["interrupted"] != 1 {
		t.Fatalf("utterance outcomes = %v, want ok=1 interrupted=1", got)
	}
}
