// Package observe 提供语音会话的 OpenTelemetry 指标，并通过 Prometheus 导出。
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/zhouzirui/voice-chatter/backend"

// 阶段名称，作为 stage 属性值。
const (
	StageTranscription = "transcription"
	StageGeneration    = "generation"
	StageSynthesis     = "synthesis"
	StageUtterance     = "utterance"
)

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30}

// Metrics 汇总会话管线用到的所有指标。nil *Metrics 上的 Record 方法为空操作。
type Metrics struct {
	ActiveSessions  metric.Int64UpDownCounter
	StageDuration   metric.Float64Histogram
	Utterances      metric.Int64Counter
	UtteranceErrors metric.Int64Counter
	AuthFailures    metric.Int64Counter
	StaleDrops      metric.Int64Counter
}

// NewMetrics 使用给定的 MeterProvider 创建指标。
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voice.sessions.active",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("voice.stage.duration",
		metric.WithDescription("Latency of each pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("voice.utterances",
		metric.WithDescription("Utterances started, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.UtteranceErrors, err = m.Int64Counter("voice.utterance.errors",
		metric.WithDescription("Utterance failures by error kind."),
	); err != nil {
		return nil, err
	}
	if met.AuthFailures, err = m.Int64Counter("voice.auth.failures",
		metric.WithDescription("Rejected connection attempts."),
	); err != nil {
		return nil, err
	}
	if met.StaleDrops, err = m.Int64Counter("voice.stale.drops",
		metric.WithDescription("Transcripts, replies or chunks discarded because their utterance is no longer current."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics 基于全局 MeterProvider 懒加载的实例。
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// SessionOpened 活跃会话 +1。
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionClosed 活跃会话 -1。
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}

// RecordStage 记录某个阶段的耗时。
func (m *Metrics) RecordStage(ctx context.Context, stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordUtterance 记录一次话语的结果（ok / empty / error / interrupted）。
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

func (m *Metrics) RecordUtteranceError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.UtteranceErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

func (m *Metrics) RecordAuthFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.AuthFailures.Add(ctx, 1)
}

// RecordStaleDrop 记录被丢弃的过期数据，what 为 transcript / reply / chunk。
func (m *Metrics) RecordStaleDrop(ctx context.Context, what string) {
	if m == nil {
		return
	}
	m.StaleDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("what", what)),
	)
}
