package session

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/voice-chatter/backend/internal/model/voice"
	"github.com/zhouzirui/voice-chatter/backend/internal/observe"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/ai"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/transcription"
)

// oneShotChunkBytes 100ms @16kHz 单声道 16bit
const oneShotChunkBytes = 3200

// OneShotResult 一次整段音频请求的结果。Transcript 为空时不生成回复，Audio 为空。
type OneShotResult struct {
	Transcript string
	Reply      string
	Audio      []byte
}

// ProcessAudio 不建立会话，直接把一段完整的 PCM 走完识别、生成、合成三个阶段。
// 供不支持 websocket 的设备使用。
func (m *Manager) ProcessAudio(ctx context.Context, pcm []byte, sampleRateHz int) (OneShotResult, error) {
	if len(pcm) == 0 {
		return OneShotResult{}, voice.NewError(voice.KindProtocol, "no audio received", nil)
	}
	if sampleRateHz <= 0 {
		sampleRateHz = m.cfg.SampleRateHz
	}
	id := "oneshot-" + uuid.NewString()

	started := time.Now()
	transcript, err := m.transcribeAll(ctx, id, pcm, sampleRateHz)
	if err != nil {
		m.deps.Metrics.RecordUtteranceError(ctx, string(voice.KindTranscription))
		return OneShotResult{}, err
	}
	m.deps.Metrics.RecordStage(ctx, observe.StageTranscription, time.Since(started))

	result := OneShotResult{Transcript: transcript}
	if strings.TrimSpace(transcript) == "" {
		log.Printf("[session] %s empty transcript, skipping generation", id)
		m.deps.Metrics.RecordUtterance(ctx, "empty")
		return result, nil
	}

	generateStart := time.Now()
	reply, err := m.deps.Responder.Generate(ctx, ai.BuildPrompt(m.deps.Persona, transcript), 1)
	if err != nil {
		m.deps.Metrics.RecordUtteranceError(ctx, string(voice.KindGeneration))
		return result, err
	}
	m.deps.Metrics.RecordStage(ctx, observe.StageGeneration, time.Since(generateStart))
	result.Reply = reply.Text

	synthStart := time.Now()
	var audio []byte
	for chunk, err := range m.deps.Speaker.Synthesize(ctx, id, reply.Text, 1) {
		if err != nil {
			m.deps.Metrics.RecordUtteranceError(ctx, string(voice.KindSynthesis))
			return result, err
		}
		audio = append(audio, chunk.Payload...)
	}
	m.deps.Metrics.RecordStage(ctx, observe.StageSynthesis, time.Since(synthStart))
	m.deps.Metrics.RecordStage(ctx, observe.StageUtterance, time.Since(started))
	m.deps.Metrics.RecordUtterance(ctx, "ok")

	result.Audio = audio
	log.Printf("[session] %s one-shot reply %d bytes in %s", id, len(audio), time.Since(started).Round(time.Millisecond))
	return result, nil
}

// transcribeAll 分片发送整段音频后等待最终结果。
func (m *Manager) transcribeAll(ctx context.Context, id string, pcm []byte, sampleRateHz int) (string, error) {
	duration := time.Duration(len(pcm)) * time.Second / time.Duration(sampleRateHz*2)
	tctx, cancel := context.WithTimeout(ctx, duration+m.cfg.TranscriptTimeout)
	defer cancel()

	stream, err := m.deps.Recognizer.OpenStream(tctx, transcription.StreamConfig{
		SessionID:    id,
		UtteranceSeq: 1,
		Locale:       m.cfg.Locale,
		SampleRateHz: sampleRateHz,
	})
	if err != nil {
		return "", voice.NewError(voice.KindTranscription, "failed to open recognizer", err)
	}
	defer stream.Close()

	sendErr := make(chan error, 1)
	go func() {
		for off := 0; off < len(pcm); off += oneShotChunkBytes {
			end := min(off+oneShotChunkBytes, len(pcm))
			if err := stream.Send(pcm[off:end]); err != nil {
				sendErr <- err
				return
			}
		}
		sendErr <- stream.CloseSend()
	}()

	var last string
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", voice.NewError(voice.KindTranscription, "recognition failed", err)
		}
		last = res.Text
		if res.IsFinal {
			break
		}
	}

	// 识别器提前给出最终结果时发送协程可能还在写，Close 后它会自行退出
	select {
	case err := <-sendErr:
		if err != nil {
			log.Printf("[session] %s audio upload ended early: %v", id, err)
		}
	default:
	}
	return strings.TrimSpace(last), nil
}
