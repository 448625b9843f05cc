// Package synthesis 把生成的文本合成为可流式下发的音频分片。
package synthesis

import (
	"context"
	"fmt"
	"iter"
	"log"
	"strings"
	"time"

	"github.com/zhouzirui/voice-chatter/backend/internal/model/voice"
	"github.com/zhouzirui/voice-chatter/backend/pkg/utils"
)

// Request 单次合成请求。
type Request struct {
	SessionID    string
	Text         string
	Locale       string
	VoiceID      string
	SampleRateHz int
	SpeakingRate float32
}

// Synthesizer 外部语音合成服务，返回 16bit 单声道 PCM（允许带 WAV 头）。
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// Config 分发器配置。
type Config struct {
	Locale       string
	VoiceID      string
	SampleRateHz int
	SpeakingRate float32
	ChunkBytes   int
	Timeout      time.Duration
}

// Dispatcher 调用合成服务并把音频切成固定大小的分片。
type Dispatcher struct {
	synth Synthesizer
	cfg   Config
}

// NewDispatcher 创建分发器。ChunkBytes 向下对齐到采样宽度。
func NewDispatcher(synth Synthesizer, cfg Config) *Dispatcher {
	if cfg.ChunkBytes <= 1 {
		cfg.ChunkBytes = 3200
	}
	cfg.ChunkBytes -= cfg.ChunkBytes % 2
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 16000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Dispatcher{synth: synth, cfg: cfg}
}

type synthResult struct {
	audio []byte
	err   error
}

// Synthesize 返回惰性分片序列。每次遍历都会重新调用合成服务；
// 最后一个分片 IsFinal=true，失败时产出一个 SynthesisError 并结束。
func (d *Dispatcher) Synthesize(ctx context.Context, sessionID, text string, utteranceSeq uint64) iter.Seq2[voice.AudioChunk, error] {
	return func(yield func(voice.AudioChunk, error) bool) {
		if strings.TrimSpace(text) == "" {
			yield(voice.AudioChunk{}, voice.NewError(voice.KindSynthesis, "nothing to synthesize", nil))
			return
		}

		audio, err := d.fetch(ctx, Request{
			SessionID:    sessionID,
			Text:         text,
			Locale:       d.cfg.Locale,
			VoiceID:      d.cfg.VoiceID,
			SampleRateHz: d.cfg.SampleRateHz,
			SpeakingRate: d.cfg.SpeakingRate,
		})
		if err != nil {
			if ctx.Err() != nil {
				yield(voice.AudioChunk{}, ctx.Err())
				return
			}
			log.Printf("[tts] synthesis failed session=%s utterance=%d: %v", sessionID, utteranceSeq, err)
			yield(voice.AudioChunk{}, voice.NewError(voice.KindSynthesis, "speech synthesis failed", err))
			return
		}

		pcm, err := utils.StripWAVHeader(audio)
		if err != nil {
			yield(voice.AudioChunk{}, voice.NewError(voice.KindSynthesis, "invalid synthesized audio", err))
			return
		}
		if len(pcm) == 0 {
			yield(voice.AudioChunk{}, voice.NewError(voice.KindSynthesis, "synthesizer returned no audio", nil))
			return
		}

		var seq int64
		for offset := 0; offset < len(pcm); seq++ {
			end := min(offset+d.cfg.ChunkBytes, len(pcm))
			chunk := voice.NewAudioChunk(utteranceSeq, seq, pcm[offset:end], d.cfg.SampleRateHz, end == len(pcm))
			if !yield(chunk, nil) {
				return
			}
			offset = end
		}
	}
}

func (d *Dispatcher) fetch(ctx context.Context, req Request) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	resultCh := make(chan synthResult, 1)
	go func() {
		audio, err := d.synth.Synthesize(callCtx, req)
		resultCh <- synthResult{audio: audio, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.audio, res.err
	case <-callCtx.Done():
		return nil, fmt.Errorf("synthesizer did not respond within %s: %w", d.cfg.Timeout, callCtx.Err())
	}
}
