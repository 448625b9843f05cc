package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zhouzirui/voice-chatter/backend/internal/model/voice"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/ai"
)

func TestProcessAudioRunsWholePipeline(t *testing.T) {
	rec := &scriptedRecognizer{final: "おはよう", partial: "おは"}
	gen := &fakeGenerator{reply: "おはよう！きょうもげんきだね！"}
	m := newTestManager(t, Dependencies{
		Recognizer: rec,
		Responder:  ai.NewOrchestrator(gen, time.Second),
		Speaker:    twoChunkSpeaker(&fakeSynth{}),
	})

	result, err := m.ProcessAudio(context.Background(), make([]byte, 7000), 16000)
	if err != nil {
		t.Fatalf("ProcessAudio err: %v", err)
	}
	if result.Transcript != "おはよう" || result.Reply != "おはよう！きょうもげんきだね！" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(result.Audio) != 6400 {
		t.Fatalf("audio = %d bytes, want 6400", len(result.Audio))
	}

	// 3200 字节分片，最后一片是余下的部分
	payloads := rec.stream(t, 0).payloads()
	if len(payloads) != 3 || len(payloads[2]) != 600 {
		t.Fatalf("unexpected upload chunking: %d chunks", len(payloads))
	}
	if m.Registry().Len() != 0 {
		t.Fatalf("one-shot request must not register a session")
	}
}

func TestProcessAudioEmptyTranscript(t *testing.T) {
	gen := &fakeGenerator{reply: "unused"}
	m := newTestManager(t, Dependencies{
		Recognizer: &scriptedRecognizer{final: "  "},
		Responder:  ai.NewOrchestrator(gen, time.Second),
		Speaker:    twoChunkSpeaker(&fakeSynth{}),
	})

	result, err := m.ProcessAudio(context.Background(), make([]byte, 3200), 16000)
	if err != nil {
		t.Fatalf("ProcessAudio err: %v", err)
	}
	if result.Transcript != "" || result.Audio != nil {
		t.Fatalf("unexpected result %+v", result)
	}
	if gen.callCount() != 0 {
		t.Fatalf("generator called %d times, want 0", gen.callCount())
	}
}

func TestProcessAudioErrors(t *testing.T) {
	tests := []struct {
		name  string
		pcm   []byte
		gen   *fakeGenerator
		synth *fakeSynth
		want  voice.ErrorKind
	}{
		{"no audio", nil, &fakeGenerator{reply: "x"}, &fakeSynth{}, voice.KindProtocol},
		{"generator fails", make([]byte, 3200), &fakeGenerator{err: errors.New("quota")}, &fakeSynth{}, voice.KindGeneration},
		{"synthesizer fails", make([]byte, 3200), &fakeGenerator{reply: "はい"}, &fakeSynth{err: errors.New("tts down")}, voice.KindSynthesis},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, Dependencies{
				Recognizer: &scriptedRecognizer{final: "こんにちは"},
				Responder:  ai.NewOrchestrator(tt.gen, time.Second),
				Speaker:    twoChunkSpeaker(tt.synth),
			})

			_, err := m.ProcessAudio(context.Background(), tt.pcm, 16000)
			kind, ok := voice.KindOf(err)
			if !ok || kind != tt.want {
				t.Fatalf("err = %v, want %s", err, tt.want)
			}
		})
	}
}
