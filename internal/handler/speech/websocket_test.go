package speech

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voice-chatter/backend/internal/model/persona"
	"github.com/zhouzirui/voice-chatter/backend/internal/model/voice"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/ai"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/session"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/synthesis"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/transcription"
)

const testToken = "secret"

// echoStream 在 CloseSend 后返回固定的 final 结果。
type echoStream struct {
	results   chan transcription.Result
	closed    chan struct{}
	closeOnce sync.Once
	sendOnce  sync.Once
}

func (s *echoStream) Send(audio []byte) error { return nil }

func (s *echoStream) CloseSend() error {
	s.sendOnce.Do(func() {
		s.results <- transcription.Result{Text: "こんにちは", IsFinal: true}
		close(s.results)
	})
	return nil
}

func (s *echoStream) Recv() (transcription.Result, error) {
	select {
	case res, ok := <-s.results:
		if !ok {
			return transcription.Result{}, io.EOF
		}
		return res, nil
	case <-s.closed:
		return transcription.Result{}, errors.New("closed")
	}
}

func (s *echoStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type echoRecognizer struct{}

func (echoRecognizer) OpenStream(ctx context.Context, cfg transcription.StreamConfig) (transcription.Stream, error) {
	return &echoStream{results: make(chan transcription.Result, 2), closed: make(chan struct{})}, nil
}

type staticGenerator struct{}

func (staticGenerator) Generate(ctx context.Context, systemInstruction, userText, outputDirective string) (string, error) {
	return "こんにちは！元気ですか？", nil
}

type staticSynth struct{}

func (staticSynth) Synthesize(ctx context.Context, req synthesis.Request) ([]byte, error) {
	return make([]byte, 6400), nil
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	manager := session.NewManager(testToken, session.Config{SampleRateHz: 16000}, nil, session.Dependencies{
		Recognizer: echoRecognizer{},
		Responder:  ai.NewOrchestrator(staticGenerator{}, time.Second),
		Speaker:    synthesis.NewDispatcher(staticSynth{}, synthesis.Config{SampleRateHz: 16000, ChunkBytes: 3200}),
		Persona:    persona.Seed()[0],
	})

	r := chi.NewRouter()
	NewWebSocketHandler(manager).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		_ = manager.Shutdown(context.Background())
		srv.Close()
	})
	return srv, manager
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/voice?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) voice.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env voice.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read err: %v", err)
	}
	return env
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": msgType, "data": data}); err != nil {
		t.Fatalf("write err: %v", err)
	}
}

func TestVoiceSessionRoundTrip(t *testing.T) {
	srv, manager := newTestServer(t)
	conn := dial(t, srv, testToken)

	ack := readEnvelope(t, conn)
	if ack.Type != voice.TypeAckReady || ack.SessionID == "" {
		t.Fatalf("unexpected first message: %+v", ack)
	}
	if manager.Registry().Len() != 1 {
		t.Fatalf("registry size = %d, want 1", manager.Registry().Len())
	}

	send(t, conn, voice.TypeStartUtterance, nil)
	for i := 0; i < 3; i++ {
		send(t, conn, voice.TypeAudioChunk, map[string]any{
			"sequence":     i,
			"payload":      []byte{1, 2, 3, 4},
			"sampleRateHz": 16000,
		})
	}
	send(t, conn, voice.TypeStopUtterance, nil)

	final := readEnvelope(t, conn)
	if final.Type != voice.TypeTranscriptFinal {
		t.Fatalf("message = %s, want transcript-final", final.Type)
	}
	var transcript voice.Transcript
	if err := json.Unmarshal(final.Data, &transcript); err != nil {
		t.Fatalf("decode transcript err: %v", err)
	}
	if transcript.Text != "こんにちは" {
		t.Fatalf("transcript = %q", transcript.Text)
	}

	for i := 0; i < 2; i++ {
		env := readEnvelope(t, conn)
		if env.Type != voice.TypeReplyAudioChunk {
			t.Fatalf("message = %s, want reply-audio-chunk", env.Type)
		}
		var chunk voice.ReplyAudioChunk
		if err := json.Unmarshal(env.Data, &chunk); err != nil {
			t.Fatalf("decode chunk err: %v", err)
		}
		if chunk.Sequence != int64(i) || chunk.IsFinal != (i == 1) || len(chunk.Payload) != 3200 {
			t.Fatalf("unexpected chunk %d: seq=%d final=%v len=%d", i, chunk.Sequence, chunk.IsFinal, len(chunk.Payload))
		}
	}
}

func TestInvalidTokenClosesWith4401(t *testing.T) {
	srv, manager := newTestServer(t)
	conn := dial(t, srv, "wrong")

	env := readEnvelope(t, conn)
	if env.Type != voice.TypeError {
		t.Fatalf("message = %s, want error", env.Type)
	}
	var payload voice.ErrorPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("decode error payload err: %v", err)
	}
	if payload.Kind != voice.KindAuthentication {
		t.Fatalf("error kind = %s, want AuthenticationError", payload.Kind)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, CloseAuthFailed) {
		t.Fatalf("expected close code %d, got %v", CloseAuthFailed, err)
	}
	if manager.Registry().Len() != 0 {
		t.Fatalf("registry size = %d, want 0", manager.Registry().Len())
	}
}

func TestMalformedMessagesAreProtocolErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, testToken)
	readEnvelope(t, conn)

	frames := []struct {
		name  string
		write func() error
	}{
		{"binary frame", func() error { return conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}) }},
		{"unknown type", func() error { return conn.WriteJSON(map[string]any{"type": "dance"}) }},
		{"invalid json", func() error { return conn.WriteMessage(websocket.TextMessage, []byte("{")) }},
	}

	for _, f := range frames {
		if err := f.write(); err != nil {
			t.Fatalf("%s: write err: %v", f.name, err)
		}
		env := readEnvelope(t, conn)
		var payload voice.ErrorPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			t.Fatalf("%s: decode err: %v", f.name, err)
		}
		if env.Type != voice.TypeError || payload.Kind != voice.KindProtocol {
			t.Fatalf("%s: unexpected reply %s %+v", f.name, env.Type, payload)
		}
	}
}

func TestCloseMessageEndsSession(t *testing.T) {
	srv, manager := newTestServer(t)
	conn := dial(t, srv, testToken)
	readEnvelope(t, conn)

	send(t, conn, voice.TypeClose, nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for manager.Registry().Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if manager.Registry().Len() != 0 {
		t.Fatalf("registry size = %d, want 0", manager.Registry().Len())
	}
}

func TestMalformedChunkEndsListeningUtterance(t *testing.T) {
	srv, manager := newTestServer(t)
	conn := dial(t, srv, testToken)
	ack := readEnvelope(t, conn)

	send(t, conn, voice.TypeStartUtterance, nil)
	send(t, conn, voice.TypeAudioChunk, map[string]any{"sequence": 0, "payload": "!!notbase64!!"})

	env := readEnvelope(t, conn)
	var payload voice.ErrorPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if env.Type != voice.TypeError || payload.Kind != voice.KindProtocol || payload.UtteranceSeq != 1 {
		t.Fatalf("unexpected reply %s %+v", env.Type, payload)
	}

	sess, ok := manager.Registry().Get(ack.SessionID)
	if !ok {
		t.Fatal("session not registered")
	}
	if sess.State() != voice.StateIdle {
		t.Fatalf("state = %s, want IDLE", sess.State())
	}

	// 剩余音频和 stop 被丢弃，下一次说话直接开始
	send(t, conn, voice.TypeAudioChunk, map[string]any{"sequence": 1, "payload": []byte{1, 2}})
	send(t, conn, voice.TypeStopUtterance, nil)
	send(t, conn, voice.TypeStartUtterance, nil)
	send(t, conn, voice.TypeAudioChunk, map[string]any{"sequence": 0, "payload": []byte{1, 2}})
	send(t, conn, voice.TypeStopUtterance, nil)

	final := readEnvelope(t, conn)
	var transcript voice.Transcript
	if err := json.Unmarshal(final.Data, &transcript); err != nil {
		t.Fatalf("decode transcript err: %v", err)
	}
	if final.Type != voice.TypeTranscriptFinal || transcript.UtteranceSeq != 2 {
		t.Fatalf("unexpected message %s %+v", final.Type, transcript)
	}
}
