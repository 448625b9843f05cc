package speech

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voice-chatter/backend/internal/service/transcription"
)

func streamConfig() transcription.StreamConfig {
	return transcription.StreamConfig{SessionID: "s1", UtteranceSeq: 1, Locale: "ja-JP", SampleRateHz: 16000}
}

func TestRecognizerStreamsPartialsAndFinal(t *testing.T) {
	lastSeq := make(chan int32, 1)
	cfg := fakeVendor(t, func(r *http.Request, conn *websocket.Conn) {
		if r.Header.Get("X-Api-Resource-Id") != defaultASRResourceID {
			t.Errorf("resource id = %q", r.Header.Get("X-Api-Resource-Id"))
		}

		first := readClientFrame(t, conn)
		if first == nil || first.Type != FullClientRequest {
			t.Errorf("first frame is not a full client request")
			return
		}
		body, _ := first.Body()
		var req asrRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("request json err: %v", err)
			return
		}
		if req.Audio.Rate != 16000 || req.Audio.Language != "ja-JP" || req.Audio.Format != "pcm" {
			t.Errorf("unexpected audio params: %+v", req.Audio)
		}

		partials := []string{"こん", "こんにちは"}
		for i := 0; ; i++ {
			frame := readClientFrame(t, conn)
			if frame == nil {
				return
			}
			if frame.IsLast() {
				lastSeq <- frame.Sequence
				writeJSONFrame(t, conn, &Frame{Flags: NegativeSequence, Sequence: frame.Sequence}, asrResult("こんにちは"))
				return
			}
			writeJSONFrame(t, conn, &Frame{Flags: PositiveSequence, Sequence: frame.Sequence}, asrResult(partials[i%len(partials)]))
		}
	})

	stream, err := NewVolcengineRecognizer(cfg).OpenStream(context.Background(), streamConfig())
	if err != nil {
		t.Fatalf("OpenStream err: %v", err)
	}
	defer stream.Close()

	for _, want := range []string{"こん", "こんにちは"} {
		if err := stream.Send(make([]byte, 3200)); err != nil {
			t.Fatalf("Send err: %v", err)
		}
		res, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv err: %v", err)
		}
		if res.IsFinal || res.Text != want {
			t.Fatalf("partial = %+v, want %q", res, want)
		}
	}

	if err := stream.CloseSend(); err != nil {
		t.Fatalf("CloseSend err: %v", err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("second CloseSend err: %v", err)
	}
	if err := stream.Send([]byte{1}); !errors.Is(err, errSendClosed) {
		t.Fatalf("Send after CloseSend err = %v", err)
	}

	final, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv final err: %v", err)
	}
	if !final.IsFinal || final.Text != "こんにちは" || final.Confidence == 0 {
		t.Fatalf("final = %+v", final)
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("Recv after final err = %v, want EOF", err)
	}

	select {
	case seq := <-lastSeq:
		if seq != -4 {
			t.Fatalf("last packet sequence = %d, want -4", seq)
		}
	case <-time.After(time.Second):
		t.Fatalf("server did not see the last packet")
	}
}

func TestRecognizerSurfacesVendorError(t *testing.T) {
	cfg := fakeVendor(t, func(r *http.Request, conn *websocket.Conn) {
		readClientFrame(t, conn)
		frame := &Frame{Type: ErrorMessage, ErrorCode: 45000002, Payload: []byte("quota exceeded")}
		_ = conn.WriteMessage(websocket.BinaryMessage, frame.Encode())
	})

	stream, err := NewVolcengineRecognizer(cfg).OpenStream(context.Background(), streamConfig())
	if err != nil {
		t.Fatalf("OpenStream err: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err == nil {
		t.Fatalf("expected vendor error")
	}
}

func TestRecognizerContextCancelUnblocksRecv(t *testing.T) {
	release := make(chan struct{})
	cfg := fakeVendor(t, func(r *http.Request, conn *websocket.Conn) {
		readClientFrame(t, conn)
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := NewVolcengineRecognizer(cfg).OpenStream(ctx, streamConfig())
	if err != nil {
		t.Fatalf("OpenStream err: %v", err)
	}
	defer stream.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := stream.Recv()
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected Recv to fail after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("Recv still blocked after cancel")
	}
}

func TestRecognizerRequiresCredentials(t *testing.T) {
	r := NewVolcengineRecognizer(Config{ASRURL: "ws://127.0.0.1:1"})
	if _, err := r.OpenStream(context.Background(), streamConfig()); err == nil {
		t.Fatalf("expected credential error")
	}
}

func TestRecognizerHandshakeRejectedIsNotRetried(t *testing.T) {
	cfg := fakeVendor(t, func(r *http.Request, conn *websocket.Conn) {})
	cfg.AccessToken = "wrong"
	cfg.DialAttempts = 3
	cfg.DialBackoff = time.Hour

	start := time.Now()
	if _, err := NewVolcengineRecognizer(cfg).OpenStream(context.Background(), streamConfig()); err == nil {
		t.Fatalf("expected handshake error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("rejected handshake was retried")
	}
}
