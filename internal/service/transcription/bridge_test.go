package transcription

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/voice-chatter/backend/internal/model/voice"
)

type streamItem struct {
	res Result
	err error
}

type fakeStream struct {
	mu          sync.Mutex
	sent        [][]byte
	sendClosed  bool
	onCloseSend func(s *fakeStream)

	results   chan streamItem
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		results: make(chan streamItem, 16),
		closed:  make(chan struct{}),
	}
}

func (s *fakeStream) push(res Result) { s.results <- streamItem{res: res} }
func (s *fakeStream) fail(err error)  { s.results <- streamItem{err: err} }
func (s *fakeStream) end()            { close(s.results) }

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeStream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return errors.New("send on closed stream")
	}
	s.sent = append(s.sent, append([]byte(nil), audio...))
	return nil
}

func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	s.sendClosed = true
	cb := s.onCloseSend
	s.mu.Unlock()
	if cb != nil {
		cb(s)
	}
	return nil
}

func (s *fakeStream) Recv() (Result, error) {
	select {
	case item, ok := <-s.results:
		if !ok {
			return Result{}, io.EOF
		}
		return item.res, item.err
	case <-s.closed:
		return Result{}, errors.New("stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) sentPayloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// fakeRecognizer 按顺序返回预设的流或错误。
type fakeRecognizer struct {
	mu     sync.Mutex
	steps  []any
	opened int
	cfgs   []StreamConfig
}

func (r *fakeRecognizer) OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfgs = append(r.cfgs, cfg)
	if r.opened >= len(r.steps) {
		return nil, errors.New("no more streams")
	}
	step := r.steps[r.opened]
	r.opened++
	if err, ok := step.(error); ok {
		return nil, err
	}
	return step.(*fakeStream), nil
}

func audio(utterance uint64, seq int64) voice.AudioChunk {
	return voice.NewAudioChunk(utterance, seq, []byte{byte(seq), byte(seq)}, 16000, false)
}

func newTestBridge(rec Recognizer, timeout time.Duration) *Bridge {
	return NewBridge(rec, Config{Locale: "ja-JP", SampleRateHz: 16000, StopTimeout: timeout}, "session-1")
}

func TestBridgeFinalAfterStop(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream()
	stream.onCloseSend = func(s *fakeStream) {
		s.push(Result{Text: " こんにちは ", IsFinal: true, Confidence: 0.9})
	}
	rec := &fakeRecognizer{steps: []any{stream}}
	bridge := newTestBridge(rec, time.Second)

	if err := bridge.Start(ctx, 1); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	stream.push(Result{Text: "こん"})
	for i := int64(0); i < 3; i++ {
		if err := bridge.Feed(audio(1, i)); err != nil {
			t.Fatalf("Feed(%d) err: %v", i, err)
		}
	}

	final, err := bridge.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop err: %v", err)
	}
	if !final.IsFinal || final.Text != "こんにちは" || final.UtteranceSeq != 1 {
		t.Fatalf("unexpected final event: %+v", final)
	}

	var finals, partials int
	for ev := range bridge.Events() {
		if ev.UtteranceSeq != 1 {
			t.Fatalf("event tagged with wrong utterance: %+v", ev)
		}
		if ev.IsFinal {
			finals++
		} else {
			partials++
		}
	}
	if finals != 1 || partials != 1 {
		t.Fatalf("expected 1 partial and 1 final, got %d partial %d final", partials, finals)
	}
	if got := len(stream.sentPayloads()); got != 3 {
		t.Fatalf("expected 3 chunks sent upstream, got %d", got)
	}
	if rec.cfgs[0].Locale != "ja-JP" || rec.cfgs[0].UtteranceSeq != 1 {
		t.Fatalf("unexpected stream config: %+v", rec.cfgs[0])
	}
}

func TestBridgeReopensOnceAndReplays(t *testing.T) {
	ctx := context.Background()
	first := newFakeStream()
	second := newFakeStream()
	second.onCloseSend = func(s *fakeStream) {
		s.push(Result{Text: "もう一度", IsFinal: true})
	}
	rec := &fakeRecognizer{steps: []any{first, second}}
	bridge := newTestBridge(rec, time.Second)

	if err := bridge.Start(ctx, 4); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	_ = bridge.Feed(audio(4, 0))
	_ = bridge.Feed(audio(4, 1))
	first.fail(errors.New("connection reset"))
	_ = bridge.Feed(audio(4, 2))

	final, err := bridge.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop err: %v", err)
	}
	if final.Text != "もう一度" {
		t.Fatalf("unexpected final text %q", final.Text)
	}

	sent := second.sentPayloads()
	if len(sent) != 3 {
		t.Fatalf("expected replayed stream to receive 3 chunks, got %d", len(sent))
	}
	for i, payload := range sent {
		if payload[0] != byte(i) {
			t.Fatalf("chunk %d replayed out of order: %v", i, payload)
		}
	}
	if !first.isClosed() {
		t.Fatalf("failed stream should be closed")
	}
}

func TestBridgeSecondFailureIsTranscriptionError(t *testing.T) {
	ctx := context.Background()
	first := newFakeStream()
	second := newFakeStream()
	first.fail(errors.New("reset"))
	second.fail(errors.New("reset again"))
	rec := &fakeRecognizer{steps: []any{first, second}}
	bridge := newTestBridge(rec, time.Second)

	if err := bridge.Start(ctx, 1); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	_, err := bridge.Stop(ctx)
	if kind, ok := voice.KindOf(err); !ok || kind != voice.KindTranscription {
		t.Fatalf("expected TranscriptionError, got %v", err)
	}
}

func TestBridgeOpenFailureConsumesRetry(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream()
	stream.fail(errors.New("reset"))
	rec := &fakeRecognizer{steps: []any{errors.New("dial failed"), stream}}
	bridge := newTestBridge(rec, time.Second)

	if err := bridge.Start(ctx, 1); err != nil {
		t.Fatalf("Start should succeed on retry, got %v", err)
	}
	_, err := bridge.Stop(ctx)
	if kind, ok := voice.KindOf(err); !ok || kind != voice.KindTranscription {
		t.Fatalf("expected TranscriptionError after retry exhausted, got %v", err)
	}

	failing := &fakeRecognizer{steps: []any{errors.New("down"), errors.New("still down")}}
	err = newTestBridge(failing, time.Second).Start(ctx, 1)
	if kind, ok := voice.KindOf(err); !ok || kind != voice.KindTranscription {
		t.Fatalf("expected TranscriptionError when recognizer unavailable, got %v", err)
	}
}

func TestBridgeAutoFinalDiscardsLateAudio(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream()
	stream.push(Result{Text: "はい", IsFinal: true})
	rec := &fakeRecognizer{steps: []any{stream}}
	bridge := newTestBridge(rec, time.Second)

	if err := bridge.Start(ctx, 2); err != nil {
		t.Fatalf("Start err: %v", err)
	}

	select {
	case <-bridge.Finalized():
	case <-time.After(time.Second):
		t.Fatal("expected recognizer final to finalize the utterance")
	}

	if err := bridge.Feed(audio(2, 0)); err != nil {
		t.Fatalf("late audio should be discarded silently, got %v", err)
	}
	if len(stream.sentPayloads()) != 0 {
		t.Fatalf("late audio must not reach the recognizer")
	}

	final, err := bridge.Stop(ctx)
	if err != nil || final.Text != "はい" {
		t.Fatalf("unexpected Stop result: %+v %v", final, err)
	}
}

func TestBridgeStopTimeout(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream()
	rec := &fakeRecognizer{steps: []any{stream}}
	bridge := newTestBridge(rec, 50*time.Millisecond)

	if err := bridge.Start(ctx, 1); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	_, err := bridge.Stop(ctx)
	if kind, ok := voice.KindOf(err); !ok || kind != voice.KindTranscription {
		t.Fatalf("expected TranscriptionError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause, got %v", err)
	}
	if !stream.isClosed() {
		t.Fatalf("timed out stream should be closed")
	}
}

func TestBridgeEOFUsesLastPartial(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream()
	stream.push(Result{Text: "おはよう"})
	stream.onCloseSend = func(s *fakeStream) { s.end() }
	rec := &fakeRecognizer{steps: []any{stream}}
	bridge := newTestBridge(rec, time.Second)

	if err := bridge.Start(ctx, 3); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	final, err := bridge.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop err: %v", err)
	}
	if !final.IsFinal || final.Text != "おはよう" || final.UtteranceSeq != 3 {
		t.Fatalf("unexpected final: %+v", final)
	}
}

func TestBridgeRejectsStaleAndUnstarted(t *testing.T) {
	bridge := newTestBridge(&fakeRecognizer{steps: []any{newFakeStream()}}, time.Second)
	if err := bridge.Feed(audio(1, 0)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := bridge.Start(context.Background(), 5); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	defer bridge.Close()
	if err := bridge.Feed(audio(4, 0)); !errors.Is(err, ErrStaleUtterance) {
		t.Fatalf("expected ErrStaleUtterance, got %v", err)
	}
}

func TestBridgeAbortOnlyMatchingUtterance(t *testing.T) {
	stream := newFakeStream()
	bridge := newTestBridge(&fakeRecognizer{steps: []any{stream}}, time.Second)
	if err := bridge.Start(context.Background(), 2); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	defer bridge.Close()

	bridge.Abort(1)
	if stream.isClosed() {
		t.Fatal("abort of an older utterance closed the current stream")
	}

	bridge.Abort(2)
	if !stream.isClosed() {
		t.Fatal("expected current stream to be closed")
	}
	select {
	case <-bridge.Finalized():
	case <-time.After(time.Second):
		t.Fatal("finalized channel not closed after abort")
	}
}

// dialingRecognizer 在 release 关闭前阻塞 OpenStream，模拟慢速握手。
type dialingRecognizer struct {
	entered chan struct{}
	release chan struct{}
	stream  *fakeStream
}

func (r *dialingRecognizer) OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	close(r.entered)
	<-r.release
	return r.stream, nil
}

func TestBridgeCloseDuringDialReleasesStream(t *testing.T) {
	rec := &dialingRecognizer{entered: make(chan struct{}), release: make(chan struct{}), stream: newFakeStream()}
	b := newTestBridge(rec, time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan error, 1)
	go func() { started <- b.Start(ctx, 1) }()

	<-rec.entered
	cancel()
	b.Close()
	close(rec.release)

	select {
	case err := <-started:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Start err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	if !rec.stream.isClosed() {
		t.Fatal("stream opened after close was not released")
	}
	if err := b.Feed(audio(1, 0)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Feed err = %v, want ErrNotStarted", err)
	}
}
