// Package transcription 把音频分片桥接到外部流式识别服务，产出 partial/final 识别事件。
package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/voice-chatter/backend/internal/model/voice"
)

var (
	// ErrStaleUtterance 分片不属于当前话语。
	ErrStaleUtterance = errors.New("transcription: chunk belongs to another utterance")
	// ErrNotStarted 尚未调用 Start。
	ErrNotStarted = errors.New("transcription: no active utterance")
	// ErrInputEnded Stop 之后继续 Feed。
	ErrInputEnded = errors.New("transcription: input already ended")
)

const eventBuffer = 64

// Config 识别桥配置。
type Config struct {
	Locale       string
	SampleRateHz int
	StopTimeout  time.Duration
}

// Bridge 每个会话一个；每个话语通过 Start 打开独立的识别交换。
type Bridge struct {
	recognizer Recognizer
	cfg        Config
	sessionID  string

	mu      sync.Mutex
	current *exchange
}

// NewBridge 创建识别桥。
func NewBridge(recognizer Recognizer, cfg Config, sessionID string) *Bridge {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Bridge{recognizer: recognizer, cfg: cfg, sessionID: sessionID}
}

// Start 为 utteranceSeq 打开识别流，之前未结束的交换会被中止。
func (b *Bridge) Start(ctx context.Context, utteranceSeq uint64) error {
	b.mu.Lock()
	prev := b.current
	b.current = nil
	b.mu.Unlock()
	if prev != nil {
		prev.abort()
	}

	xctx, cancel := context.WithCancel(ctx)
	x := &exchange{
		recognizer: b.recognizer,
		streamCfg: StreamConfig{
			SessionID:    b.sessionID,
			UtteranceSeq: utteranceSeq,
			Locale:       b.cfg.Locale,
			SampleRateHz: b.cfg.SampleRateHz,
		},
		ctx:    xctx,
		cancel: cancel,
		events: make(chan voice.TranscriptEvent, eventBuffer),
		done:   make(chan struct{}),
	}

	if err := x.open(); err != nil {
		cancel()
		return err
	}

	// 拨号期间会话可能已关闭，Close 看不到尚未登记的交换
	b.mu.Lock()
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		x.abort()
		return err
	}
	b.current = x
	b.mu.Unlock()

	go x.run()
	return nil
}

// Feed 转发一个音频分片。识别服务已主动给出 final 时，迟到的音频被丢弃。
func (b *Bridge) Feed(chunk voice.AudioChunk) error {
	x := b.active()
	if x == nil {
		return ErrNotStarted
	}
	if chunk.UtteranceSeq != x.streamCfg.UtteranceSeq {
		return fmt.Errorf("%w: got %d, current %d", ErrStaleUtterance, chunk.UtteranceSeq, x.streamCfg.UtteranceSeq)
	}
	return x.feed(chunk)
}

// Events 当前话语的识别事件，以唯一的 final 事件结束后关闭。
func (b *Bridge) Events() <-chan voice.TranscriptEvent {
	x := b.active()
	if x == nil {
		ch := make(chan voice.TranscriptEvent)
		close(ch)
		return ch
	}
	return x.events
}

// Finalized 在当前话语得到 final 事件或失败后关闭。
func (b *Bridge) Finalized() <-chan struct{} {
	x := b.active()
	if x == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return x.done
}

// Stop 通知识别服务输入结束，并在限定时间内等待 final 事件。
func (b *Bridge) Stop(ctx context.Context) (voice.TranscriptEvent, error) {
	x := b.active()
	if x == nil {
		return voice.TranscriptEvent{}, ErrNotStarted
	}

	x.endInput()

	timer := time.NewTimer(b.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-x.done:
		return x.final, x.err
	case <-timer.C:
		x.abort()
		return voice.TranscriptEvent{}, voice.NewError(voice.KindTranscription, "timed out waiting for final transcript", context.DeadlineExceeded)
	case <-ctx.Done():
		x.abort()
		return voice.TranscriptEvent{}, ctx.Err()
	}
}

// Close 中止当前交换并释放上游资源。
func (b *Bridge) Close() {
	b.mu.Lock()
	x := b.current
	b.current = nil
	b.mu.Unlock()
	if x != nil {
		x.abort()
	}
}

// Abort 仅当当前交换属于 utteranceSeq 时将其中止，不会影响之后开始的话语。
func (b *Bridge) Abort(utteranceSeq uint64) {
	b.mu.Lock()
	x := b.current
	if x == nil || x.streamCfg.UtteranceSeq != utteranceSeq {
		b.mu.Unlock()
		return
	}
	b.current = nil
	b.mu.Unlock()
	x.abort()
}

func (b *Bridge) active() *exchange {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

type exchange struct {
	recognizer Recognizer
	streamCfg  StreamConfig
	ctx        context.Context
	cancel     context.CancelFunc

	mu        sync.Mutex
	stream    Stream
	buffered  [][]byte
	inputDone bool
	finalized bool
	reopened  bool

	lastPartial voice.TranscriptEvent

	events     chan voice.TranscriptEvent
	done       chan struct{}
	finishOnce sync.Once
	final      voice.TranscriptEvent
	err        error
}

// open 建立首个识别流，失败时计作一次瞬时故障并重试一次。
func (x *exchange) open() error {
	stream, err := x.recognizer.OpenStream(x.ctx, x.streamCfg)
	if err != nil {
		log.Printf("[asr] open stream failed session=%s utterance=%d, retrying once: %v", x.streamCfg.SessionID, x.streamCfg.UtteranceSeq, err)
		x.reopened = true
		stream, err = x.recognizer.OpenStream(x.ctx, x.streamCfg)
		if err != nil {
			return voice.NewError(voice.KindTranscription, "recognizer unavailable", err)
		}
	}
	x.stream = stream
	return nil
}

func (x *exchange) feed(chunk voice.AudioChunk) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.finalized {
		log.Printf("[asr] discarding late audio session=%s utterance=%d seq=%d", x.streamCfg.SessionID, x.streamCfg.UtteranceSeq, chunk.Sequence)
		return nil
	}
	if x.inputDone {
		return ErrInputEnded
	}

	if len(chunk.Payload) > 0 {
		x.buffered = append(x.buffered, chunk.Payload)
		if err := x.stream.Send(chunk.Payload); err != nil {
			// 关闭流后由接收循环负责重连并重放缓冲
			log.Printf("[asr] send failed session=%s utterance=%d: %v", x.streamCfg.SessionID, x.streamCfg.UtteranceSeq, err)
			_ = x.stream.Close()
		}
	}
	if chunk.IsFinal {
		x.endInputLocked()
	}
	return nil
}

func (x *exchange) endInput() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.endInputLocked()
}

func (x *exchange) endInputLocked() {
	if x.inputDone {
		return
	}
	x.inputDone = true
	if x.finalized {
		return
	}
	if err := x.stream.CloseSend(); err != nil {
		log.Printf("[asr] close send failed session=%s utterance=%d: %v", x.streamCfg.SessionID, x.streamCfg.UtteranceSeq, err)
		_ = x.stream.Close()
	}
}

func (x *exchange) inputEnded() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inputDone
}

func (x *exchange) currentStream() Stream {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.stream
}

func (x *exchange) run() {
	defer func() {
		if stream := x.currentStream(); stream != nil {
			_ = stream.Close()
		}
	}()

	for {
		res, err := x.currentStream().Recv()
		if err == nil {
			if x.handle(res) {
				return
			}
			continue
		}

		if x.ctx.Err() != nil {
			x.finish(voice.TranscriptEvent{}, voice.NewError(voice.KindTranscription, "transcription aborted", x.ctx.Err()))
			return
		}

		if errors.Is(err, io.EOF) && x.inputEnded() {
			// 识别服务未给出 final 就结束，以最后一个 partial 作为最终结果
			final := x.lastPartial
			final.IsFinal = true
			final.UtteranceSeq = x.streamCfg.UtteranceSeq
			x.emitFinal(final)
			return
		}

		if rerr := x.reopen(err); rerr != nil {
			log.Printf("[asr] session=%s utterance=%d failed: %v", x.streamCfg.SessionID, x.streamCfg.UtteranceSeq, rerr)
			x.finish(voice.TranscriptEvent{}, rerr)
			return
		}
	}
}

// handle 处理一个识别结果，返回 true 表示已得到 final。
func (x *exchange) handle(res Result) bool {
	ev := voice.TranscriptEvent{
		Text:         strings.TrimSpace(res.Text),
		IsFinal:      res.IsFinal,
		Confidence:   res.Confidence,
		UtteranceSeq: x.streamCfg.UtteranceSeq,
	}

	if !ev.IsFinal {
		x.lastPartial = ev
		select {
		case x.events <- ev:
		default:
			log.Printf("[asr] partial dropped session=%s utterance=%d", x.streamCfg.SessionID, x.streamCfg.UtteranceSeq)
		}
		return false
	}

	x.emitFinal(ev)
	return true
}

func (x *exchange) emitFinal(ev voice.TranscriptEvent) {
	x.mu.Lock()
	x.finalized = true
	early := !x.inputDone
	x.mu.Unlock()
	if early {
		log.Printf("[asr] recognizer finalized before stop session=%s utterance=%d, late audio will be discarded", x.streamCfg.SessionID, x.streamCfg.UtteranceSeq)
	}

	select {
	case x.events <- ev:
	case <-x.ctx.Done():
	}
	x.finish(ev, nil)
}

func (x *exchange) reopen(cause error) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.reopened {
		return voice.NewError(voice.KindTranscription, "recognizer stream failed", cause)
	}
	x.reopened = true
	log.Printf("[asr] stream failed session=%s utterance=%d, reopening with %d buffered chunks: %v",
		x.streamCfg.SessionID, x.streamCfg.UtteranceSeq, len(x.buffered), cause)

	_ = x.stream.Close()
	stream, err := x.recognizer.OpenStream(x.ctx, x.streamCfg)
	if err != nil {
		return voice.NewError(voice.KindTranscription, "reopen recognizer stream", err)
	}
	for _, audio := range x.buffered {
		if err := stream.Send(audio); err != nil {
			_ = stream.Close()
			return voice.NewError(voice.KindTranscription, "replay buffered audio", err)
		}
	}
	if x.inputDone {
		if err := stream.CloseSend(); err != nil {
			_ = stream.Close()
			return voice.NewError(voice.KindTranscription, "close reopened stream", err)
		}
	}

	x.stream = stream
	x.lastPartial = voice.TranscriptEvent{}
	return nil
}

func (x *exchange) finish(ev voice.TranscriptEvent, err error) {
	x.finishOnce.Do(func() {
		x.final = ev
		x.err = err
		close(x.done)
		close(x.events)
	})
}

func (x *exchange) abort() {
	x.cancel()
	if stream := x.currentStream(); stream != nil {
		_ = stream.Close()
	}
}
