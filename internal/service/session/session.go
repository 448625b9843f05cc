// Package session 实现单个语音会话的状态机，以及会话表和顶层管理器。
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/voice-chatter/backend/internal/model/persona"
	"github.com/zhouzirui/voice-chatter/backend/internal/model/voice"
	"github.com/zhouzirui/voice-chatter/backend/internal/observe"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/ai"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/flow"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/transcription"
)

// ErrSessionClosed 会话已关闭后继续投递消息。
var ErrSessionClosed = errors.New("session: closed")

// Outbound 下行消息通道，需要支持并发调用。
type Outbound interface {
	Send(ctx context.Context, msg voice.Message) error
}

// Responder 由 ai.Orchestrator 实现。
type Responder interface {
	Generate(ctx context.Context, prompt voice.PersonaPrompt, utteranceSeq uint64) (voice.GeneratedReply, error)
}

// Speaker 由 synthesis.Dispatcher 实现。
type Speaker interface {
	Synthesize(ctx context.Context, sessionID, text string, utteranceSeq uint64) iter.Seq2[voice.AudioChunk, error]
}

// Config 会话管线参数。
type Config struct {
	Locale            string
	SampleRateHz      int
	QueueSize         int
	InputIdleTimeout  time.Duration
	TranscriptTimeout time.Duration
	DeliveryTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Locale == "" {
		c.Locale = "ja-JP"
	}
	if c.SampleRateHz <= 0 {
		c.SampleRateHz = 16000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.InputIdleTimeout <= 0 {
		c.InputIdleTimeout = 10 * time.Second
	}
	if c.TranscriptTimeout <= 0 {
		c.TranscriptTimeout = 10 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	return c
}

// utterance 一次在途话语：上行队列、识别事件以及取消函数都只属于它。
type utterance struct {
	seq       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	ingest    *flow.Controller
	events    <-chan voice.TranscriptEvent
	finalized <-chan struct{}
	startedAt time.Time
}

// Session 一条连接上的一次对话。同一时间最多只有一个话语在途。
type Session struct {
	id        string
	cfg       Config
	out       Outbound
	bridge    *transcription.Bridge
	responder Responder
	speaker   Speaker
	persona   persona.Persona
	metrics   *observe.Metrics
	onClose   func(*Session)

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	state           voice.State
	authenticatedAt time.Time
	lastActivityAt  time.Time
	utteranceSeq    uint64
	active          *utterance
	awaitingStop    bool

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() voice.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// describe 会话状态、存活时长与空闲时长，用于日志。
func (s *Session) describe() (voice.State, time.Duration, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	return s.state, now.Sub(s.authenticatedAt), now.Sub(s.lastActivityAt)
}

// Done 会话关闭后关闭。
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait 等待所有话语协程退出。
func (s *Session) Wait() {
	s.wg.Wait()
}

// Handle 处理一条客户端消息。话语级错误直接下发给客户端，只有会话已关闭时才返回错误。
func (s *Session) Handle(msg voice.Inbound) error {
	s.mu.Lock()
	if s.state == voice.StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.lastActivityAt = time.Now()
	s.mu.Unlock()

	switch m := msg.(type) {
	case voice.StartUtterance:
		s.startUtterance()
	case voice.AudioChunkMessage:
		s.acceptAudio(m)
	case voice.StopUtterance:
		s.stopUtterance()
	case voice.CloseRequest:
		log.Printf("[session] %s client requested close", s.id)
		s.Close()
	case voice.Malformed:
		s.reject(m.Err)
	default:
		s.reject(voice.NewError(voice.KindProtocol, fmt.Sprintf("unsupported message %T", msg), nil))
	}
	return nil
}

// reject 处理无法识别的消息：LISTENING 中的话语以 ProtocolError 结束，之后的阶段只记录日志。
func (s *Session) reject(err error) {
	s.mu.Lock()
	u := s.active
	state := s.state
	s.mu.Unlock()

	switch {
	case u != nil && state == voice.StateListening:
		s.failUtterance(u, err, voice.KindProtocol)
	case u != nil:
		log.Printf("[session] %s utterance=%d ignoring bad message in %s: %v", s.id, u.seq, state, err)
	default:
		kind, message := voice.Describe(err, voice.KindProtocol)
		s.sendError(0, kind, message)
	}
}

func (s *Session) startUtterance() {
	s.mu.Lock()
	if !s.state.AcceptsUtterance() || s.active != nil {
		state := s.state
		s.mu.Unlock()
		log.Printf("[session] %s busy, start-utterance rejected in %s", s.id, state)
		s.emit(voice.TypeBusy, voice.Busy{State: state.String()})
		return
	}

	s.utteranceSeq++
	seq := s.utteranceSeq
	uctx, cancel := context.WithCancel(s.ctx)
	u := &utterance{
		seq:       seq,
		ctx:       uctx,
		cancel:    cancel,
		ingest:    flow.New(fmt.Sprintf("ingest session=%s utterance=%d", s.id, seq), s.cfg.QueueSize, 0),
		startedAt: time.Now(),
	}
	s.active = u
	s.awaitingStop = false
	s.setStateLocked(voice.StateListening, seq)
	s.mu.Unlock()

	if err := s.bridge.Start(uctx, seq); err != nil {
		s.failUtterance(u, err, voice.KindTranscription)
		return
	}
	u.events = s.bridge.Events()
	u.finalized = s.bridge.Finalized()

	s.wg.Add(1)
	go s.runUtterance(u)
}

func (s *Session) acceptAudio(m voice.AudioChunkMessage) {
	s.mu.Lock()
	u := s.active
	state := s.state
	awaiting := s.awaitingStop
	s.mu.Unlock()

	if u == nil {
		if awaiting {
			// 识别服务已提前结束该话语，客户端还在发送剩余音频
			return
		}
		s.sendError(0, voice.KindProtocol, "audio-chunk received without start-utterance")
		return
	}
	if state != voice.StateListening {
		log.Printf("[session] %s utterance=%d discarding audio seq=%d in %s", s.id, u.seq, m.Sequence, state)
		return
	}
	if m.SampleRateHz != 0 && m.SampleRateHz != s.cfg.SampleRateHz {
		s.failUtterance(u, voice.NewError(voice.KindProtocol,
			fmt.Sprintf("sample rate %d does not match session rate %d", m.SampleRateHz, s.cfg.SampleRateHz), nil), voice.KindProtocol)
		return
	}

	chunk := voice.NewAudioChunk(u.seq, m.Sequence, m.Payload, s.cfg.SampleRateHz, false)
	ctx, cancel := context.WithTimeout(u.ctx, s.cfg.InputIdleTimeout)
	err := u.ingest.Push(ctx, chunk)
	cancel()

	switch {
	case err == nil:
	case errors.Is(err, flow.ErrOutOfSequence):
		s.failUtterance(u, voice.NewError(voice.KindProtocol, "audio chunk out of sequence", err), voice.KindProtocol)
	case errors.Is(err, flow.ErrStreamClosed):
		log.Printf("[session] %s utterance=%d ingest closed, dropping seq=%d", s.id, u.seq, m.Sequence)
	case errors.Is(err, context.DeadlineExceeded):
		s.failUtterance(u, voice.NewError(voice.KindTranscription, "audio ingest stalled", err), voice.KindTranscription)
	default:
		log.Printf("[session] %s utterance=%d push failed: %v", s.id, u.seq, err)
	}
}

func (s *Session) stopUtterance() {
	s.mu.Lock()
	u := s.active
	state := s.state
	switch {
	case u != nil && state == voice.StateListening:
		s.setStateLocked(voice.StateTranscribing, u.seq)
		s.mu.Unlock()
		u.ingest.Close()
		return
	case s.awaitingStop:
		s.awaitingStop = false
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if u != nil {
		// 重复的 stop，话语已经在处理中
		log.Printf("[session] %s utterance=%d duplicate stop-utterance ignored in %s", s.id, u.seq, state)
		return
	}
	s.sendError(0, voice.KindProtocol, "stop-utterance received in "+state.String())
}

// runUtterance 依次执行 识别 → 生成 → 合成 → 下发。
func (s *Session) runUtterance(u *utterance) {
	defer s.wg.Done()
	defer u.cancel()

	forwarded := make(chan struct{})
	go s.forwardPartials(u, forwarded)

	pumpDone := make(chan error, 1)
	go func() { pumpDone <- s.pump(u) }()

	select {
	case err := <-pumpDone:
		if err != nil {
			s.failUtterance(u, err, voice.KindProtocol)
			return
		}
	case <-u.finalized:
		s.mu.Lock()
		if s.active == u && s.state == voice.StateListening {
			s.awaitingStop = true
			s.setStateLocked(voice.StateTranscribing, u.seq)
		}
		s.mu.Unlock()
		u.ingest.Close()
		<-pumpDone
	case <-u.ctx.Done():
		return
	}
	if !s.isCurrent(u) {
		return
	}

	transcribeStart := time.Now()
	final, err := s.bridge.Stop(u.ctx)
	if err != nil {
		s.failUtterance(u, err, voice.KindTranscription)
		return
	}
	<-forwarded
	s.metrics.RecordStage(u.ctx, observe.StageTranscription, time.Since(transcribeStart))

	if final.UtteranceSeq != u.seq || !s.isCurrent(u) {
		log.Printf("[session] %s stale transcript for utterance=%d discarded", s.id, final.UtteranceSeq)
		s.metrics.RecordStaleDrop(u.ctx, "transcript")
		return
	}
	if !s.emit(voice.TypeTranscriptFinal, voice.Transcript{Text: final.Text, UtteranceSeq: u.seq, Confidence: final.Confidence}) {
		return
	}

	if strings.TrimSpace(final.Text) == "" {
		log.Printf("[session] %s utterance=%d empty transcript, skipping generation", s.id, u.seq)
		s.finishUtterance(u, "empty")
		return
	}

	if !s.transition(u, voice.StateGenerating) {
		return
	}
	generateStart := time.Now()
	reply, err := s.responder.Generate(u.ctx, ai.BuildPrompt(s.persona, final.Text), u.seq)
	if err != nil {
		s.failUtterance(u, err, voice.KindGeneration)
		return
	}
	s.metrics.RecordStage(u.ctx, observe.StageGeneration, time.Since(generateStart))
	if reply.UtteranceSeq != u.seq {
		log.Printf("[session] %s stale reply for utterance=%d discarded, current=%d", s.id, reply.UtteranceSeq, u.seq)
		s.metrics.RecordStaleDrop(u.ctx, "reply")
		s.failUtterance(u, voice.NewError(voice.KindGeneration, "reply belongs to an earlier utterance", nil), voice.KindGeneration)
		return
	}

	if !s.transition(u, voice.StateSynthesizing) {
		return
	}
	s.respond(u, reply)
}

// respond 把合成分片送入下行队列，由 deliver 协程按序写给客户端。
func (s *Session) respond(u *utterance, reply voice.GeneratedReply) {
	synthStart := time.Now()
	outbound := flow.New(fmt.Sprintf("reply session=%s utterance=%d", s.id, u.seq), s.cfg.QueueSize, 0)
	delivered := make(chan error, 1)
	go func() { delivered <- s.deliver(u, outbound) }()

	var (
		produced bool
		sawFinal bool
		synthErr error
		nextSeq  int64
	)
	for chunk, err := range s.speaker.Synthesize(u.ctx, s.id, reply.Text, u.seq) {
		if err != nil {
			synthErr = err
			break
		}
		if chunk.UtteranceSeq != u.seq {
			log.Printf("[session] %s stale audio chunk utterance=%d discarded, current=%d", s.id, chunk.UtteranceSeq, u.seq)
			s.metrics.RecordStaleDrop(u.ctx, "chunk")
			continue
		}
		if !produced {
			produced = true
			if !s.transition(u, voice.StateResponding) {
				synthErr = u.ctx.Err()
				break
			}
		}
		if err := outbound.Push(u.ctx, chunk); err != nil {
			synthErr = voice.NewError(voice.KindSynthesis, "audio chunk rejected", err)
			break
		}
		nextSeq = chunk.Sequence + 1
		if chunk.IsFinal {
			sawFinal = true
			break
		}
	}

	if !sawFinal {
		outbound.Close()
	}
	deliverErr := <-delivered

	if _, ok := voice.KindOf(deliverErr); ok {
		s.failUtterance(u, deliverErr, voice.KindConnectionLost)
		return
	}
	if synthErr != nil {
		s.failUtterance(u, synthErr, voice.KindSynthesis)
		return
	}
	if !sawFinal {
		log.Printf("[session] %s utterance=%d synthesis ended after %d chunks without a final chunk", s.id, u.seq, nextSeq)
		s.failUtterance(u, voice.NewError(voice.KindSynthesis, "synthesizer produced no playable audio", nil), voice.KindSynthesis)
		return
	}
	s.metrics.RecordStage(u.ctx, observe.StageSynthesis, time.Since(synthStart))
}

// deliver 从下行队列取出分片写给客户端；在写出最后一个分片之前回到 IDLE。
func (s *Session) deliver(u *utterance, outbound *flow.Controller) error {
	for {
		chunk, err := outbound.Pull(u.ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !s.isCurrent(u) {
			s.metrics.RecordStaleDrop(u.ctx, "chunk")
			continue
		}

		if chunk.IsFinal {
			s.finishUtterance(u, "ok")
		}
		payload := voice.ReplyAudioChunk{
			Sequence:     chunk.Sequence,
			Payload:      chunk.Payload,
			IsFinal:      chunk.IsFinal,
			SampleRateHz: chunk.SampleRateHz,
			UtteranceSeq: chunk.UtteranceSeq,
		}
		if err := s.send(voice.TypeReplyAudioChunk, payload); err != nil {
			outbound.Close()
			return voice.NewError(voice.KindConnectionLost, "failed to deliver reply audio", err)
		}
	}
}

// pump 把上行队列中的分片送入识别桥，直到队列关闭或输入超时。
func (s *Session) pump(u *utterance) error {
	for {
		ctx, cancel := context.WithTimeout(u.ctx, s.cfg.InputIdleTimeout)
		chunk, err := u.ingest.Pull(ctx)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, flow.ErrStreamClosed):
			return nil
		case u.ctx.Err() != nil:
			return u.ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return voice.NewError(voice.KindProtocol, fmt.Sprintf("no audio received for %s", s.cfg.InputIdleTimeout), err)
		default:
			return err
		}

		if err := s.bridge.Feed(chunk); err != nil {
			return voice.NewError(voice.KindTranscription, "failed to forward audio", err)
		}
	}
}

func (s *Session) forwardPartials(u *utterance, done chan<- struct{}) {
	defer close(done)
	for ev := range u.events {
		if ev.IsFinal {
			continue
		}
		if ev.UtteranceSeq != u.seq || !s.isCurrent(u) {
			s.metrics.RecordStaleDrop(u.ctx, "transcript")
			continue
		}
		_ = s.send(voice.TypeTranscriptPartial, voice.Transcript{Text: ev.Text, UtteranceSeq: ev.UtteranceSeq, Confidence: ev.Confidence})
	}
}

func (s *Session) isCurrent(u *utterance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == u
}

// transition 仅在 u 仍是当前话语时切换状态。
func (s *Session) transition(u *utterance, next voice.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != u {
		return false
	}
	s.setStateLocked(next, u.seq)
	return true
}

func (s *Session) setStateLocked(next voice.State, seq uint64) {
	if s.state == next {
		return
	}
	log.Printf("[session] %s utterance=%d %s -> %s", s.id, seq, s.state, next)
	s.state = next
}

// finishUtterance 释放话语资源并回到 IDLE，返回 false 表示 u 已不是当前话语。
func (s *Session) finishUtterance(u *utterance, outcome string) bool {
	s.mu.Lock()
	if s.active != u {
		s.mu.Unlock()
		return false
	}
	s.active = nil
	if s.state == voice.StateListening {
		// 客户端还会发送剩余音频和 stop-utterance，静默丢弃
		s.awaitingStop = true
	}
	s.setStateLocked(voice.StateIdle, u.seq)
	s.mu.Unlock()

	u.ingest.Close()
	s.bridge.Abort(u.seq)
	s.metrics.RecordUtterance(s.ctx, outcome)
	s.metrics.RecordStage(s.ctx, observe.StageUtterance, time.Since(u.startedAt))
	return true
}

// failUtterance 把失败转换为 error 消息；致命错误关闭整个会话。
func (s *Session) failUtterance(u *utterance, err error, fallback voice.ErrorKind) {
	if s.ctx.Err() != nil {
		return
	}
	kind, message := voice.Describe(err, fallback)
	if kind.Fatal() {
		log.Printf("[session] %s utterance=%d fatal %s: %v", s.id, u.seq, kind, err)
		s.Close()
		return
	}
	if !s.finishUtterance(u, "error") {
		return
	}
	u.cancel()
	log.Printf("[session] %s utterance=%d failed with %s: %v", s.id, u.seq, kind, err)
	s.metrics.RecordUtteranceError(s.ctx, string(kind))
	s.sendError(u.seq, kind, message)
}

func (s *Session) sendError(seq uint64, kind voice.ErrorKind, message string) {
	s.emit(voice.TypeError, voice.ErrorPayload{Kind: kind, Message: message, UtteranceSeq: seq})
}

// emit 发送消息；写失败视为连接丢失并关闭会话。
func (s *Session) emit(msgType string, data any) bool {
	if err := s.send(msgType, data); err != nil {
		if s.ctx.Err() == nil {
			log.Printf("[session] %s connection lost while sending %s: %v", s.id, msgType, err)
			s.Close()
		}
		return false
	}
	return true
}

func (s *Session) send(msgType string, data any) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DeliveryTimeout)
	defer cancel()
	return s.out.Send(ctx, voice.NewMessage(msgType, s.id, data))
}

// Close 终止会话：取消在途阶段、释放识别流并从会话表移除。可重复调用。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = voice.StateClosed
		u := s.active
		s.active = nil
		s.mu.Unlock()

		log.Printf("[session] %s %s -> %s", s.id, prev, voice.StateClosed)
		if prev.InFlight() {
			s.metrics.RecordUtterance(context.Background(), "interrupted")
		}
		s.cancel()
		if u != nil {
			u.ingest.Close()
		}
		s.bridge.Close()
		close(s.done)

		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
