package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/voice-chatter/backend/internal/model/voice"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/flow"
)

// ErrBusy 服务端拒绝了新话语，上一个话语仍在处理中。
var ErrBusy = errors.New("client: session busy")

// Config 控制器配置。
type Config struct {
	URL               string
	Token             string
	SampleRateHz      int
	ChunkDuration     time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	ReplyTimeout      time.Duration
	PlaybackQueue     int
	// Realtime 按分片时长节流发送，回放文件时模拟麦克风。
	Realtime bool
}

func (c Config) withDefaults() Config {
	if c.SampleRateHz <= 0 {
		c.SampleRateHz = 16000
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 100 * time.Millisecond
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 3
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 2 * time.Second
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 60 * time.Second
	}
	if c.PlaybackQueue <= 0 {
		c.PlaybackQueue = 16
	}
	return c
}

// Turn 一次说话的结果。
type Turn struct {
	UtteranceSeq uint64
	Transcript   string
	Reply        bool
	AudioBytes   int
	Chunks       int
}

// Controller 按键说话循环：采集 -> 上行 -> 等待回复 -> 播放。
type Controller struct {
	cfg    Config
	player Player

	mu   sync.Mutex
	conn *Conn
}

// New 创建控制器。
func New(cfg Config, player Player) *Controller {
	return &Controller{cfg: cfg.withDefaults(), player: player}
}

// IsFatal 错误是否意味着连接已经结束，需要重连。
func IsFatal(err error) bool {
	kind, ok := voice.KindOf(err)
	return ok && kind.Fatal()
}

// Connect 使用保存的令牌建立连接，最多尝试 ReconnectAttempts 次。令牌被拒绝时立即返回。
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		conn, err := Dial(ctx, c.cfg.URL, c.cfg.Token)
		if err == nil {
			ack := conn.Ack()
			if ack.SampleRateHz != 0 && ack.SampleRateHz != c.cfg.SampleRateHz {
				log.Printf("[client] backend expects %d Hz, capture is %d Hz", ack.SampleRateHz, c.cfg.SampleRateHz)
			}
			log.Printf("[client] connected session=%s locale=%s", conn.SessionID(), ack.Locale)
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			return nil
		}

		lastErr = err
		if kind, _ := voice.KindOf(err); kind == voice.KindAuthentication {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[client] connect attempt %d/%d failed: %v", attempt, c.cfg.ReconnectAttempts, err)
		if attempt == c.cfg.ReconnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectBackoff):
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", c.cfg.ReconnectAttempts, lastErr)
}

// Close 结束当前会话。
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Controller) current() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Talk 完成一次说话：发送 start、按序上行采集到的分片、采集结束后发送 stop，
// 然后等待识别结果与回复音频并交给播放器。
func (c *Controller) Talk(ctx context.Context, capture io.Reader) (Turn, error) {
	conn := c.current()
	if conn == nil {
		return Turn{}, voice.NewError(voice.KindConnectionLost, "not connected", nil)
	}
	drain(conn.Events())

	if err := conn.Send(ctx, voice.TypeStartUtterance, nil); err != nil {
		return Turn{}, err
	}

	stopSent := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.stream(gctx, conn, capture, stopSent)
	})

	var turn Turn
	g.Go(func() error {
		var err error
		turn, err = c.receive(gctx, conn, stopSent)
		return err
	})

	err := g.Wait()
	if err != nil && IsFatal(err) {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}
	return turn, err
}

func (c *Controller) stream(ctx context.Context, conn *Conn, capture io.Reader, stopSent chan<- struct{}) error {
	buf := make([]byte, ChunkBytes(c.cfg.SampleRateHz, c.cfg.ChunkDuration))

	var pace <-chan time.Time
	if c.cfg.Realtime {
		ticker := time.NewTicker(c.cfg.ChunkDuration)
		defer ticker.Stop()
		pace = ticker.C
	}

	var seq int64
	for {
		n, err := io.ReadFull(capture, buf)
		n -= n % 2
		if n > 0 {
			chunk := voice.AudioChunkMessage{Sequence: seq, Payload: buf[:n], SampleRateHz: c.cfg.SampleRateHz}
			if serr := conn.Send(ctx, voice.TypeAudioChunk, chunk); serr != nil {
				return serr
			}
			seq++
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("capture read: %w", err)
		}

		if pace != nil {
			select {
			case <-pace:
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if err := conn.Send(ctx, voice.TypeStopUtterance, nil); err != nil {
		return err
	}
	close(stopSent)
	log.Printf("[client] sent %d chunks, waiting for reply", seq)
	return nil
}

// receive 处理本次说话的下行消息。回复分片经有界队列交给播放协程，播放可以在全部到达前开始。
func (c *Controller) receive(ctx context.Context, conn *Conn, stopSent <-chan struct{}) (Turn, error) {
	var (
		turn     Turn
		haveSeq  bool
		playback *playback
		timeout  <-chan time.Time
	)
	defer func() {
		if playback != nil {
			playback.abort()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return turn, ctx.Err()
		case <-stopSent:
			timer := time.NewTimer(c.cfg.ReplyTimeout)
			defer timer.Stop()
			timeout = timer.C
			stopSent = nil
			continue
		case <-timeout:
			return turn, fmt.Errorf("no reply within %s", c.cfg.ReplyTimeout)
		case env, ok := <-conn.Events():
			if !ok {
				return turn, voice.NewError(voice.KindConnectionLost, "connection closed", conn.Err())
			}

			switch env.Type {
			case voice.TypeBusy:
				return turn, ErrBusy

			case voice.TypeError:
				var payload voice.ErrorPayload
				if err := json.Unmarshal(env.Data, &payload); err != nil {
					return turn, voice.NewError(voice.KindProtocol, "invalid error payload", err)
				}
				log.Printf("[client] server error %s: %s", payload.Kind, payload.Message)
				return turn, voice.NewError(payload.Kind, payload.Message, nil)

			case voice.TypeTranscriptPartial:
				var tr voice.Transcript
				if json.Unmarshal(env.Data, &tr) == nil {
					log.Printf("[client] … %s", tr.Text)
				}

			case voice.TypeTranscriptFinal:
				var tr voice.Transcript
				if err := json.Unmarshal(env.Data, &tr); err != nil {
					return turn, voice.NewError(voice.KindProtocol, "invalid transcript", err)
				}
				turn.UtteranceSeq, turn.Transcript, haveSeq = tr.UtteranceSeq, tr.Text, true
				log.Printf("[client] you said: %q", tr.Text)
				if strings.TrimSpace(tr.Text) == "" {
					return turn, nil
				}

			case voice.TypeReplyAudioChunk:
				var msg voice.ReplyAudioChunk
				if err := json.Unmarshal(env.Data, &msg); err != nil {
					return turn, voice.NewError(voice.KindProtocol, "invalid reply chunk", err)
				}
				if haveSeq && msg.UtteranceSeq != turn.UtteranceSeq {
					log.Printf("[client] dropping stale reply chunk utterance=%d current=%d", msg.UtteranceSeq, turn.UtteranceSeq)
					continue
				}
				if playback == nil {
					pb, err := c.startPlayback(ctx, msg.UtteranceSeq, msg.SampleRateHz)
					if err != nil {
						return turn, err
					}
					playback = pb
				}
				chunk := voice.NewAudioChunk(msg.UtteranceSeq, msg.Sequence, msg.Payload, msg.SampleRateHz, msg.IsFinal)
				if err := playback.push(ctx, chunk); err != nil {
					return turn, err
				}
				turn.Reply = true
				turn.Chunks++
				turn.AudioBytes += len(msg.Payload)

				if msg.IsFinal {
					err := playback.wait()
					playback = nil
					return turn, err
				}

			default:
				log.Printf("[client] ignoring message type %s", env.Type)
			}
		}
	}
}

type playback struct {
	queue *flow.Controller
	done  chan struct{}
	err   error
}

func (c *Controller) startPlayback(ctx context.Context, utteranceSeq uint64, sampleRateHz int) (*playback, error) {
	if sampleRateHz <= 0 {
		sampleRateHz = c.cfg.SampleRateHz
	}
	out, err := c.player.Start(utteranceSeq, sampleRateHz)
	if err != nil {
		return nil, fmt.Errorf("start playback: %w", err)
	}

	pb := &playback{
		queue: flow.New(fmt.Sprintf("playback/%d", utteranceSeq), c.cfg.PlaybackQueue, 0),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(pb.done)
		defer func() {
			if cerr := out.Close(); cerr != nil && pb.err == nil {
				pb.err = cerr
			}
		}()
		for {
			chunk, err := pb.queue.Pull(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				pb.err = err
				return
			}
			if _, err := out.Write(chunk.Payload); err != nil {
				pb.err = fmt.Errorf("playback write: %w", err)
				pb.queue.Close()
				return
			}
		}
	}()
	return pb, nil
}

// push 队列满时记录一次背压再阻塞等待播放协程消费。
func (p *playback) push(ctx context.Context, chunk voice.AudioChunk) error {
	err := p.queue.TryPush(chunk)
	if errors.Is(err, flow.ErrBackpressure) {
		log.Printf("[client] playback queue full (%d), waiting", p.queue.Cap())
		err = p.queue.Push(ctx, chunk)
	}
	if errors.Is(err, flow.ErrStreamClosed) {
		<-p.done
		return p.err
	}
	return err
}

func (p *playback) wait() error {
	<-p.done
	return p.err
}

func (p *playback) abort() {
	p.queue.Close()
	<-p.done
}

func drain(events <-chan voice.Envelope) {
	for {
		select {
		case env, ok := <-events:
			if !ok {
				return
			}
			log.Printf("[client] discarding leftover %s", env.Type)
		default:
			return
		}
	}
}

// Run 按键说话主循环：第一次触发开始采集，第二次触发结束采集并等待回复。
// 连接断开时用保存的令牌重连，重连失败才返回错误。
func (c *Controller) Run(ctx context.Context, triggers <-chan struct{}, capture CaptureFunc) error {
	if c.current() == nil {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}
	defer c.Close()

	for {
		log.Printf("[client] press Enter to talk")
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-triggers:
			if !ok {
				return nil
			}
		}

		stop := make(chan struct{})
		src, err := capture(ctx, stop)
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		log.Printf("[client] listening… press Enter to stop")

		type result struct {
			turn Turn
			err  error
		}
		done := make(chan result, 1)
		go func() {
			turn, err := c.Talk(ctx, src)
			done <- result{turn, err}
		}()

		var res result
		select {
		case <-triggers:
			close(stop)
			res = <-done
		case res = <-done:
			close(stop)
		}
		src.Close()

		switch {
		case res.err == nil && !res.turn.Reply:
			log.Printf("[client] nothing heard, try again")
		case res.err == nil:
			log.Printf("[client] reply played (%d chunks, %d bytes)", res.turn.Chunks, res.turn.AudioBytes)
		case ctx.Err() != nil:
			return nil
		case IsFatal(res.err):
			log.Printf("[client] connection lost: %v, reconnecting", res.err)
			if err := c.Connect(ctx); err != nil {
				return fmt.Errorf("reconnect failed: %w", err)
			}
		default:
			log.Printf("[client] utterance failed, you may try again: %v", res.err)
		}
	}
}
