// Package flow 提供有界的音频分片队列，用于上行采集与下行播放两条路径。
package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/zhouzirui/voice-chatter/backend/internal/model/voice"
)

var (
	// ErrStreamClosed push 到已关闭的流，或流关闭且已排空。
	ErrStreamClosed = errors.New("flow: stream closed")
	// ErrOutOfSequence 分片序号不是上一个序号 +1。
	ErrOutOfSequence = errors.New("flow: chunk out of sequence")
	// ErrStreamFinished 已接受 isFinal 分片后继续 push。
	ErrStreamFinished = errors.New("flow: final chunk already accepted")
	// ErrBackpressure TryPush 时队列已满。
	ErrBackpressure = errors.New("flow: queue full")
)

// Controller 严格按序号 FIFO 的有界分片队列。队列满时 Push 阻塞。
type Controller struct {
	name  string
	queue chan voice.AudioChunk

	pushMu   sync.Mutex
	next     int64
	finished bool

	pullMu  sync.Mutex
	drained bool

	done      chan struct{}
	closeOnce sync.Once
}

// New 创建容量为 capacity 的队列，首个分片序号必须为 first。
func New(name string, capacity int, first int64) *Controller {
	if capacity <= 0 {
		capacity = 1
	}
	return &Controller{
		name:  name,
		queue: make(chan voice.AudioChunk, capacity),
		next:  first,
		done:  make(chan struct{}),
	}
}

// Push 入队一个分片。队列满时阻塞直到消费者取走、流被关闭或 ctx 结束。
func (c *Controller) Push(ctx context.Context, chunk voice.AudioChunk) error {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	if c.Closed() {
		return ErrStreamClosed
	}
	if c.finished {
		return ErrStreamFinished
	}
	if chunk.Sequence != c.next {
		log.Printf("[flow] %s rejected chunk seq=%d expected=%d utterance=%d", c.name, chunk.Sequence, c.next, chunk.UtteranceSeq)
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfSequence, chunk.Sequence, c.next)
	}

	select {
	case <-c.done:
		return ErrStreamClosed
	default:
	}

	select {
	case c.queue <- chunk:
	case <-c.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	c.next++
	if chunk.IsFinal {
		c.finished = true
	}
	return nil
}

// Pull 按序取出下一个分片。isFinal 分片交付后返回 io.EOF；
// 流被关闭时先排空已入队的分片，再返回 ErrStreamClosed。
func (c *Controller) Pull(ctx context.Context) (voice.AudioChunk, error) {
	c.pullMu.Lock()
	defer c.pullMu.Unlock()

	if c.drained {
		return voice.AudioChunk{}, io.EOF
	}

	select {
	case chunk := <-c.queue:
		return c.deliver(chunk), nil
	default:
	}

	select {
	case chunk := <-c.queue:
		return c.deliver(chunk), nil
	case <-c.done:
		select {
		case chunk := <-c.queue:
			return c.deliver(chunk), nil
		default:
			return voice.AudioChunk{}, ErrStreamClosed
		}
	case <-ctx.Done():
		return voice.AudioChunk{}, ctx.Err()
	}
}

// TryPush 与 Push 相同，但队列满时立即返回 ErrBackpressure 而不是阻塞。
func (c *Controller) TryPush(chunk voice.AudioChunk) error {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	if c.Closed() {
		return ErrStreamClosed
	}
	if c.finished {
		return ErrStreamFinished
	}
	if chunk.Sequence != c.next {
		log.Printf("[flow] %s rejected chunk seq=%d expected=%d utterance=%d", c.name, chunk.Sequence, c.next, chunk.UtteranceSeq)
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfSequence, chunk.Sequence, c.next)
	}

	select {
	case c.queue <- chunk:
	default:
		return ErrBackpressure
	}

	c.next++
	if chunk.IsFinal {
		c.finished = true
	}
	return nil
}

func (c *Controller) deliver(chunk voice.AudioChunk) voice.AudioChunk {
	if chunk.IsFinal {
		c.drained = true
	}
	return chunk
}

// Close 结束流并唤醒所有等待者，可重复调用。
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Closed 表示流是否已关闭。
func (c *Controller) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Len 当前排队的分片数。
func (c *Controller) Len() int {
	return len(c.queue)
}

// Cap 队列容量。
func (c *Controller) Cap() int {
	return cap(c.queue)
}
