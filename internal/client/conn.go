// Package client 设备端的按键说话控制器：采集音频上行、接收回复并播放，断线后自动重连。
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voice-chatter/backend/internal/model/voice"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pingPeriod       = 20 * time.Second
	eventBuffer      = 64
)

// Conn 一条已通过鉴权的语音会话连接。
type Conn struct {
	ws        *websocket.Conn
	sessionID string
	ack       voice.AckReady

	writeMu sync.Mutex
	events  chan voice.Envelope

	errMu sync.Mutex
	err   error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial 建立连接并等待 ack-ready。令牌被拒绝时返回 AuthenticationError，不应重试。
func Dial(ctx context.Context, rawURL, token string) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, voice.NewError(voice.KindConnectionLost, "dial backend", err)
	}

	ack, err := awaitReady(ws)
	if err != nil {
		ws.Close()
		return nil, err
	}

	c := &Conn{
		ws:        ws,
		sessionID: ack.SessionID,
		ack:       ack,
		events:    make(chan voice.Envelope, eventBuffer),
		done:      make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error { return nil })
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func awaitReady(ws *websocket.Conn) (voice.AckReady, error) {
	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})

	var env voice.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		if websocket.IsCloseError(err, 4401) {
			return voice.AckReady{}, voice.NewError(voice.KindAuthentication, "token rejected", err)
		}
		return voice.AckReady{}, voice.NewError(voice.KindConnectionLost, "read ack-ready", err)
	}

	switch env.Type {
	case voice.TypeAckReady:
		var ack voice.AckReady
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			return voice.AckReady{}, voice.NewError(voice.KindProtocol, "invalid ack-ready", err)
		}
		return ack, nil
	case voice.TypeError:
		var payload voice.ErrorPayload
		_ = json.Unmarshal(env.Data, &payload)
		if payload.Kind == "" {
			payload.Kind = voice.KindConnectionLost
		}
		return voice.AckReady{}, voice.NewError(payload.Kind, payload.Message, nil)
	default:
		return voice.AckReady{}, voice.NewError(voice.KindProtocol, "unexpected first message: "+env.Type, nil)
	}
}

// SessionID 服务端分配的会话 ID。
func (c *Conn) SessionID() string {
	return c.sessionID
}

// Ack 返回就绪通知中的会话参数。
func (c *Conn) Ack() voice.AckReady {
	return c.ack
}

// Events 服务端消息，连接结束后关闭。
func (c *Conn) Events() <-chan voice.Envelope {
	return c.events
}

// Done 在连接结束后关闭。
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err 返回导致连接结束的错误。
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send 写出一条客户端消息。
func (c *Conn) Send(ctx context.Context, msgType string, data any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(voice.NewMessage(msgType, c.sessionID, data)); err != nil {
		c.fail(err)
		return voice.NewError(voice.KindConnectionLost, "send "+msgType, err)
	}
	return nil
}

// Close 通知服务端结束会话后关闭连接，可重复调用。
func (c *Conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	_ = c.Send(ctx, voice.TypeClose, nil)

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.writeMu.Unlock()

	c.fail(nil)
	return nil
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		var env voice.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
				log.Printf("[client] session %s read failed: %v", c.sessionID, err)
			}
			c.fail(err)
			return
		}
		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
		}
	}
}
